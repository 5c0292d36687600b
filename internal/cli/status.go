// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - Upstream health and model commands.
//
// Command: health
//   rigrun-relay health           Check the Ollama server and default model
//   rigrun-relay health --json    Same, as JSON
//
// Command: models
//   rigrun-relay models           List installed models
//   rigrun-relay models show NAME Show one model's details
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/ollama"
)

const probeTimeout = 5 * time.Second

// =============================================================================
// HEALTH
// =============================================================================

// HealthReport is the output of the health command.
type HealthReport struct {
	ollama.HealthStatus
	DefaultModel   string `json:"default_model"`
	ModelInstalled bool   `json:"model_installed"`
	ModelCount     int    `json:"model_count"`
}

func (a *App) healthCommand() *Command {
	var asJSON bool

	return &Command{
		Name:    "health",
		Summary: "Check that the Ollama server is reachable",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
			a.commonFlags(fs)
			fs.BoolVar(&asJSON, "json", false, "output JSON")
			return fs
		},
		Run: func([]string) error {
			cfg, _, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			defer cancel()

			report := checkHealth(ctx, cfg)
			if asJSON {
				if err := printJSON(a.Out, report); err != nil {
					return err
				}
			} else {
				a.printHealth(report)
			}
			if !report.Connected {
				return &ExitError{Code: ExitNetworkError, Err: fmt.Errorf("ollama not reachable at %s", report.URL)}
			}
			return nil
		},
	}
}

func checkHealth(ctx context.Context, cfg *config.Config) HealthReport {
	client := ollama.NewClient(&ollama.ClientConfig{BaseURL: cfg.Upstream.URL})
	report := HealthReport{
		HealthStatus: client.Health(ctx),
		DefaultModel: cfg.Upstream.DefaultModel,
	}
	if !report.Connected {
		return report
	}
	models, err := client.ListModels(ctx)
	if err != nil {
		return report
	}
	report.ModelCount = len(models)
	report.ModelInstalled = hasModel(models, cfg.Upstream.DefaultModel)
	return report
}

// hasModel reports whether name is installed. A name without a tag
// matches any tag.
func hasModel(models []ollama.ModelInfo, name string) bool {
	for _, m := range models {
		if m.Name == name || strings.HasPrefix(m.Name, name+":") {
			return true
		}
	}
	return false
}

func (a *App) printHealth(r HealthReport) {
	fmt.Fprintln(a.Out, RenderConditional(TitleStyle, "rigrun-relay health"))
	fmt.Fprintln(a.Out)

	if !r.Connected {
		fmt.Fprintf(a.Out, "%s%s %s\n", RenderLabel("Ollama"), RenderStatus("fail"), r.URL)
		if r.Error != "" {
			fmt.Fprintf(a.Out, "%s%s\n", RenderLabel(""), RenderConditional(DimStyle, r.Error))
		}
		return
	}
	fmt.Fprintf(a.Out, "%s%s %s\n", RenderLabel("Ollama"), RenderStatus("ok"), r.URL)
	fmt.Fprintf(a.Out, "%s%d installed\n", RenderLabel("Models"), r.ModelCount)

	status := RenderStatus("ok")
	if !r.ModelInstalled {
		status = RenderStatus("warn")
	}
	fmt.Fprintf(a.Out, "%s%s %s\n", RenderLabel("Default model"), status, r.DefaultModel)
	if !r.ModelInstalled {
		fmt.Fprintf(a.Out, "%s%s\n", RenderLabel(""),
			RenderConditional(DimStyle, "run 'ollama pull "+r.DefaultModel+"' to install it"))
	}
}

// =============================================================================
// MODELS
// =============================================================================

func (a *App) modelsCommand() *Command {
	var asJSON bool
	flags := func(name string) func() *pflag.FlagSet {
		return func() *pflag.FlagSet {
			fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
			a.commonFlags(fs)
			fs.BoolVar(&asJSON, "json", false, "output JSON")
			return fs
		}
	}

	show := &Command{
		Name:    "show",
		Summary: "Show details for one model",
		Usage:   "rigrun-relay models show [flags] NAME",
		Flags:   flags("show"),
		Run: func(args []string) error {
			if len(args) != 1 {
				return Usage("models show requires exactly one model name")
			}
			client, ctx, cancel, err := a.ollamaClient()
			if err != nil {
				return err
			}
			defer cancel()

			info, err := client.ShowModel(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a.Out, info)
			}
			a.printModel(args[0], info)
			return nil
		},
	}

	return &Command{
		Name:        "models",
		Summary:     "List models installed on the Ollama server",
		Flags:       flags("models"),
		Subcommands: []*Command{show},
		Run: func(args []string) error {
			if len(args) > 0 {
				if suggestion := SuggestCommand(args[0], []string{"show"}); suggestion != "" {
					return Usage("unknown command %q (did you mean %q?)", args[0], suggestion)
				}
				return Usage("unknown command %q", args[0])
			}
			client, ctx, cancel, err := a.ollamaClient()
			if err != nil {
				return err
			}
			defer cancel()

			models, err := client.ListModels(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a.Out, map[string]any{"models": models})
			}
			a.printModels(models)
			return nil
		},
	}
}

func (a *App) ollamaClient() (*ollama.Client, context.Context, context.CancelFunc, error) {
	cfg, _, err := a.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	return ollama.NewClient(&ollama.ClientConfig{BaseURL: cfg.Upstream.URL}), ctx, cancel, nil
}

func (a *App) printModels(models []ollama.ModelInfo) {
	if len(models) == 0 {
		fmt.Fprintln(a.Out, RenderConditional(DimStyle, "no models installed"))
		return
	}
	tw := tabwriter.NewWriter(a.Out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tPARAMS\tQUANT\tMODIFIED")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.Name,
			m.FormatSize(),
			orDash(m.Details.ParameterSize),
			orDash(m.Details.QuantizationLevel),
			humanize.Time(m.ModifiedAt),
		)
	}
	tw.Flush()
}

func (a *App) printModel(name string, info *ollama.ShowModelResponse) {
	fmt.Fprintln(a.Out, RenderConditional(TitleStyle, name))
	fmt.Fprintln(a.Out)
	fmt.Fprintf(a.Out, "%s%s\n", RenderLabel("Family"), orDash(info.Details.Family))
	fmt.Fprintf(a.Out, "%s%s\n", RenderLabel("Format"), orDash(info.Details.Format))
	fmt.Fprintf(a.Out, "%s%s\n", RenderLabel("Parameters"), orDash(info.Details.ParameterSize))
	fmt.Fprintf(a.Out, "%s%s\n", RenderLabel("Quantization"), orDash(info.Details.QuantizationLevel))
	if params := strings.TrimSpace(info.Parameters); params != "" {
		fmt.Fprintf(a.Out, "\n%s\n", RenderConditional(LabelStyle.UnsetWidth(), "Defaults"))
		for _, line := range strings.Split(params, "\n") {
			fmt.Fprintf(a.Out, "  %s\n", strings.Join(strings.Fields(line), " "))
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
