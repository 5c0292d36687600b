// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)      Display the effective configuration
//   init                Write a default config file
//   path                Show the config file path
//   validate            Load and validate the config file
//
// Secrets are shown as a sha256 fingerprint, never in clear.
package cli

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/jeranaias/rigrun-relay/internal/config"
)

func (a *App) configCommand() *Command {
	var (
		asJSON bool
		force  bool
	)
	common := func(name string, extra func(*pflag.FlagSet)) func() *pflag.FlagSet {
		return func() *pflag.FlagSet {
			fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
			a.commonFlags(fs)
			if extra != nil {
				extra(fs)
			}
			return fs
		}
	}
	jsonFlag := func(fs *pflag.FlagSet) {
		fs.BoolVar(&asJSON, "json", false, "output JSON")
	}

	show := &Command{
		Name:    "show",
		Summary: "Display the effective configuration",
		Flags:   common("show", jsonFlag),
		Run: func([]string) error {
			return a.configShow(asJSON)
		},
	}

	return &Command{
		Name:    "config",
		Summary: "View and manage the configuration file",
		Examples: []Example{
			{Description: "Show the effective configuration", Command: "rigrun-relay config"},
			{Description: "Write a default config file", Command: "rigrun-relay config init"},
			{Description: "Check a config file before deploying it", Command: "rigrun-relay config validate -c ./relay.toml"},
		},
		Flags: common("config", jsonFlag),
		Subcommands: []*Command{
			show,
			{
				Name:    "init",
				Summary: "Write a default config file",
				Flags: common("init", func(fs *pflag.FlagSet) {
					fs.BoolVar(&force, "force", false, "overwrite an existing file")
					jsonFlag(fs)
				}),
				Run: func([]string) error {
					return a.configInit(force, asJSON)
				},
			},
			{
				Name:    "path",
				Summary: "Show the config file path",
				Flags:   common("path", nil),
				Run: func([]string) error {
					path, err := a.configFile(false)
					if err != nil {
						return err
					}
					fmt.Fprintln(a.Out, path)
					if _, err := os.Stat(path); os.IsNotExist(err) {
						fmt.Fprintf(a.Err, "%s file does not exist, defaults are in effect\n",
							RenderConditional(WarningStyle, "Note:"))
					}
					return nil
				},
			},
			{
				Name:    "validate",
				Summary: "Load and validate the config file",
				Flags:   common("validate", nil),
				Run: func([]string) error {
					_, path, err := a.loadConfig()
					if err != nil {
						return err
					}
					fmt.Fprintf(a.Out, "%s %s\n", RenderStatus("ok"), path)
					return nil
				},
			},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return Usage("unknown config command %q\n\nRun 'rigrun-relay config --help' for usage.", args[0])
			}
			return a.configShow(asJSON)
		},
	}
}

func (a *App) configShow(asJSON bool) error {
	cfg, path, err := a.loadConfig()
	if err != nil {
		return err
	}
	masked := *cfg
	masked.Server.AuthToken = maskSecret(cfg.Server.AuthToken)

	if asJSON {
		return printJSON(a.Out, masked)
	}

	data, err := config.EncodeTOML(&masked)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s %s\n\n", RenderConditional(DimStyle, "#"), RenderConditional(DimStyle, path))
	_, err = a.Out.Write(data)
	return err
}

func (a *App) configInit(force, asJSON bool) error {
	path, err := a.configFile(asJSON)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return &ExitError{
			Code: ExitConfigError,
			Err:  fmt.Errorf("%s already exists (use --force to overwrite)", path),
		}
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s wrote %s\n", RenderStatus("ok"), path)
	return nil
}

// configFile returns --config, or the default path. For a new file, asJSON
// picks the JSON default instead of TOML.
func (a *App) configFile(asJSON bool) (string, error) {
	switch {
	case a.configPath != "":
		return a.configPath, nil
	case asJSON:
		return config.PathJSON()
	default:
		return config.Resolve()
	}
}

// maskSecret replaces a secret with a short sha256 fingerprint so two
// configs can be compared without revealing the value.
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("sha256:%x...", hash[:4])
}
