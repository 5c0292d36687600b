// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/logging"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// COMMAND TREE
// =============================================================================

// Command is one node of the command tree.
type Command struct {
	Name    string
	Summary string

	// Usage overrides the synthesized usage line.
	Usage string

	Examples []Example

	// Flags returns the command's flag set. Called lazily, once per
	// Execute.
	Flags func() *pflag.FlagSet

	Subcommands []*Command

	// Run receives the positional args left after flag parsing. When both
	// Run and Subcommands are set, Run handles args that match no
	// subcommand.
	Run func(args []string) error

	parent *Command
}

// Example is a usage example shown in help output.
type Example struct {
	Description string
	Command     string
}

// Execute parses args and dispatches to a subcommand or Run.
func (c *Command) Execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(os.Stderr)
		return nil
	}

	if len(c.Subcommands) > 0 && len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		for _, sub := range c.Subcommands {
			if sub.Name == args[0] {
				sub.parent = c
				return sub.Execute(args[1:])
			}
		}
		if c.Run == nil {
			if suggestion := SuggestCommand(args[0], c.subcommandNames()); suggestion != "" {
				return Usage("unknown command %q (did you mean %q?)\n\nRun '%s --help' for usage.",
					args[0], suggestion, c.fullName())
			}
			return Usage("unknown command %q\n\nRun '%s --help' for usage.", args[0], c.fullName())
		}
	}

	if len(c.Subcommands) > 0 && c.Run == nil {
		c.PrintHelp(os.Stderr)
		return Usage("subcommand required")
	}

	if c.Flags != nil {
		flagSet := c.Flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			if err == pflag.ErrHelp {
				c.PrintHelp(os.Stderr)
				return nil
			}
			return Usage("%s\n\nRun '%s --help' for usage.", err, c.fullName())
		}
		args = flagSet.Args()
	}

	if c.Run == nil {
		c.PrintHelp(os.Stderr)
		return Usage("no action defined for %q", c.fullName())
	}
	return c.Run(args)
}

// PrintHelp writes usage, subcommands, flags and examples to w.
func (c *Command) PrintHelp(w io.Writer) {
	name := c.fullName()

	if c.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	switch {
	case c.Usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.Usage)
	case len(c.Subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", name)
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", name)
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		tw.Flush()
	}

	if c.Flags != nil {
		var flagHelp strings.Builder
		flagSet := c.Flags()
		flagSet.SetOutput(&flagHelp)
		flagSet.PrintDefaults()
		if flagHelp.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", flagHelp.String())
		}
	}

	if len(c.Examples) > 0 {
		fmt.Fprintf(w, "\nExamples:\n")
		for _, ex := range c.Examples {
			if ex.Description != "" {
				fmt.Fprintf(w, "  # %s\n", ex.Description)
			}
			fmt.Fprintf(w, "  %s\n\n", ex.Command)
		}
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", name)
	}
}

func (c *Command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

func (c *Command) subcommandNames() []string {
	names := make([]string, len(c.Subcommands))
	for i, sub := range c.Subcommands {
		names[i] = sub.Name
	}
	return names
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// =============================================================================
// APP
// =============================================================================

// App carries the streams and the shared flag values every command uses.
type App struct {
	Out io.Writer
	Err io.Writer
	In  io.Reader

	configPath string
	url        string
	logLevel   string
	logFormat  string
}

// NewApp creates an App on the process streams.
func NewApp() *App {
	return &App{Out: os.Stdout, Err: os.Stderr, In: os.Stdin}
}

// commonFlags registers the flags shared by every command that loads the
// configuration.
func (a *App) commonFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&a.configPath, "config", "c", "", "config file (default ~/.rigrun-relay/config.toml)")
	fs.StringVar(&a.url, "url", "", "Ollama server URL, overrides upstream.url")
	fs.StringVar(&a.logLevel, "log-level", "", "trace, debug, info, warn or error")
	fs.StringVar(&a.logFormat, "log-format", "", "auto, console or json")
}

// loadConfig reads the configuration named by --config, or the default
// one, and applies the flag overrides. It also returns the path the
// configuration came from, which may not exist.
func (a *App) loadConfig() (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path = a.configPath
		err  error
	)
	if path == "" {
		if path, err = config.Resolve(); err != nil {
			return nil, "", err
		}
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFromPath(path)
	}
	if err != nil {
		return nil, "", err
	}

	if a.url != "" {
		cfg.Upstream.URL = a.url
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

// logger builds the process logger from cfg and installs it as the zerolog
// global.
func (a *App) logger(cfg *config.Config) (zerolog.Logger, error) {
	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Out:    a.Err,
		App:    "rigrun-relay",
	})
	if err != nil {
		return zerolog.Nop(), err
	}
	logging.SetGlobal(logger)
	return logger, nil
}

// =============================================================================
// ROOT
// =============================================================================

// NewRoot builds the command tree.
func NewRoot(app *App) *Command {
	return &Command{
		Name:    "rigrun-relay",
		Summary: "rigrun-relay - streaming chat relay for Ollama",
		Subcommands: []*Command{
			app.serveCommand(),
			app.askCommand(),
			app.abortCommand(),
			app.healthCommand(),
			app.modelsCommand(),
			app.historyCommand(),
			app.configCommand(),
			app.versionCommand(),
		},
	}
}

// Main runs the CLI and returns the process exit code.
func Main(args []string) int {
	app := NewApp()
	if err := NewRoot(app).Execute(args); err != nil {
		DisplayError(app.Err, err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

func (a *App) versionCommand() *Command {
	return &Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func([]string) error {
			fmt.Fprintf(a.Out, "rigrun-relay %s (commit %s, built %s, %s)\n",
				Version, GitCommit, BuildDate, runtime.Version())
			return nil
		},
	}
}
