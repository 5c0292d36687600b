// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// history.go - Chat history commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/jeranaias/rigrun-relay/internal/export"
	"github.com/jeranaias/rigrun-relay/internal/storage"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

func (a *App) historyCommand() *Command {
	var (
		asJSON bool
		limit  int
	)
	flags := func(name string, defaultLimit int) func() *pflag.FlagSet {
		return func() *pflag.FlagSet {
			fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
			a.commonFlags(fs)
			fs.BoolVar(&asJSON, "json", false, "output JSON")
			if defaultLimit >= 0 {
				fs.IntVarP(&limit, "limit", "n", defaultLimit, "maximum number of rows, 0 for the server default")
			}
			return fs
		}
	}

	list := func([]string) error {
		return a.withStore(func(ctx context.Context, store *storage.Store) error {
			chats, err := store.ListChats(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a.Out, map[string]any{"chats": chats})
			}
			a.printChats(chats)
			return nil
		})
	}

	return &Command{
		Name:    "history",
		Summary: "Browse stored chats",
		Flags:   flags("history", 20),
		Subcommands: []*Command{
			{
				Name:    "list",
				Summary: "List recent chats",
				Flags:   flags("list", 20),
				Run:     list,
			},
			{
				Name:    "show",
				Summary: "Print the messages of a chat",
				Usage:   "rigrun-relay history show [flags] CHAT_ID",
				Flags:   flags("show", 0),
				Run: func(args []string) error {
					if len(args) != 1 {
						return Usage("history show requires exactly one chat id")
					}
					return a.withStore(func(ctx context.Context, store *storage.Store) error {
						msgs, err := store.ListMessages(ctx, args[0], limit)
						if err != nil {
							return err
						}
						if asJSON {
							return printJSON(a.Out, map[string]any{"messages": msgs})
						}
						a.printMessages(msgs)
						return nil
					})
				},
			},
			a.historyExportCommand(),
			{
				Name:    "delete",
				Summary: "Delete a chat and its messages",
				Usage:   "rigrun-relay history delete CHAT_ID",
				Flags:   flags("delete", -1),
				Run: func(args []string) error {
					if len(args) != 1 {
						return Usage("history delete requires exactly one chat id")
					}
					return a.withStore(func(ctx context.Context, store *storage.Store) error {
						if err := store.DeleteChat(ctx, args[0]); err != nil {
							return err
						}
						fmt.Fprintf(a.Out, "%s deleted %s\n", RenderStatus("ok"), args[0])
						return nil
					})
				},
			},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return Usage("unknown history command %q\n\nRun 'rigrun-relay history --help' for usage.", args[0])
			}
			return list(args)
		},
	}
}

func (a *App) historyExportCommand() *Command {
	var format, output string

	return &Command{
		Name:    "export",
		Summary: "Export a chat as Markdown or JSON",
		Usage:   "rigrun-relay history export [flags] CHAT_ID",
		Examples: []Example{
			{Description: "Print a chat as Markdown", Command: "rigrun-relay history export 3f2a..."},
			{Description: "Save a chat as JSON into a directory", Command: "rigrun-relay history export -F json -o ./exports 3f2a..."},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
			a.commonFlags(fs)
			fs.StringVarP(&format, "format", "F", "md", "output format: md or json")
			fs.StringVarP(&output, "output", "o", "", "output file, or a directory for a generated name (default stdout)")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return Usage("history export requires exactly one chat id")
			}
			exporter, err := export.ForFormat(format, nil)
			if err != nil {
				return Usage("%v", err)
			}
			return a.withStore(func(ctx context.Context, store *storage.Store) error {
				conv, err := export.Load(ctx, store, args[0])
				if err != nil {
					return err
				}
				return a.writeExport(conv, exporter, output)
			})
		},
	}
}

// writeExport sends an export to stdout, a named file, or a generated file
// inside a directory.
func (a *App) writeExport(conv *export.Conversation, exporter export.Exporter, output string) error {
	if output == "" || output == "-" {
		return export.Write(a.Out, conv, exporter)
	}

	path := output
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		if path, err = export.ToFile(conv, exporter, output); err != nil {
			return err
		}
	} else {
		content, err := exporter.Export(conv)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		if err := util.AtomicWriteFile(output, content, 0644); err != nil {
			return fmt.Errorf("write file: %w", err)
		}
	}
	fmt.Fprintf(a.Out, "%s exported %s to %s\n", RenderStatus("ok"), conv.Chat.ID, path)
	return nil
}

// withStore opens the history database for the duration of fn.
func (a *App) withStore(fn func(context.Context, *storage.Store) error) error {
	cfg, _, err := a.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Disabled {
		return &ExitError{Code: ExitConfigError, Err: errors.New("chat history is disabled (storage.disabled = true)")}
	}
	path, err := cfg.HistoryPath()
	if err != nil {
		return err
	}
	store, err := storage.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(context.Background(), store)
}

func (a *App) printChats(chats []storage.Chat) {
	if len(chats) == 0 {
		fmt.Fprintln(a.Out, RenderConditional(DimStyle, "no chats"))
		return
	}
	tw := tabwriter.NewWriter(a.Out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODEL\tMESSAGES\tUPDATED")
	for _, c := range chats {
		has := "no"
		if c.HasMessages {
			has = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, orDash(c.Model), has, humanize.Time(time.UnixMilli(c.UpdatedAt)))
	}
	tw.Flush()
}

func (a *App) printMessages(msgs []storage.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(a.Out, RenderConditional(DimStyle, "no messages"))
		return
	}
	for i, m := range msgs {
		if i > 0 {
			fmt.Fprintln(a.Out)
		}
		header := fmt.Sprintf("%s  %s", strings.ToUpper(m.Role), humanize.Time(time.UnixMilli(m.CreatedAt)))
		fmt.Fprintln(a.Out, RenderConditional(TitleStyle, header))
		fmt.Fprintln(a.Out, m.Content)
	}
}
