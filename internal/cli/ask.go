// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - Single query command.
//
// Streams one chat through the relay and prints it. Ctrl-C cancels the
// stream; the partial answer stays on screen.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/relay"
	"github.com/jeranaias/rigrun-relay/internal/sink"
)

// MaxFileSize is the largest file --file will attach, and the largest
// prompt read from stdin.
const MaxFileSize = 50 * 1024

type askFlags struct {
	model       string
	system      string
	file        string
	temperature float64
	topK        int
	topP        float64
	maxTokens   int
	render      bool
	noStats     bool
	json        bool
}

func (a *App) askCommand() *Command {
	var f askFlags
	var fs *pflag.FlagSet

	return &Command{
		Name:    "ask",
		Summary: "Ask a single question and stream the answer",
		Usage:   "rigrun-relay ask [flags] <question>",
		Examples: []Example{
			{Description: "Ask with the default model", Command: `rigrun-relay ask "What is a goroutine?"`},
			{Description: "Attach a file and render markdown", Command: `rigrun-relay ask --render -f main.go "Review this code"`},
			{Description: "Read the prompt from stdin", Command: `git diff | rigrun-relay ask -m qwen2.5-coder -`},
		},
		Flags: func() *pflag.FlagSet {
			fs = pflag.NewFlagSet("ask", pflag.ContinueOnError)
			a.commonFlags(fs)
			fs.StringVarP(&f.model, "model", "m", "", "model name (default upstream.default_model)")
			fs.StringVarP(&f.system, "system", "s", "", "system prompt")
			fs.StringVarP(&f.file, "file", "f", "", "attach a file to the question")
			fs.Float64Var(&f.temperature, "temperature", 0, "sampling temperature")
			fs.IntVar(&f.topK, "top-k", 0, "top-k sampling")
			fs.Float64Var(&f.topP, "top-p", 0, "top-p sampling")
			fs.IntVar(&f.maxTokens, "max-tokens", 0, "maximum tokens to generate")
			fs.BoolVar(&f.render, "render", false, "render the answer as markdown when it completes")
			fs.BoolVar(&f.noStats, "no-stats", false, "do not print token statistics")
			fs.BoolVar(&f.json, "json", false, "print every relay event as a JSON line")
			return fs
		},
		Run: func(args []string) error {
			return a.runAsk(args, f, fs)
		},
	}
}

func (a *App) runAsk(args []string, f askFlags, fs *pflag.FlagSet) error {
	if a.logLevel == "" {
		a.logLevel = "warn"
	}
	cfg, _, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, err := a.logger(cfg)
	if err != nil {
		return err
	}

	prompt, err := a.readPrompt(args, f.file)
	if err != nil {
		return err
	}

	req := relay.Request{
		Model:   f.model,
		Stream:  true,
		Options: askOptions(f, fs),
	}
	if req.Model == "" {
		req.Model = cfg.Upstream.DefaultModel
	}
	if f.system != "" {
		req.Messages = append(req.Messages, ollama.NewSystemMessage(f.system))
	}
	req.Messages = append(req.Messages, ollama.NewUserMessage(prompt))

	var out relay.Sink
	if f.json {
		out = jsonLines(a.Out)
	} else {
		out = sink.NewTerminal(a.Out, sink.TerminalOptions{
			Render: f.render,
			Width:  TerminalWidth(a.Out),
			Color:  ColorsEnabled(),
			Stats:  !f.noStats,
		})
	}

	r := relay.New(relay.NewRegistry(), out,
		relay.WithLogger(logger),
		relay.WithDefaultURL(cfg.Upstream.URL),
	)

	var interrupted atomic.Bool
	stop := onInterrupt(func() {
		interrupted.Store(true)
		r.CancelAll()
	})
	defer stop()

	result := r.Start(context.Background(), req)
	switch {
	case result.Success:
		return nil
	case interrupted.Load():
		return ErrInterrupted
	case result.Error == relay.ErrIncomplete:
		return &ExitError{Code: ExitNetworkError, Err: errors.New(result.Error)}
	default:
		return errors.New(result.Error)
	}
}

// askOptions maps the sampling flags that were actually given.
func askOptions(f askFlags, fs *pflag.FlagSet) *relay.Options {
	var (
		opts relay.Options
		set  bool
	)
	if fs.Changed("temperature") {
		opts.Temperature, set = &f.temperature, true
	}
	if fs.Changed("top-k") {
		opts.TopK, set = &f.topK, true
	}
	if fs.Changed("top-p") {
		opts.TopP, set = &f.topP, true
	}
	if fs.Changed("max-tokens") {
		opts.MaxTokens, set = &f.maxTokens, true
	}
	if !set {
		return nil
	}
	return &opts
}

// readPrompt joins the positional args, or reads stdin for "-" or when no
// args are given and stdin is not a terminal. A --file is appended as a
// fenced block.
func (a *App) readPrompt(args []string, file string) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "-" || (prompt == "" && !IsTerminal(a.In)) {
		data, err := io.ReadAll(io.LimitReader(a.In, MaxFileSize+1))
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		if len(data) > MaxFileSize {
			return "", Usage("stdin prompt exceeds %d bytes", MaxFileSize)
		}
		prompt = strings.TrimSpace(string(data))
	}

	if file != "" {
		info, err := os.Stat(file)
		if err != nil {
			return "", fmt.Errorf("attach file: %w", err)
		}
		if info.Size() > MaxFileSize {
			return "", Usage("file %s exceeds %d bytes", file, MaxFileSize)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("attach file: %w", err)
		}
		prompt = fmt.Sprintf("%s\n\n%s:\n```\n%s\n```", prompt, filepath.Base(file), strings.TrimRight(string(data), "\n"))
	}

	if strings.TrimSpace(prompt) == "" {
		return "", Usage("a question is required\n\nRun 'rigrun-relay ask --help' for usage.")
	}
	return prompt, nil
}

// jsonLines writes each event as one JSON object per line.
func jsonLines(w io.Writer) relay.Sink {
	enc := json.NewEncoder(w)
	return relay.SinkFunc(func(e relay.Event) error {
		return enc.Encode(struct {
			Event   relay.EventKind `json:"event"`
			Payload relay.Event     `json:"payload"`
		}{e.Kind, e})
	})
}

// onInterrupt calls fn on every SIGINT or SIGTERM until the returned stop
// function is called.
func onInterrupt(fn func()) (stop func()) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case <-sigs:
				fn()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
