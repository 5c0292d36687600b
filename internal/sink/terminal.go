// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sink

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/relay"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// TerminalOptions configures a Terminal sink.
type TerminalOptions struct {
	// Render buffers the assistant text and prints it as rendered markdown
	// once the stream completes, instead of printing tokens as they arrive.
	Render bool

	// Width is the markdown word-wrap width. Zero means 80.
	Width int

	// Color enables styled status lines and the auto-detected markdown style.
	Color bool

	// Stats prints token counts and speed after a completed stream.
	Stats bool
}

// Terminal prints relay events for a human reading a terminal.
type Terminal struct {
	out  io.Writer
	opts TerminalOptions

	mu       sync.Mutex
	renderer *glamour.TermRenderer
	text     strings.Builder
	final    *ollama.ChatChunk
}

// NewTerminal creates a terminal sink writing to out. If the markdown
// renderer cannot be built, rendering falls back to plain text.
func NewTerminal(out io.Writer, opts TerminalOptions) *Terminal {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	t := &Terminal{out: out, opts: opts}

	if opts.Render {
		style := glamour.WithStandardStyle("notty")
		if opts.Color {
			style = glamour.WithAutoStyle()
		}
		renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(opts.Width))
		if err == nil {
			t.renderer = renderer
		}
	}
	return t
}

// Publish handles one event.
func (t *Terminal) Publish(e relay.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Kind {
	case relay.EventStreamStart:
		t.text.Reset()
		t.final = nil

	case relay.EventChunk:
		if e.Record == nil {
			return nil
		}
		if e.Record.Done {
			t.final = e.Record
		}
		content := e.Record.Content()
		if content == "" {
			return nil
		}
		t.text.WriteString(content)
		if t.renderer == nil {
			_, err := io.WriteString(t.out, content)
			return err
		}

	case relay.EventCancelled:
		return t.flush(t.style(warningStyle, "[cancelled]"))

	case relay.EventError:
		return t.flush(t.style(errorStyle, "error: "+e.Message))

	case relay.EventComplete:
		if !e.Completed {
			return nil
		}
		return t.flush(t.stats())
	}
	return nil
}

// Text returns everything the assistant has said in the current stream.
func (t *Terminal) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// flush ends the streamed output: the buffered markdown when rendering, a
// newline otherwise, then the optional status line.
func (t *Terminal) flush(status string) error {
	if t.renderer != nil {
		rendered, err := t.renderer.Render(t.text.String())
		if err != nil {
			rendered = t.text.String() + "\n"
		}
		if _, err := io.WriteString(t.out, rendered); err != nil {
			return err
		}
	} else if t.text.Len() > 0 {
		if _, err := io.WriteString(t.out, "\n"); err != nil {
			return err
		}
	}

	if status != "" {
		_, err := fmt.Fprintln(t.out, status)
		return err
	}
	return nil
}

func (t *Terminal) stats() string {
	if !t.opts.Stats || t.final == nil || t.final.EvalCount == nil {
		return ""
	}
	line := fmt.Sprintf("%s tokens", humanize.Comma(int64(*t.final.EvalCount)))
	if tps := t.final.TokensPerSecond(); tps > 0 {
		line += fmt.Sprintf(" · %.1f tok/s", tps)
	}
	if total := t.final.TotalTime(); total > 0 {
		line += " · " + total.Round(time.Millisecond).String()
	}
	return t.style(dimStyle, line)
}

func (t *Terminal) style(s lipgloss.Style, text string) string {
	if !t.opts.Color {
		return text
	}
	return s.Render(text)
}
