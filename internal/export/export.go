// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/storage"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// Generator names the program in exported documents.
const Generator = "rigrun-relay"

// MaxMessages caps how many messages Load reads for one chat.
const MaxMessages = 10000

const titleRunes = 60

var (
	// ErrUnknownFormat is returned by ForFormat for unsupported formats.
	ErrUnknownFormat = errors.New("unknown export format")

	// ErrEmptyConversation is returned when exporting a chat with no messages.
	ErrEmptyConversation = errors.New("conversation has no messages")
)

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation is a chat header together with its messages, oldest first.
type Conversation struct {
	Chat     storage.Chat
	Messages []storage.Message
}

// Load reads a chat and its messages from the store.
func Load(ctx context.Context, store *storage.Store, chatID string) (*Conversation, error) {
	chat, err := store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := store.ListMessages(ctx, chatID, MaxMessages)
	if err != nil {
		return nil, err
	}
	return &Conversation{Chat: *chat, Messages: messages}, nil
}

// Title is the first user message, shortened, or the chat id when there is
// none.
func (c *Conversation) Title() string {
	for _, m := range c.Messages {
		if m.Role != "user" {
			continue
		}
		line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(m.Content), "\n", 2)[0])
		if line != "" {
			return util.TruncateRunes(line, titleRunes)
		}
	}
	return "Chat " + c.Chat.ID
}

// TotalTokens sums the generated token counts of all assistant replies.
func (c *Conversation) TotalTokens() int {
	total := 0
	for i := range c.Messages {
		if meta, ok := c.Messages[i].Meta(); ok && meta.EvalCount != nil {
			total += *meta.EvalCount
		}
	}
	return total
}

func (c *Conversation) validate() error {
	if c == nil {
		return errors.New("conversation is nil")
	}
	if len(c.Messages) == 0 {
		return ErrEmptyConversation
	}
	return nil
}

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter renders a conversation in one format.
type Exporter interface {
	// Export converts a conversation to the target format.
	Export(conv *Conversation) ([]byte, error)

	// FileExtension returns the file extension, dot included.
	FileExtension() string

	// MimeType returns the MIME type of the output.
	MimeType() string
}

// Options configures export behavior.
type Options struct {
	// IncludeMetadata adds the frontmatter, session header and message stats.
	IncludeMetadata bool

	// IncludeTimestamps adds per-message times.
	IncludeTimestamps bool

	// Now is the clock used for the export time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		Now:               time.Now,
	}
}

func (o *Options) now() time.Time {
	if o.Now == nil {
		return time.Now().UTC()
	}
	return o.Now().UTC()
}

// Formats lists the names ForFormat accepts.
var Formats = []string{"md", "json"}

// ForFormat returns the exporter for a format name: "md", "markdown" or
// "json".
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(format) {
	case "md", "markdown":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q (want %s)", ErrUnknownFormat, format, strings.Join(Formats, " or "))
	}
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// Write exports a conversation to w.
func Write(w io.Writer, conv *Conversation, exporter Exporter) error {
	content, err := exporter.Export(conv)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// ToFile exports a conversation into dir and returns the file path. The
// name is built from the title and the current time.
func ToFile(conv *Conversation, exporter Exporter, dir string) (string, error) {
	content, err := exporter.Export(conv)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	filename := fmt.Sprintf("chat_%s_%s%s",
		sanitizeFilename(conv.Title()),
		time.Now().Format("20060102_150405"),
		exporter.FileExtension(),
	)
	if dir == "" {
		dir = "."
	}
	outputPath := filepath.Join(dir, filename)
	if err := util.AtomicWriteFile(outputPath, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return outputPath, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	const maxLen = 50
	runes := []rune(s)
	if len(runes) > maxLen {
		runes = runes[:maxLen]
	}

	result := make([]rune, 0, len(runes))
	for _, r := range runes {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			result = append(result, '-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			result = append(result, '_')
		case r < 32 || r == 127:
			result = append(result, '-')
		default:
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "chat"
	}
	return string(result)
}

// formatDuration formats nanoseconds as a short human-readable string.
func formatDuration(ns uint64) string {
	d := time.Duration(ns)
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

// formatTokensPerSec formats tokens per second for display.
func formatTokensPerSec(tps float64) string {
	if tps == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f tok/s", tps)
}

// millisTime converts a stored unix-millisecond timestamp.
func millisTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
