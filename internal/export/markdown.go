// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/storage"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports conversations to Markdown.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a conversation to Markdown.
func (e *MarkdownExporter) Export(conv *Conversation) ([]byte, error) {
	if err := conv.validate(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	title := conv.Title()
	created := millisTime(conv.Chat.CreatedAt)
	updated := millisTime(conv.Chat.UpdatedAt)
	tokens := conv.TotalTokens()
	now := e.options.now()

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(title))
		fmt.Fprintf(&sb, "chat_id: %s\n", conv.Chat.ID)
		if conv.Chat.Model != "" {
			fmt.Fprintf(&sb, "model: %s\n", escapeYAML(conv.Chat.Model))
		}
		fmt.Fprintf(&sb, "date: %s\n", created.Format(time.RFC3339))
		fmt.Fprintf(&sb, "updated: %s\n", updated.Format(time.RFC3339))
		fmt.Fprintf(&sb, "messages: %d\n", len(conv.Messages))
		if tokens > 0 {
			fmt.Fprintf(&sb, "tokens: %d\n", tokens)
		}
		fmt.Fprintf(&sb, "exported: %s\n", now.Format(time.RFC3339))
		fmt.Fprintf(&sb, "generator: %s\n", Generator)
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(title))

	if e.options.IncludeMetadata {
		sb.WriteString("## Session Information\n\n")
		if conv.Chat.Model != "" {
			fmt.Fprintf(&sb, "- **Model**: %s\n", conv.Chat.Model)
		}
		fmt.Fprintf(&sb, "- **Created**: %s\n", formatTimestamp(created))
		fmt.Fprintf(&sb, "- **Last Updated**: %s\n", formatTimestamp(updated))
		fmt.Fprintf(&sb, "- **Messages**: %d\n", len(conv.Messages))
		if tokens > 0 {
			fmt.Fprintf(&sb, "- **Tokens Generated**: %d\n", tokens)
		}
		if conv.Chat.SystemPrompt != "" {
			fmt.Fprintf(&sb, "- **System Prompt**:\n\n%s\n", quote(conv.Chat.SystemPrompt))
		}
		sb.WriteString("\n---\n\n")
	}

	sb.WriteString("## Conversation\n\n")

	for i := range conv.Messages {
		msg := &conv.Messages[i]
		label := formatRoleLabel(msg.Role)
		if e.options.IncludeTimestamps {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", label, formatShortTimestamp(millisTime(msg.CreatedAt)))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", label)
		}

		sb.WriteString(strings.TrimSpace(msg.Content))
		sb.WriteString("\n\n")

		if msg.Role == "assistant" && e.options.IncludeMetadata {
			if stats := formatMessageStats(msg); stats != "" {
				sb.WriteString(stats)
				sb.WriteString("\n\n")
			}
		}

		if i < len(conv.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	sb.WriteString("\n---\n\n")
	fmt.Fprintf(&sb, "*Exported from %s on %s*\n", Generator, now.Format("January 2, 2006 at 3:04 PM MST"))

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown; charset=utf-8"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// formatRoleLabel returns a label for the message role.
func formatRoleLabel(role string) string {
	switch role {
	case "":
		return "Unknown"
	case "user":
		return "[User]"
	case "assistant":
		return "[Assistant]"
	case "system":
		return "[System]"
	case "tool":
		return "[Tool]"
	default:
		runes := []rune(role)
		return strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
}

// formatMessageStats renders the generation stats of an assistant reply.
func formatMessageStats(msg *storage.Message) string {
	meta, ok := msg.Meta()
	if !ok {
		return ""
	}

	var parts []string
	if meta.Model != "" {
		parts = append(parts, "Model: "+meta.Model)
	}
	if meta.EvalCount != nil {
		parts = append(parts, fmt.Sprintf("Tokens: %d", *meta.EvalCount))
	}
	if meta.TotalDuration != nil && *meta.TotalDuration > 0 {
		parts = append(parts, "Duration: "+formatDuration(*meta.TotalDuration))
	}
	if meta.TokensPerSecond > 0 {
		parts = append(parts, "Speed: "+formatTokensPerSec(meta.TokensPerSecond))
	}
	if meta.DoneReason != "" && meta.DoneReason != "stop" {
		parts = append(parts, "Stopped: "+meta.DoneReason)
	}

	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("<sub>Stats: %s</sub>", strings.Join(parts, " | "))
}

// quote renders s as a Markdown blockquote.
func quote(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05 MST")
}

func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes characters that would break formatting in headings.
func escapeMarkdown(s string) string {
	return strings.NewReplacer(
		"#", "\\#",
		"*", "\\*",
		"_", "\\_",
		"[", "\\[",
		"]", "\\]",
	).Replace(s)
}

// escapeYAML quotes a frontmatter value when it holds special characters.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
