// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/storage"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions() *Options {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return fixedNow }
	return opts
}

func testConversation() *Conversation {
	base := fixedNow.Add(-time.Hour).UnixMilli()
	return &Conversation{
		Chat: storage.Chat{
			ID:           "c1",
			CreatedAt:    base,
			UpdatedAt:    base + 2000,
			Model:        "llama3.2",
			SystemPrompt: "be brief",
		},
		Messages: []storage.Message{
			{ID: "m1", ChatID: "c1", Role: "user", Content: "What is Go?\nexplain briefly", CreatedAt: base + 1000},
			{
				ID: "m2", ChatID: "c1", Role: "assistant", Content: "A language.", CreatedAt: base + 2000,
				MetaJSON: `{"model":"llama3.2","done_reason":"stop","eval_count":12,"total_duration":1500000000,"tokens_per_second":24.5}`,
			},
		},
	}
}

// =============================================================================
// CONVERSATION
// =============================================================================

func TestConversation_Title(t *testing.T) {
	conv := testConversation()
	assert.Equal(t, "What is Go?", conv.Title())

	conv.Messages[0].Content = strings.Repeat("x", 100)
	title := conv.Title()
	assert.Len(t, []rune(title), titleRunes)
	assert.True(t, strings.HasSuffix(title, "..."))

	conv.Messages = conv.Messages[1:]
	assert.Equal(t, "Chat c1", conv.Title())
}

func TestConversation_TotalTokens(t *testing.T) {
	conv := testConversation()
	assert.Equal(t, 12, conv.TotalTokens())

	conv.Messages[1].MetaJSON = "not json"
	assert.Equal(t, 0, conv.TotalTokens())
}

func TestLoad(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	chat, err := store.CreateChat(ctx, storage.NewChat{Model: "llama3.2"})
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, chat.ID, "user", "hi", "")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, chat.ID, "assistant", "hello", `{"eval_count":3}`)
	require.NoError(t, err)

	conv, err := Load(ctx, store, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, conv.Chat.ID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hi", conv.Messages[0].Content)
	assert.Equal(t, 3, conv.TotalTokens())

	_, err = Load(ctx, store, "missing")
	assert.ErrorIs(t, err, storage.ErrChatNotFound)
}

// =============================================================================
// EXPORTERS
// =============================================================================

func TestForFormat(t *testing.T) {
	for _, name := range []string{"md", "markdown", "MD"} {
		e, err := ForFormat(name, nil)
		require.NoError(t, err)
		assert.IsType(t, &MarkdownExporter{}, e)
	}

	e, err := ForFormat("json", nil)
	require.NoError(t, err)
	assert.IsType(t, &JSONExporter{}, e)

	_, err = ForFormat("html", nil)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestMarkdownExporter(t *testing.T) {
	out, err := NewMarkdownExporter(testOptions()).Export(testConversation())
	require.NoError(t, err)
	md := string(out)

	assert.True(t, strings.HasPrefix(md, "---\ntitle: What is Go?\nchat_id: c1\n"))
	assert.Contains(t, md, "tokens: 12\n")
	assert.Contains(t, md, "exported: 2025-03-01T12:00:00Z\n")
	assert.Contains(t, md, "# What is Go?\n")
	assert.Contains(t, md, "- **System Prompt**:\n\n> be brief\n")
	assert.Contains(t, md, "### [User] <sub>11:00:01</sub>")
	assert.Contains(t, md, "### [Assistant] <sub>11:00:02</sub>")
	assert.Contains(t, md, "<sub>Stats: Model: llama3.2 | Tokens: 12 | Duration: 1.50s | Speed: 24.5 tok/s</sub>")
	assert.Contains(t, md, "*Exported from rigrun-relay on March 1, 2025 at 12:00 PM UTC*")
}

func TestMarkdownExporter_NoMetadata(t *testing.T) {
	opts := testOptions()
	opts.IncludeMetadata = false
	opts.IncludeTimestamps = false

	out, err := NewMarkdownExporter(opts).Export(testConversation())
	require.NoError(t, err)
	md := string(out)

	assert.True(t, strings.HasPrefix(md, "# What is Go?\n"))
	assert.NotContains(t, md, "Session Information")
	assert.NotContains(t, md, "Stats:")
	assert.Contains(t, md, "### [User]\n")
}

func TestMarkdownExporter_EscapesTitle(t *testing.T) {
	conv := testConversation()
	conv.Messages[0].Content = "title: with \"quotes\" and #hash"

	out, err := NewMarkdownExporter(testOptions()).Export(conv)
	require.NoError(t, err)
	md := string(out)

	assert.Contains(t, md, `title: "title: with \"quotes\" and #hash"`)
	assert.Contains(t, md, `# title: with "quotes" and \#hash`)
}

func TestJSONExporter(t *testing.T) {
	out, err := NewJSONExporter(testOptions()).Export(testConversation())
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, Generator, doc.Generator)
	assert.True(t, doc.Exported.Equal(fixedNow))
	assert.Equal(t, "What is Go?", doc.Title)
	assert.Equal(t, "llama3.2", doc.Chat.Model)
	require.Len(t, doc.Messages, 2)
	assert.Nil(t, doc.Messages[0].Stats)
	require.NotNil(t, doc.Messages[1].Stats)
	require.NotNil(t, doc.Messages[1].Stats.EvalCount)
	assert.Equal(t, 12, *doc.Messages[1].Stats.EvalCount)
	assert.Equal(t, "stop", doc.Messages[1].Stats.DoneReason)
}

func TestExporters_RejectEmpty(t *testing.T) {
	conv := testConversation()
	conv.Messages = nil

	for _, e := range []Exporter{NewMarkdownExporter(nil), NewJSONExporter(nil)} {
		_, err := e.Export(conv)
		assert.ErrorIs(t, err, ErrEmptyConversation)

		_, err = e.Export(nil)
		assert.Error(t, err)
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testConversation(), NewJSONExporter(testOptions())))
	assert.True(t, json.Valid(buf.Bytes()))

	err := Write(&buf, &Conversation{}, NewJSONExporter(nil))
	assert.ErrorIs(t, err, ErrEmptyConversation)
}

func TestToFile(t *testing.T) {
	dir := t.TempDir()
	path, err := ToFile(testConversation(), NewMarkdownExporter(testOptions()), dir)
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "chat_What_is_Go-_"))
	assert.Equal(t, ".md", filepath.Ext(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# What is Go?")
}

// =============================================================================
// HELPERS
// =============================================================================

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"simple", "simple"},
		{"with spaces", "with_spaces"},
		{`a/b\c:d*e?f"g<h>i|j`, "a-b-c-d-e-f-g-h-i-j"},
		{"tab\there", "tab_here"},
		{"bell\x07", "bell-"},
		{"", "chat"},
		{strings.Repeat("é", 80), strings.Repeat("é", 50)},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, sanitizeFilename(tc.in), "sanitizeFilename(%q)", tc.in)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(uint64(250*time.Millisecond)))
	assert.Equal(t, "1.50s", formatDuration(uint64(1500*time.Millisecond)))
	assert.Equal(t, "2m 5s", formatDuration(uint64(125*time.Second)))
}

func TestEscapeYAML(t *testing.T) {
	assert.Equal(t, "plain", escapeYAML("plain"))
	assert.Equal(t, `"a\nb"`, escapeYAML("a\nb"))
	assert.Equal(t, `"back\\slash"`, escapeYAML(`back\slash`))
	assert.Equal(t, `" padded"`, escapeYAML(" padded"))
}
