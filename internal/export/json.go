// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/storage"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// Document is the JSON export layout.
type Document struct {
	Generator string            `json:"generator"`
	Exported  time.Time         `json:"exported"`
	Title     string            `json:"title"`
	Chat      storage.Chat      `json:"chat"`
	Messages  []DocumentMessage `json:"messages"`
}

// DocumentMessage is one message of a Document, with its stats decoded.
type DocumentMessage struct {
	ID        string               `json:"id"`
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	CreatedAt time.Time            `json:"created_at"`
	Stats     *storage.MessageMeta `json:"stats,omitempty"`
}

// JSONExporter exports conversations to JSON. Options other than Now are
// ignored; the document always carries the full chat.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// Export converts a conversation to indented JSON.
func (e *JSONExporter) Export(conv *Conversation) ([]byte, error) {
	if err := conv.validate(); err != nil {
		return nil, err
	}

	doc := Document{
		Generator: Generator,
		Exported:  e.options.now(),
		Title:     conv.Title(),
		Chat:      conv.Chat,
		Messages:  make([]DocumentMessage, 0, len(conv.Messages)),
	}
	for i := range conv.Messages {
		m := &conv.Messages[i]
		dm := DocumentMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: millisTime(m.CreatedAt),
		}
		if meta, ok := m.Meta(); ok {
			dm.Stats = &meta
		}
		doc.Messages = append(doc.Messages, dm)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
