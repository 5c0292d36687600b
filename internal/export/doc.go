// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders stored chats as Markdown or JSON documents.
//
// # Formats
//
//   - Markdown: YAML frontmatter, a session header and one section per
//     message, with generation stats under assistant replies
//   - JSON: the chat header and its messages, with stats decoded
//
// # Usage
//
//	conv, err := export.Load(ctx, store, chatID)
//	exporter, err := export.ForFormat("md", nil)
//	path, err := export.ToFile(conv, exporter, ".")
package export
