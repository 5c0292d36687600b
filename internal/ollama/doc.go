// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama holds the Ollama wire types and a client for the
// request/response endpoints.
//
// Streaming chat is not done here: the relay package owns /api/chat and
// only borrows ChatRequest, ChatChunk and DecodeChunk from this package.
//
// # Key Types
//
//   - Client: health probe, model listing and inspection
//   - ChatRequest, Message, Options: the /api/chat request body
//   - ChatChunk: one NDJSON record of the /api/chat response
//   - ClientError: categorised client failure, matched with errors.Is
//
// # Usage
//
//	client := ollama.NewClient(&ollama.ClientConfig{BaseURL: url})
//	if status := client.Health(ctx); !status.Connected {
//	    fmt.Println("ollama unreachable:", status.Error)
//	}
//	models, err := client.ListModels(ctx)
package ollama
