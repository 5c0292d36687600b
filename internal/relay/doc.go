// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay streams chat completions from an Ollama server to an event
// sink, with cooperative cancellation.
//
// # Components
//
//   - Registry: the table of in-flight sessions and their cancel flags
//   - Reassembler: cuts a fragmented byte stream into NDJSON records
//   - Relay: drives one request from send to the final complete event
//   - Sink: where events go (SSE, websocket, NATS, terminal, tests)
//
// # Session lifecycle
//
// Every call to Relay.Start registers a session, then publishes:
//
//	stream-start          after the upstream answered 2xx
//	chunk ...             one per decoded record, in arrival order
//	cancelled | error     at most one, when the stream did not finish
//	complete              always, and always last
//
// The session is unregistered after complete and before Start returns.
//
// # Cancellation
//
// Registry.CancelAll and Registry.Cancel set flags; they never wait. The
// relay polls its flag before each fragment and also aborts a read that is
// blocked, so a cancelled session stops promptly even on a silent upstream.
//
// # Usage
//
//	registry := relay.NewRegistry()
//	r := relay.New(registry, sink, relay.WithLogger(logger))
//	result := r.Start(ctx, relay.Request{
//		Model:    "llama3.2",
//		Messages: []ollama.Message{ollama.NewUserMessage("hi")},
//	})
package relay
