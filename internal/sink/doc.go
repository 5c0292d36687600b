// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sink provides relay.Sink implementations for each surface that
// consumes relay events.
//
//   - SSE: one HTTP response, one "event:"/"data:" block per event
//   - WebSocket: JSON frames {"event", "payload"} on a gorilla connection
//   - NATS: one message per event on <prefix>.<kind>
//   - Terminal: streamed text for the CLI, with optional markdown rendering
//
// Every sink serialises its own writes, so one sink value may be shared by
// concurrent sessions.
package sink
