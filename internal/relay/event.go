// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"encoding/json"
	"errors"

	"github.com/jeranaias/rigrun-relay/internal/ollama"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventKind names a notification published by a relay.
type EventKind string

const (
	EventStreamStart EventKind = "stream-start"
	EventChunk       EventKind = "chunk"
	EventCancelled   EventKind = "cancelled"
	EventError       EventKind = "error"
	EventComplete    EventKind = "complete"
)

// Event is one notification about a relay session. Within a session, events
// are published in decode order and EventComplete is always the last one.
type Event struct {
	Kind      EventKind
	SessionID string

	// Record is set for EventChunk.
	Record *ollama.ChatChunk

	// Message is set for EventError.
	Message string

	// Completed is meaningful for EventComplete.
	Completed bool
}

type chunkPayload struct {
	SessionID string `json:"session_id"`
	ollama.ChatChunk
}

// MarshalJSON renders the flat payload the UI consumes for each kind:
//
//	stream-start  {session_id}
//	chunk         {session_id, message, done, <timing and count fields>}
//	cancelled     {session_id}
//	error         {session_id, message}
//	complete      {session_id, completed}
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventChunk:
		payload := chunkPayload{SessionID: e.SessionID}
		if e.Record != nil {
			payload.ChatChunk = *e.Record
		}
		return json.Marshal(payload)
	case EventError:
		return json.Marshal(struct {
			SessionID string `json:"session_id"`
			Message   string `json:"message"`
		}{e.SessionID, e.Message})
	case EventComplete:
		return json.Marshal(struct {
			SessionID string `json:"session_id"`
			Completed bool   `json:"completed"`
		}{e.SessionID, e.Completed})
	default:
		return json.Marshal(struct {
			SessionID string `json:"session_id"`
		}{e.SessionID})
	}
}

// =============================================================================
// SINKS
// =============================================================================

// Sink receives the events of every relay session. Implementations must be
// safe for concurrent use; a returned error is logged by the relay and never
// stops the stream.
type Sink interface {
	Publish(Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

// Publish calls f(e).
func (f SinkFunc) Publish(e Event) error {
	return f(e)
}

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })

// MultiSink publishes to each sink in order. Every sink sees every event
// even if an earlier one fails; the failures are joined.
type MultiSink []Sink

// Publish fans the event out.
func (m MultiSink) Publish(e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
