// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sink

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/rigrun-relay/internal/relay"
)

// DefaultWriteTimeout bounds each websocket write.
const DefaultWriteTimeout = 10 * time.Second

// Frame is the envelope of every server-to-client websocket message.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocket writes relay events as JSON frames on a websocket connection.
// gorilla connections allow one concurrent writer, so writes are serialised.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

// NewWebSocket wraps conn. The caller keeps ownership of reading from and
// closing the connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn, writeTimeout: DefaultWriteTimeout}
}

// Publish sends e as a frame named after its kind.
func (s *WebSocket) Publish(e relay.Event) error {
	return s.Send(string(e.Kind), e)
}

// Send sends an arbitrary named frame.
func (s *WebSocket) Send(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	data, err := json.Marshal(Frame{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a websocket ping control frame.
func (s *WebSocket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}
