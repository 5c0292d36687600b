// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/relay"
	"github.com/jeranaias/rigrun-relay/internal/sink"
	"github.com/jeranaias/rigrun-relay/internal/storage"
)

// EventResult names the final frame of a chat stream, carrying the
// relay.Result.
const EventResult = "result"

// ChatRequest is the body of POST /api/chat and of websocket chat ops.
type ChatRequest struct {
	relay.Request

	// ChatID, when set, stores the last user message before relaying and
	// the assistant reply after a completed stream.
	ChatID string `json:"chat_id,omitempty"`
}

// =============================================================================
// SSE CHAT
// =============================================================================

// handleChat relays one chat over server-sent events. Every relay event is
// sent as an SSE event of the same name, followed by a final "result".
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	req.Model = s.model(req.Model)
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if err := s.policy.CheckOverride(req.ServerURL); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	rec, status, err := s.prepareTranscript(r.Context(), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	events, err := sink.NewSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sinks := []relay.Sink{events}
	if rec != nil {
		sinks = append(sinks, rec)
	}
	result := s.relay.Start(r.Context(), req.Request, sinks...)
	s.finishTranscript(r.Context(), req, rec, result)

	if err := events.Send(EventResult, result); err != nil {
		s.logger.Debug().Err(err).Str("session_id", result.SessionID).Msg("client gone before result")
	}
}

// handleAbortAll cancels every in-flight relay.
func (s *Server) handleAbortAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": s.relay.CancelAll()})
}

// handleAbort cancels one relay by session id.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.relay.Cancel(id) {
		writeError(w, http.StatusNotFound, "no active stream "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": 1})
}

// handleActive lists in-flight session ids.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": s.relay.Registry().Active()})
}

// =============================================================================
// WEBSOCKET CHAT
// =============================================================================

// Client ops accepted on /api/ws.
const (
	OpChat  = "chat"
	OpAbort = "abort"
)

// Command is one client-to-server websocket message.
type Command struct {
	Op string `json:"op"`

	// Request is required for OpChat.
	Request *ChatRequest `json:"request,omitempty"`

	// SessionID narrows OpAbort to one session. Empty cancels every
	// in-flight relay.
	SessionID string `json:"session_id,omitempty"`
}

// handleWebSocket runs chats over one websocket connection. Several chats
// may run at once; their frames carry their session ids. Closing the
// connection cancels the chats it started.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.sockets.Add(1)
	defer s.sockets.Done()

	ws := sink.NewWebSocket(conn)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var chats sync.WaitGroup
	defer chats.Wait()

	log := s.logger.With().Str("client_ip", GetClientIP(r)).Logger()
	log.Info().Msg("websocket connected")

	if s.pingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			return s.extendReadDeadline(conn)
		})
		_ = s.extendReadDeadline(conn)

		chats.Add(1)
		go func() {
			defer chats.Done()
			s.keepAlive(ctx, ws, log)
		}()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			cancel()
			return
		}
		if s.pingInterval > 0 {
			_ = s.extendReadDeadline(conn)
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendWS(ws, "error", map[string]string{"message": "invalid frame: " + err.Error()})
			continue
		}

		switch cmd.Op {
		case OpChat:
			if cmd.Request == nil {
				s.sendWS(ws, "error", map[string]string{"message": "chat op requires a request"})
				continue
			}
			req := *cmd.Request
			req.Model = s.model(req.Model)
			if req.Model == "" {
				s.sendWS(ws, "error", map[string]string{"message": "model is required"})
				continue
			}
			if err := s.policy.CheckOverride(req.ServerURL); err != nil {
				s.sendWS(ws, "error", map[string]string{"message": err.Error()})
				continue
			}
			rec, _, err := s.prepareTranscript(ctx, req)
			if err != nil {
				s.sendWS(ws, "error", map[string]string{"message": err.Error()})
				continue
			}

			chats.Add(1)
			go func() {
				defer chats.Done()
				sinks := []relay.Sink{ws}
				if rec != nil {
					sinks = append(sinks, rec)
				}
				result := s.relay.Start(ctx, req.Request, sinks...)
				s.finishTranscript(ctx, req, rec, result)
				s.sendWS(ws, EventResult, result)
			}()

		case OpAbort:
			n := 0
			if cmd.SessionID == "" {
				n = s.relay.CancelAll()
			} else if s.relay.Cancel(cmd.SessionID) {
				n = 1
			}
			s.sendWS(ws, "aborted", map[string]int{"cancelled": n})

		default:
			s.sendWS(ws, "error", map[string]string{"message": "unknown op " + cmd.Op})
		}
	}
}

// keepAlive pings the client until ctx ends or a ping cannot be written.
func (s *Server) keepAlive(ctx context.Context, ws *sink.WebSocket, log zerolog.Logger) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.Ping(); err != nil {
				log.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}

func (s *Server) extendReadDeadline(conn *websocket.Conn) error {
	return conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
}

func (s *Server) sendWS(ws *sink.WebSocket, event string, v any) {
	if err := ws.Send(event, v); err != nil {
		s.logger.Debug().Err(err).Str("event", event).Msg("websocket send failed")
	}
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// transcript accumulates the assistant reply of one relay.
type transcript struct {
	mu      sync.Mutex
	content strings.Builder
	final   *ollama.ChatChunk
}

func (t *transcript) Publish(e relay.Event) error {
	if e.Kind != relay.EventChunk || e.Record == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.content.WriteString(e.Record.Content())
	if e.Record.Done {
		t.final = e.Record
	}
	return nil
}

// meta renders the generation stats of the final record as JSON.
func (t *transcript) meta() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final == nil {
		return ""
	}
	data, err := json.Marshal(storage.MessageMeta{
		Model:           t.final.Model,
		DoneReason:      t.final.DoneReason,
		EvalCount:       t.final.EvalCount,
		PromptEvalCount: t.final.PromptEvalCount,
		TotalDuration:   t.final.TotalDuration,
		TokensPerSecond: t.final.TokensPerSecond(),
	})
	if err != nil {
		return ""
	}
	return string(data)
}

func (t *transcript) text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content.String()
}

// prepareTranscript stores the trailing user message of a request bound to
// a chat and returns the sink that will collect the reply. It returns a nil
// sink when the request is not bound to a chat.
func (s *Server) prepareTranscript(ctx context.Context, req ChatRequest) (*transcript, int, error) {
	if req.ChatID == "" {
		return nil, 0, nil
	}
	if s.store == nil {
		return nil, http.StatusBadRequest, errors.New("chat history is disabled")
	}

	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == "user" {
		last := req.Messages[n-1]
		if _, err := s.store.AppendMessage(ctx, req.ChatID, last.Role, last.Content, ""); err != nil {
			if errors.Is(err, storage.ErrChatNotFound) {
				return nil, http.StatusNotFound, err
			}
			return nil, http.StatusInternalServerError, err
		}
	}
	return &transcript{}, 0, nil
}

// finishTranscript stores the reply of a completed relay.
func (s *Server) finishTranscript(ctx context.Context, req ChatRequest, t *transcript, result relay.Result) {
	if t == nil || !result.Success {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.AppendMessage(ctx, req.ChatID, "assistant", t.text(), t.meta()); err != nil {
		s.logger.Error().Err(err).Str("chat_id", req.ChatID).Msg("failed to store assistant reply")
	}
}
