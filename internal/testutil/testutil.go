// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package testutil provides a recording event sink and a scripted Ollama
// upstream for relay tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/relay"
)

// =============================================================================
// RECORDER
// =============================================================================

// Recorder is a relay.Sink that keeps every event in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []relay.Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records e.
func (r *Recorder) Publish(e relay.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []relay.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]relay.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kind of every recorded event.
func (r *Recorder) Kinds() []relay.EventKind {
	events := r.Events()
	kinds := make([]relay.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// KindsFor returns the kinds recorded for one session.
func (r *Recorder) KindsFor(sessionID string) []relay.EventKind {
	var kinds []relay.EventKind
	for _, e := range r.Events() {
		if e.SessionID == sessionID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// Chunks returns the records of every chunk event.
func (r *Recorder) Chunks() []*ollama.ChatChunk {
	var chunks []*ollama.ChatChunk
	for _, e := range r.Events() {
		if e.Kind == relay.EventChunk {
			chunks = append(chunks, e.Record)
		}
	}
	return chunks
}

// WaitFor blocks until n events of kind have been recorded, failing the test
// after timeout.
func (r *Recorder) WaitFor(t testing.TB, kind relay.EventKind, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		count := 0
		for _, k := range r.Kinds() {
			if k == kind {
				count++
			}
		}
		if count >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q events, have %v", n, kind, r.Kinds())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =============================================================================
// SCRIPTED UPSTREAM
// =============================================================================

// Script describes how the fake upstream answers /api/chat.
type Script struct {
	// Status is the response status. Zero means 200.
	Status int

	// Fragments are written and flushed one at a time.
	Fragments []string

	// Delay is slept between fragments.
	Delay time.Duration

	// Drop closes the connection after the fragments without ending the
	// chunked body, so the client sees a read error mid-stream.
	Drop bool

	// Hold, when set, keeps the response open after the fragments until it
	// is closed or the client goes away.
	Hold <-chan struct{}

	// Models answers /api/tags.
	Models []ollama.ModelInfo

	// Shows answers /api/show by model name. Unknown names get a 404.
	Shows map[string]ollama.ShowModelResponse
}

// Upstream is an httptest server speaking enough of the Ollama API for the
// relay and the collaborator client.
type Upstream struct {
	*httptest.Server

	script Script
	stop   chan struct{}

	mu     sync.Mutex
	bodies [][]byte
}

// NewUpstream starts a scripted upstream that is shut down with the test.
func NewUpstream(t testing.TB, script Script) *Upstream {
	t.Helper()
	u := &Upstream{script: script, stop: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", u.handleChat)
	mux.HandleFunc("GET /api/tags", u.handleTags)
	mux.HandleFunc("POST /api/show", u.handleShow)
	u.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		close(u.stop)
		u.Server.Close()
	})
	return u
}

// Bodies returns the raw request bodies received on /api/chat.
func (u *Upstream) Bodies() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]byte, len(u.bodies))
	copy(out, u.bodies)
	return out
}

// Requests returns the decoded /api/chat requests.
func (u *Upstream) Requests(t testing.TB) []ollama.ChatRequest {
	t.Helper()
	var reqs []ollama.ChatRequest
	for _, body := range u.Bodies() {
		var req ollama.ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("upstream received invalid JSON %q: %v", body, err)
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func (u *Upstream) handleChat(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.bodies = append(u.bodies, body)
	u.mu.Unlock()

	if u.script.Status != 0 && u.script.Status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(u.script.Status)
		json.NewEncoder(w).Encode(ollama.APIError{Error: http.StatusText(u.script.Status)})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for i, fragment := range u.script.Fragments {
		if i > 0 && u.script.Delay > 0 {
			time.Sleep(u.script.Delay)
		}
		if _, err := io.WriteString(w, fragment); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if u.script.Drop {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}

	if u.script.Hold != nil {
		select {
		case <-u.script.Hold:
		case <-r.Context().Done():
		case <-u.stop:
		}
	}
}

func (u *Upstream) handleTags(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ollama.ListModelsResponse{Models: u.script.Models})
}

func (u *Upstream) handleShow(w http.ResponseWriter, r *http.Request) {
	var req ollama.ShowModelRequest
	json.NewDecoder(r.Body).Decode(&req)

	w.Header().Set("Content-Type", "application/json")
	show, ok := u.script.Shows[req.Name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ollama.APIError{Error: "model '" + req.Name + "' not found"})
		return
	}
	json.NewEncoder(w).Encode(show)
}

// Split returns s cut into pieces of at most n bytes, for fragmentation
// tests.
func Split(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
