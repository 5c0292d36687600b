// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/offline"
	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/relay"
	"github.com/jeranaias/rigrun-relay/internal/sink"
	"github.com/jeranaias/rigrun-relay/internal/storage"
	rtest "github.com/jeranaias/rigrun-relay/internal/testutil"
)

const (
	heLine   = `{"message":{"role":"assistant","content":"he"},"done":false}`
	lloLine  = `{"message":{"role":"assistant","content":"llo"},"done":false}`
	doneLine = `{"done":true,"model":"llama3.2","eval_count":2,"eval_duration":1000000000}`

	waitDeadline = 5 * time.Second
)

var helloScript = rtest.Script{Fragments: []string{heLine + "\n", lloLine + "\n", doneLine + "\n"}}

// =============================================================================
// HELPERS
// =============================================================================

type testServer struct {
	*httptest.Server
	srv      *Server
	relay    *relay.Relay
	upstream *rtest.Upstream
}

func newTestServer(t *testing.T, script rtest.Script, modify ...func(*Options)) *testServer {
	t.Helper()
	up := rtest.NewUpstream(t, script)
	r := relay.New(relay.NewRegistry(), nil, relay.WithDefaultURL(up.URL))

	opts := Options{
		Relay:        r,
		Ollama:       ollama.NewClient(&ollama.ClientConfig{BaseURL: up.URL}),
		Logger:       zerolog.Nop(),
		DefaultModel: "llama3.2",
		MaxBodyBytes: 1 << 20,
	}
	for _, fn := range modify {
		fn(&opts)
	}

	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, srv: srv, relay: r, upstream: up}
}

type sseEvent struct {
	Name string
	Data string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	events, err := parseSSE(body)
	require.NoError(t, err)
	return events
}

func parseSSE(body io.Reader) ([]sseEvent, error) {
	var (
		events  []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.Name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	return events, scanner.Err()
}

func names(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func lastResult(t *testing.T, events []sseEvent) relay.Result {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventResult, last.Name)
	var result relay.Result
	require.NoError(t, json.Unmarshal([]byte(last.Data), &result))
	return result
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitActive(t *testing.T, r *relay.Relay, n int) []string {
	t.Helper()
	deadline := time.Now().Add(waitDeadline)
	for {
		if ids := r.Registry().Active(); len(ids) >= n {
			return ids
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d active streams", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =============================================================================
// SSE CHAT
// =============================================================================

func TestChat_StreamsEvents(t *testing.T) {
	ts := newTestServer(t, helloScript)

	resp := postJSON(t, ts.URL+"/api/chat", `{"model":"llama3.2","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	assert.Equal(t, []string{"stream-start", "chunk", "chunk", "chunk", "complete", "result"}, names(events))

	var chunk struct {
		SessionID string         `json:"session_id"`
		Message   ollama.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &chunk))
	assert.Equal(t, "he", chunk.Message.Content)

	result := lastResult(t, events)
	assert.True(t, result.Success)
	assert.Equal(t, chunk.SessionID, result.SessionID)
	assert.Zero(t, ts.relay.Registry().Len())
}

func TestChat_DefaultModel(t *testing.T) {
	ts := newTestServer(t, helloScript)

	resp := postJSON(t, ts.URL+"/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	readSSE(t, resp.Body)

	reqs := ts.upstream.Requests(t)
	require.Len(t, reqs, 1)
	assert.Equal(t, "llama3.2", reqs[0].Model)
	assert.True(t, reqs[0].Stream)
}

func TestChat_UpstreamRejects(t *testing.T) {
	ts := newTestServer(t, rtest.Script{Status: http.StatusInternalServerError})

	resp := postJSON(t, ts.URL+"/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	events := readSSE(t, resp.Body)

	assert.Equal(t, []string{"complete", "result"}, names(events))
	result := lastResult(t, events)
	assert.False(t, result.Success)
	assert.Equal(t, "HTTP error: 500 Internal Server Error", result.Error)
}

func TestChat_BadRequests(t *testing.T) {
	ts := newTestServer(t, helloScript, func(o *Options) { o.DefaultModel = "" })

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{"messages":`, http.StatusBadRequest},
		{"no model", `{"messages":[]}`, http.StatusBadRequest},
		{"history disabled", `{"model":"m","chat_id":"abc"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/chat", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Empty(t, ts.upstream.Bodies())
}

func TestChat_ServerURLPolicy(t *testing.T) {
	ts := newTestServer(t, helloScript, func(o *Options) {
		o.URLPolicy = offline.Policy{LocalOnly: true}
	})

	resp := postJSON(t, ts.URL+"/api/chat", `{"model":"m","server_url":"http://10.0.0.9:11434"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = postJSON(t, ts.URL+"/api/chat", `{"model":"m","server_url":"file:///etc/passwd"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, ts.upstream.Bodies())

	resp = postJSON(t, ts.URL+"/api/chat", fmt.Sprintf(`{"model":"m","server_url":%q,"messages":[{"role":"user","content":"hi"}]}`, ts.upstream.URL))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	result := lastResult(t, readSSE(t, resp.Body))
	assert.True(t, result.Success)
}

func TestChat_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, helloScript, func(o *Options) { o.MaxBodyBytes = 16 })

	resp := postJSON(t, ts.URL+"/api/chat", `{"messages":[{"role":"user","content":"a long prompt"}]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

// =============================================================================
// ABORT
// =============================================================================

func TestAbortAll_CancelsHeldStream(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	ts := newTestServer(t, rtest.Script{Fragments: []string{heLine + "\n"}, Hold: hold})

	done := make(chan []sseEvent, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()
		events, _ := parseSSE(resp.Body)
		done <- events
	}()

	waitActive(t, ts.relay, 1)

	resp := postJSON(t, ts.URL+"/api/chat/abort", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body["cancelled"])

	select {
	case events := <-done:
		require.NotNil(t, events)
		assert.Contains(t, names(events), "cancelled")
		result := lastResult(t, events)
		assert.False(t, result.Success)
		assert.Equal(t, relay.ErrIncomplete, result.Error)
	case <-time.After(waitDeadline):
		t.Fatal("stream did not end after abort")
	}
}

func TestAbort_BySessionID(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	ts := newTestServer(t, rtest.Script{Fragments: []string{heLine + "\n"}, Hold: hold})

	resp := postJSON(t, ts.URL+"/api/chat/unknown/abort", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{"messages":[]}`))
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	ids := waitActive(t, ts.relay, 1)

	active, err := http.Get(ts.URL + "/api/chat/active")
	require.NoError(t, err)
	defer active.Body.Close()
	var listed map[string][]string
	require.NoError(t, json.NewDecoder(active.Body).Decode(&listed))
	assert.Equal(t, ids, listed["sessions"])

	resp = postJSON(t, ts.URL+"/api/chat/"+ids[0]+"/abort", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-done:
	case <-time.After(waitDeadline):
		t.Fatal("stream did not end after abort")
	}
	assert.Zero(t, ts.relay.Registry().Len())
}

// =============================================================================
// WEBSOCKET
// =============================================================================

func dialWS(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) sink.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitDeadline)))
	var frame sink.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func readUntilResult(t *testing.T, conn *websocket.Conn) ([]string, relay.Result) {
	t.Helper()
	var events []string
	for {
		frame := readFrame(t, conn)
		events = append(events, frame.Event)
		if frame.Event == EventResult {
			var result relay.Result
			require.NoError(t, json.Unmarshal(frame.Payload, &result))
			return events, result
		}
	}
}

func TestWebSocket_Chat(t *testing.T) {
	ts := newTestServer(t, helloScript)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(Command{
		Op:      OpChat,
		Request: &ChatRequest{Request: relay.Request{Messages: []ollama.Message{ollama.NewUserMessage("hi")}}},
	}))

	events, result := readUntilResult(t, conn)
	assert.Equal(t, []string{"stream-start", "chunk", "chunk", "chunk", "complete", "result"}, events)
	assert.True(t, result.Success)
}

func TestWebSocket_AbortSession(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	ts := newTestServer(t, rtest.Script{Fragments: []string{heLine + "\n"}, Hold: hold})
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(Command{Op: OpChat, Request: &ChatRequest{}}))

	start := readFrame(t, conn)
	require.Equal(t, "stream-start", start.Event)
	var payload struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(start.Payload, &payload))

	require.NoError(t, conn.WriteJSON(Command{Op: OpAbort, SessionID: payload.SessionID}))

	events, result := readUntilResult(t, conn)
	assert.Contains(t, events, "aborted")
	assert.Contains(t, events, "cancelled")
	assert.False(t, result.Success)
	assert.Equal(t, payload.SessionID, result.SessionID)
}

func TestWebSocket_UnknownOp(t *testing.T) {
	ts := newTestServer(t, helloScript)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(Command{Op: "shout"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Event)
	assert.Contains(t, string(frame.Payload), "unknown op shout")
}

func TestWebSocket_MalformedFrameKeepsConnection(t *testing.T) {
	ts := newTestServer(t, helloScript)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Event)
	assert.Contains(t, string(frame.Payload), "invalid frame")

	require.NoError(t, conn.WriteJSON(Command{Op: OpAbort}))
	frame = readFrame(t, conn)
	assert.Equal(t, "aborted", frame.Event)
}

func TestWebSocket_Keepalive(t *testing.T) {
	ts := newTestServer(t, helloScript, func(o *Options) { o.PingInterval = 20 * time.Millisecond })
	conn := dialWS(t, ts)

	pings := make(chan struct{}, 16)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	frames := make(chan string, 16)
	go func() {
		for {
			var frame sink.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame.Event
		}
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-time.After(waitDeadline):
			t.Fatalf("ping %d not received", i+1)
		}
	}

	// Answering pongs keeps the connection usable well past the read
	// deadline of two intervals.
	require.NoError(t, conn.WriteJSON(Command{Op: OpAbort}))
	select {
	case event := <-frames:
		assert.Equal(t, "aborted", event)
	case <-time.After(waitDeadline):
		t.Fatal("no reply after keepalive")
	}
}

func TestWebSocket_DropsSilentClient(t *testing.T) {
	ts := newTestServer(t, helloScript, func(o *Options) { o.PingInterval = 20 * time.Millisecond })
	conn := dialWS(t, ts)
	conn.SetPingHandler(func(string) error { return nil })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitDeadline)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("server kept a client that never answered pings")
			}
			return
		}
	}
}

func TestWebSocket_CloseCancelsChats(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	ts := newTestServer(t, rtest.Script{Fragments: []string{heLine + "\n"}, Hold: hold})
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(Command{Op: OpChat, Request: &ChatRequest{}}))
	waitActive(t, ts.relay, 1)
	require.NoError(t, conn.Close())

	deadline := time.Now().Add(waitDeadline)
	for ts.relay.Registry().Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("chat still active after websocket closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =============================================================================
// HEALTH AND MODELS
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t, helloScript)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Connected)
	assert.Equal(t, ts.upstream.URL, body.URL)
	assert.Zero(t, body.ActiveStreams)
}

func TestHealth_UpstreamDown(t *testing.T) {
	ts := newTestServer(t, helloScript)
	ts.srv.SetUpstream("http://127.0.0.1:1")

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "http://127.0.0.1:1", ts.relay.DefaultURL())
}

func TestModels(t *testing.T) {
	ts := newTestServer(t, rtest.Script{
		Models: []ollama.ModelInfo{{Name: "llama3.2:latest", Size: 2 << 30}},
		Shows: map[string]ollama.ShowModelResponse{
			"llama3.2:latest": {Details: ollama.ModelDetails{Family: "llama"}},
		},
	})

	resp, err := http.Get(ts.URL + "/api/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list struct {
		Models []ollama.ModelInfo `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Models, 1)
	assert.Equal(t, "llama3.2:latest", list.Models[0].Name)

	show, err := http.Get(ts.URL + "/api/models/llama3.2:latest")
	require.NoError(t, err)
	defer show.Body.Close()
	require.Equal(t, http.StatusOK, show.StatusCode)
	var info ollama.ShowModelResponse
	require.NoError(t, json.NewDecoder(show.Body).Decode(&info))
	assert.Equal(t, "llama", info.Details.Family)

	missing, err := http.Get(ts.URL + "/api/models/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

// =============================================================================
// CHAT HISTORY
// =============================================================================

func TestChatHistory(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := newTestServer(t, helloScript, func(o *Options) { o.Store = store })

	resp := postJSON(t, ts.URL+"/api/chats", `{"model":"llama3.2"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var chat storage.Chat
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	require.NotEmpty(t, chat.ID)

	resp = postJSON(t, ts.URL+"/api/chat", `{"chat_id":"`+chat.ID+`","messages":[{"role":"user","content":"hi"}]}`)
	assert.True(t, lastResult(t, readSSE(t, resp.Body)).Success)

	msgs, err := http.Get(ts.URL + "/api/chats/" + chat.ID + "/messages")
	require.NoError(t, err)
	defer msgs.Body.Close()
	var list struct {
		Messages []storage.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(msgs.Body).Decode(&list))
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "user", list.Messages[0].Role)
	assert.Equal(t, "hi", list.Messages[0].Content)
	assert.Equal(t, "assistant", list.Messages[1].Role)
	assert.Equal(t, "hello", list.Messages[1].Content)
	assert.Contains(t, list.Messages[1].MetaJSON, `"eval_count":2`)

	chats, err := http.Get(ts.URL + "/api/chats")
	require.NoError(t, err)
	defer chats.Body.Close()
	var listed struct {
		Chats []storage.Chat `json:"chats"`
	}
	require.NoError(t, json.NewDecoder(chats.Body).Decode(&listed))
	require.Len(t, listed.Chats, 1)
	assert.True(t, listed.Chats[0].HasMessages)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/chats/"+chat.ID, nil)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	resp = postJSON(t, ts.URL+"/api/chat", `{"chat_id":"`+chat.ID+`","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatHistory_Disabled(t *testing.T) {
	ts := newTestServer(t, helloScript)

	resp, err := http.Get(ts.URL + "/api/chats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatExport(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	chat, err := store.CreateChat(ctx, storage.NewChat{Model: "llama3.2"})
	require.NoError(t, err)
	empty, err := store.CreateChat(ctx, storage.NewChat{})
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, chat.ID, "user", "hi there", "")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, chat.ID, "assistant", "hello", `{"eval_count":2}`)
	require.NoError(t, err)

	ts := newTestServer(t, helloScript, func(o *Options) { o.Store = store })
	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	resp, body := get("/api/chats/" + chat.ID + "/export")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/markdown; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), chat.ID+".md")
	assert.Contains(t, body, "# hi there")
	assert.Contains(t, body, "Tokens: 2")

	resp, body = get("/api/chats/" + chat.ID + "/export?format=json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var doc struct {
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Len(t, doc.Messages, 2)

	resp, _ = get("/api/chats/" + chat.ID + "/export?format=pdf")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get("/api/chats/missing/export")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get("/api/chats/" + empty.ID + "/export")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestAuth(t *testing.T) {
	ts := newTestServer(t, helloScript, func(o *Options) { o.AuthToken = "s3cret" })

	get := func(path, auth string) int {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/chat/active", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/chat/active", "Basic s3cret"))
	assert.Equal(t, http.StatusUnauthorized, get("/api/chat/active", "Bearer wrong"))
	assert.Equal(t, http.StatusOK, get("/api/chat/active", "Bearer s3cret"))
	assert.Equal(t, http.StatusOK, get("/api/health", ""), "health stays open")
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, helloScript, func(o *Options) {
		o.RateLimit = 0.001
		o.RateBurst = 2
	})

	codes := make([]int, 3)
	for i := range codes {
		resp, err := http.Get(ts.URL + "/api/chat/active")
		require.NoError(t, err)
		resp.Body.Close()
		codes[i] = resp.StatusCode
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.Equal(t, 2, rl.Len())

	assert.Zero(t, rl.Sweep(time.Hour))
	assert.Equal(t, 2, rl.Sweep(-time.Second))
	assert.Zero(t, rl.Len())
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, helloScript, func(o *Options) {
		o.AllowedOrigins = []string{"http://tauri.localhost"}
	})

	preflight := func(origin string) *http.Response {
		req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/chat", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	ok := preflight("http://tauri.localhost")
	assert.Equal(t, http.StatusNoContent, ok.StatusCode)
	assert.Equal(t, "http://tauri.localhost", ok.Header.Get("Access-Control-Allow-Origin"))

	denied := preflight("http://evil.example")
	assert.Empty(t, denied.Header.Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLoggingMiddleware_KeepsFlusher(t *testing.T) {
	var flushable bool
	h := LoggingMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, flushable)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, helloScript, func(o *Options) {
		o.Registerer = reg
		o.Gatherer = reg
	})

	resp, err := http.Get(ts.URL + "/api/chat/active")
	require.NoError(t, err)
	resp.Body.Close()

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rigrun_relay_http_requests_total{method="GET",path="GET /api/chat/active",status="200"} 1`)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"direct", "203.0.113.7:5000", nil, "203.0.113.7"},
		{"untrusted forwarder", "203.0.113.7:5000", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "203.0.113.7"},
		{"trusted forwarder", "127.0.0.1:5000", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "1.2.3.4"},
		{"trusted real ip", "10.1.2.3:5000", map[string]string{"X-Real-IP": "5.6.7.8"}, "5.6.7.8"},
		{"garbage header", "127.0.0.1:5000", map[string]string{"X-Forwarded-For": "<script>"}, "127.0.0.1"},
		{"no port", "192.0.2.1", nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}
