// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// RequestTimeout is the fixed ceiling on a whole relay, from sending the
	// request to reading the last byte. Expiry surfaces as a stream error.
	RequestTimeout = 300 * time.Second

	// DefaultServerURL is used when neither the request nor the relay
	// configuration names a server.
	DefaultServerURL = ollama.DefaultBaseURL

	// ErrIncomplete is the Result error for every failure other than an
	// upstream HTTP rejection. Details travel in the error event.
	ErrIncomplete = "stream incomplete"

	fragmentSize    = 32 * 1024
	payloadLogLimit = 800
	lineLogLimit    = 400
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// Options are the caller-facing generation parameters. Each one is
// independently optional; nil means "let the server decide".
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Request describes one relay.
type Request struct {
	Model    string           `json:"model"`
	Messages []ollama.Message `json:"messages"`

	// Stream is accepted for parity with the chat API. Relayed requests
	// always stream.
	Stream bool `json:"stream"`

	Options *Options `json:"options,omitempty"`

	// ServerURL overrides the relay's default upstream for this request.
	ServerURL string `json:"server_url,omitempty"`
}

// Result is produced exactly once per relay, after the session has been
// removed from the registry.
type Result struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// =============================================================================
// RELAY
// =============================================================================

// Relay drives streaming chat requests against an Ollama-compatible server
// and republishes each decoded record to a Sink.
//
// Many relays may run concurrently on one Relay; they share only the
// Registry.
type Relay struct {
	registry *Registry
	sink     Sink
	client   *http.Client
	logger   zerolog.Logger
	metrics  *Metrics
	newID    func() string

	mu         sync.RWMutex
	defaultURL string
}

// Option configures a Relay.
type Option func(*Relay)

// WithHTTPClient replaces the HTTP client. Its Timeout should stay at
// RequestTimeout outside of tests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) { r.client = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithDefaultURL sets the upstream used when a request names none.
func WithDefaultURL(url string) Option {
	return func(r *Relay) { r.defaultURL = url }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Relay) { r.newID = fn }
}

// New creates a relay that registers its sessions in registry and publishes
// to sink. A nil sink discards events.
func New(registry *Registry, sink Sink, opts ...Option) *Relay {
	if sink == nil {
		sink = Discard
	}
	r := &Relay{
		registry:   registry,
		sink:       sink,
		client:     &http.Client{Timeout: RequestTimeout},
		logger:     zerolog.Nop(),
		newID:      uuid.NewString,
		defaultURL: DefaultServerURL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDefaultURL changes the default upstream for relays started afterwards.
func (r *Relay) SetDefaultURL(url string) {
	r.mu.Lock()
	r.defaultURL = url
	r.mu.Unlock()
}

// DefaultURL returns the current default upstream.
func (r *Relay) DefaultURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultURL
}

// Registry returns the registry the relay registers its sessions in.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// CancelAll cancels every in-flight relay and returns how many were
// signalled. It does not wait for them to stop.
func (r *Relay) CancelAll() int {
	n := r.registry.CancelAll()
	r.logger.Info().Int("count", n).Msg("cancelled active streams")
	return n
}

// Cancel cancels one in-flight relay. Returns false if id is unknown.
func (r *Relay) Cancel(id string) bool {
	ok := r.registry.Cancel(id)
	r.logger.Info().Str("session_id", id).Bool("found", ok).Msg("cancel stream")
	return ok
}

// Start runs one relay to completion and returns its result. Events go to
// the relay's sink followed by any extra sinks given here.
//
// Start never returns an error: transport failures, malformed records,
// upstream rejections and cancellation all end up in events and in the
// Result. Cancelling ctx has the same effect as cancelling the session.
func (r *Relay) Start(ctx context.Context, req Request, extra ...Sink) Result {
	id := r.newID()
	flag := r.registry.Register(id)

	sink := r.sink
	if len(extra) > 0 {
		sink = append(MultiSink{r.sink}, extra...)
	}

	s := &session{
		relay:  r,
		id:     id,
		flag:   flag,
		sink:   sink,
		parent: ctx,
		log:    r.logger.With().Str("session_id", id).Logger(),
	}

	r.metrics.sessionStarted()
	began := time.Now()

	result := s.run(req)

	s.publish(Event{Kind: EventComplete, SessionID: id, Completed: s.completed})
	r.registry.Unregister(id)

	r.metrics.sessionFinished(s.outcome(), time.Since(began))
	s.log.Info().Bool("completed", s.completed).Dur("elapsed", time.Since(began)).Msg("stream processing finished")

	result.SessionID = id
	return result
}

// =============================================================================
// SESSION
// =============================================================================

// session is the state of one running relay.
type session struct {
	relay  *Relay
	id     string
	flag   *CancelFlag
	sink   Sink
	parent context.Context
	log    zerolog.Logger

	completed bool
	cancelled bool
	failed    bool
	rejected  bool
}

func (s *session) outcome() string {
	switch {
	case s.completed:
		return OutcomeCompleted
	case s.cancelled:
		return OutcomeCancelled
	case s.rejected:
		return OutcomeHTTPError
	case s.failed:
		return OutcomeError
	default:
		return OutcomeIncomplete
	}
}

// run is everything between registration and the final complete event.
func (s *session) run(req Request) Result {
	body, err := s.payload(req)
	if err != nil {
		s.fail("Failed to encode request: " + err.Error())
		return Result{Error: ErrIncomplete}
	}

	// Setting the flag cancels ctx before Cancel returns. That wakes a
	// blocked read, and it makes the per-fragment ctx check in Records the
	// cancel check of the read loop.
	ctx, cancel := s.flag.Context(s.parent)
	defer cancel()

	endpoint := strings.TrimRight(s.serverURL(req), "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		s.fail("Failed to send request: " + err.Error())
		return Result{Error: ErrIncomplete}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	s.log.Info().Str("endpoint", endpoint).Str("model", req.Model).Msg("starting stream")

	resp, err := s.relay.client.Do(httpReq)
	if err != nil {
		if s.shouldCancel() {
			s.cancel()
		} else {
			s.fail("Failed to send request: " + err.Error())
		}
		return Result{Error: ErrIncomplete}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.rejected = true
		s.log.Warn().Int("status", resp.StatusCode).Msg("upstream rejected request")
		return Result{Error: "HTTP error: " + resp.Status}
	}

	s.publish(Event{Kind: EventStreamStart, SessionID: s.id})

	// Records ends with the undelimited remainder, so a last record sent
	// without a trailing delimiter right before the server closes the
	// connection is still handled. After a read error only that remainder
	// follows.
	for line, err := range Records(ctx, resp.Body) {
		if err != nil {
			if s.failed {
				// Cancelled after a read error: the error already ended
				// the session.
				break
			}
			if s.shouldCancel() {
				s.cancel()
				break
			}
			s.fail("Stream error: " + err.Error())
			continue
		}
		if s.handleLine(line) {
			s.completed = true
			break
		}
	}

	if !s.completed && !s.cancelled && !s.failed && s.shouldCancel() {
		s.cancel()
	}

	if s.completed {
		return Result{Success: true}
	}
	return Result{Error: ErrIncomplete}
}

// payload builds the outbound JSON body.
func (s *session) payload(req Request) ([]byte, error) {
	messages := req.Messages
	if len(messages) == 0 {
		// An empty list makes the server answer with an immediate, empty
		// done record that looks like success.
		s.log.Warn().Msg("empty messages array; injecting placeholder to avoid empty stream")
		messages = []ollama.Message{{Role: "user", Content: ""}}
	}

	chatReq := ollama.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if o := req.Options; o != nil {
		chatReq.Options = &ollama.Options{
			Temperature: o.Temperature,
			TopK:        o.TopK,
			TopP:        o.TopP,
			NumPredict:  o.MaxTokens,
		}
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("payload", util.Preview(string(body), payloadLogLimit)).Msg("outgoing chat payload")
	return body, nil
}

func (s *session) serverURL(req Request) string {
	if req.ServerURL != "" {
		return req.ServerURL
	}
	return s.relay.DefaultURL()
}

// handleLine parses and publishes one record. It returns true if the record
// ends the stream.
func (s *session) handleLine(line string) bool {
	s.log.Trace().Str("line", util.Preview(line, lineLogLimit)).Msg("ndjson line")

	chunk, err := ollama.DecodeChunk([]byte(line))
	if err != nil {
		s.relay.metrics.recordMalformed()
		s.log.Warn().Err(err).Str("line", util.Preview(line, lineLogLimit)).Msg("failed to parse chat chunk")
		return false
	}

	s.publish(Event{Kind: EventChunk, SessionID: s.id, Record: chunk})
	s.relay.metrics.recordRelayed()
	return chunk.Done
}

// shouldCancel is the per-fragment poll point.
func (s *session) shouldCancel() bool {
	return s.flag.Cancelled() || s.parent.Err() != nil
}

func (s *session) cancel() {
	s.cancelled = true
	s.log.Info().Msg("stream was cancelled")
	s.publish(Event{Kind: EventCancelled, SessionID: s.id})
}

func (s *session) fail(message string) {
	s.failed = true
	s.log.Error().Str("error", message).Msg("stream error")
	s.publish(Event{Kind: EventError, SessionID: s.id, Message: message})
}

func (s *session) publish(e Event) {
	if err := s.sink.Publish(e); err != nil {
		s.log.Error().Err(err).Str("event", string(e.Kind)).Msg("failed to publish event")
	}
}
