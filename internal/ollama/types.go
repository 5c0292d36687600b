// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
package ollama

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message represents a chat message in the conversation.
type Message struct {
	Role    string `json:"role"`    // "user", "assistant", "system", "tool"
	Content string `json:"content"` // The message content
}

// Options contains model parameters for inference, in the field names the
// Ollama API expects. Nil fields are left out of the request entirely so the
// server applies its own defaults.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"` // Max tokens to generate
}

// ChatRequest is the request body for /api/chat endpoint.
type ChatRequest struct {
	Model    string    `json:"model"`             // Model name (e.g., "qwen2.5-coder:14b")
	Messages []Message `json:"messages"`          // Conversation history
	Stream   bool      `json:"stream"`            // Always true for relayed requests
	Options  *Options  `json:"options,omitempty"` // Model parameters
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ChatChunk is one record of the newline-delimited /api/chat response
// stream. Timing and count fields are only present on the final record, so
// they stay nil until the server sends them.
type ChatChunk struct {
	Message            *Message `json:"message"`
	Done               bool     `json:"done"`
	Model              string   `json:"model,omitempty"`
	DoneReason         string   `json:"done_reason,omitempty"`
	TotalDuration      *uint64  `json:"total_duration"`       // nanoseconds
	LoadDuration       *uint64  `json:"load_duration"`        // nanoseconds
	PromptEvalCount    *int     `json:"prompt_eval_count"`    // tokens in prompt
	PromptEvalDuration *uint64  `json:"prompt_eval_duration"` // nanoseconds
	EvalCount          *int     `json:"eval_count"`           // tokens generated
	EvalDuration       *uint64  `json:"eval_duration"`        // nanoseconds
}

// ErrMissingDone is returned by DecodeChunk for objects without a "done" field.
var ErrMissingDone = errors.New("missing field `done`")

// DecodeChunk parses a single stream record. The record must be a JSON
// object carrying a boolean "done" field; anything else is an error.
func DecodeChunk(line []byte) (*ChatChunk, error) {
	var raw struct {
		ChatChunk
		Done *bool `json:"done"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	if raw.Done == nil {
		return nil, ErrMissingDone
	}
	chunk := raw.ChatChunk
	chunk.Done = *raw.Done
	return &chunk, nil
}

// Content returns the message content of the chunk, or "" if it carries none.
func (c *ChatChunk) Content() string {
	if c.Message == nil {
		return ""
	}
	return c.Message.Content
}

// TokensPerSecond calculates the generation speed from the final chunk.
func (c *ChatChunk) TokensPerSecond() float64 {
	if c.EvalCount == nil || c.EvalDuration == nil || *c.EvalDuration == 0 {
		return 0
	}
	seconds := float64(*c.EvalDuration) / 1e9
	return float64(*c.EvalCount) / seconds
}

// TotalTime returns the total generation time reported by the server.
func (c *ChatChunk) TotalTime() time.Duration {
	if c.TotalDuration == nil {
		return 0
	}
	return time.Duration(*c.TotalDuration)
}

// =============================================================================
// MODEL TYPES
// =============================================================================

// ModelInfo contains information about a model.
type ModelInfo struct {
	Name       string       `json:"name"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details,omitempty"`
}

// ModelDetails contains detailed information about a model.
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// FormatSize returns the model size in human-readable IEC units.
func (m *ModelInfo) FormatSize() string {
	return humanize.IBytes(uint64(m.Size))
}

// ListModelsResponse is the response from /api/tags endpoint.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ShowModelRequest is the request for /api/show endpoint.
type ShowModelRequest struct {
	Name string `json:"name"`
}

// ShowModelResponse is the response from /api/show endpoint.
type ShowModelResponse struct {
	License    string       `json:"license"`
	Modelfile  string       `json:"modelfile"`
	Parameters string       `json:"parameters"`
	Template   string       `json:"template"`
	Details    ModelDetails `json:"details"`
}

// HealthStatus reports whether the server answered the health probe.
type HealthStatus struct {
	Connected bool   `json:"connected"`
	URL       string `json:"url"`
	Error     string `json:"error,omitempty"`
}

// APIError is the error body Ollama returns with non-2xx responses.
type APIError struct {
	Error string `json:"error"`
}

// =============================================================================
// HELPER METHODS
// =============================================================================

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}
