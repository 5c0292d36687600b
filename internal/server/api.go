// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jeranaias/rigrun-relay/internal/export"
	"github.com/jeranaias/rigrun-relay/internal/ollama"
	"github.com/jeranaias/rigrun-relay/internal/storage"
)

// =============================================================================
// HEALTH AND MODELS
// =============================================================================

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	ollama.HealthStatus
	ActiveStreams int `json:"active_streams"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.client().Health(r.Context())
	code := http.StatusOK
	if !status.Connected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{HealthStatus: status, ActiveStreams: s.relay.Registry().Len()})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.client().ListModels(r.Context())
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	if models == nil {
		models = []ollama.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleShowModel(w http.ResponseWriter, r *http.Request) {
	info, err := s.client().ShowModel(r.Context(), r.PathValue("name"))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case ollama.IsModelNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case ollama.IsNotRunning(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case ollama.IsTimeout(err):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// =============================================================================
// CHAT HISTORY
// =============================================================================

// historyEnabled answers 404 when no store is configured.
func (s *Server) historyEnabled(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "chat history is disabled")
		return false
	}
	return true
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	chats, err := s.store.ListChats(r.Context(), limit)
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	var body storage.NewChat
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeDecodeError(w, err)
			return
		}
	}
	chat, err := s.store.CreateChat(r.Context(), body)
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	if err := s.store.DeleteChat(r.Context(), r.PathValue("id")); err != nil {
		s.storageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetChatModel(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	var body struct {
		Model string `json:"model"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.store.SetChatModel(r.Context(), r.PathValue("id"), body.Model); err != nil {
		s.storageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	messages, err := s.store.ListMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	var body struct {
		Role     string `json:"role"`
		Content  string `json:"content"`
		MetaJSON string `json:"meta_json,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, err)
		return
	}
	if body.Role == "" {
		writeError(w, http.StatusBadRequest, "role is required")
		return
	}
	msg, err := s.store.AppendMessage(r.Context(), r.PathValue("id"), body.Role, body.Content, body.MetaJSON)
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleExportChat renders a chat as a downloadable document. The format
// query parameter selects md (default) or json.
func (s *Server) handleExportChat(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "md"
	}
	exporter, err := export.ForFormat(format, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := export.Load(r.Context(), s.store, r.PathValue("id"))
	if err != nil {
		s.storageError(w, err)
		return
	}
	content, err := exporter.Export(conv)
	if errors.Is(err, export.ErrEmptyConversation) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("chat_id", conv.Chat.ID).Msg("export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", exporter.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="chat_%s%s"`, conv.Chat.ID, exporter.FileExtension()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) storageError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrChatNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error().Err(err).Msg("storage error")
	writeError(w, http.StatusInternalServerError, "storage error")
}
