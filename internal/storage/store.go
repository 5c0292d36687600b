// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Default list limits.
const (
	DefaultChatLimit    = 100
	DefaultMessageLimit = 500
)

// ErrChatNotFound is returned for operations on an unknown chat id.
var ErrChatNotFound = errors.New("chat not found")

// =============================================================================
// TYPES
// =============================================================================

// Chat is a conversation header.
type Chat struct {
	ID           string `json:"id"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	ParamsJSON   string `json:"params_json,omitempty"`

	// HasMessages is filled in by ListChats.
	HasMessages bool `json:"has_messages"`
}

// NewChat holds the optional fields of a chat being created.
type NewChat struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	ParamsJSON   string `json:"params_json,omitempty"`
}

// Message is one stored chat message.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	MetaJSON  string `json:"meta_json,omitempty"`
}

// MessageMeta is the generation stats stored with an assistant reply.
type MessageMeta struct {
	Model           string  `json:"model,omitempty"`
	DoneReason      string  `json:"done_reason,omitempty"`
	EvalCount       *int    `json:"eval_count,omitempty"`
	PromptEvalCount *int    `json:"prompt_eval_count,omitempty"`
	TotalDuration   *uint64 `json:"total_duration,omitempty"` // nanoseconds
	TokensPerSecond float64 `json:"tokens_per_second,omitempty"`
}

// Meta decodes MetaJSON. ok is false when the message has none or it does
// not parse.
func (m *Message) Meta() (meta MessageMeta, ok bool) {
	if m.MetaJSON == "" {
		return meta, false
	}
	if err := json.Unmarshal([]byte(m.MetaJSON), &meta); err != nil {
		return MessageMeta{}, false
	}
	return meta, true
}

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed history. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) millis() int64 {
	return s.now().UnixMilli()
}

// CreateChat inserts a new chat.
func (s *Store) CreateChat(ctx context.Context, c NewChat) (*Chat, error) {
	now := s.millis()
	chat := &Chat{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		ParamsJSON:   c.ParamsJSON,
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO chats (id, created_at, updated_at, model, system_prompt, params_json) VALUES (?, ?, ?, ?, ?, ?)",
		chat.ID, chat.CreatedAt, chat.UpdatedAt, nullable(c.Model), nullable(c.SystemPrompt), nullable(c.ParamsJSON))
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// AppendMessage adds a message to a chat and bumps the chat's updated_at.
func (s *Store) AppendMessage(ctx context.Context, chatID, role, content, metaJSON string) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: s.millis(),
		MetaJSON:  metaJSON,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", msg.CreatedAt, chatID)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrChatNotFound
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (id, chat_id, role, content, created_at, meta_json) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt, nullable(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// SetChatModel changes the model recorded on a chat.
func (s *Store) SetChatModel(ctx context.Context, chatID, model string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET model = ? WHERE id = ?", nullable(model), chatID)
	if err != nil {
		return fmt.Errorf("set chat model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// GetChat returns one chat header. HasMessages is not filled in.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var (
		c                     Chat
		model, prompt, params sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at, updated_at, model, system_prompt, params_json FROM chats WHERE id = ?",
		chatID).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &model, &prompt, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	c.Model, c.SystemPrompt, c.ParamsJSON = model.String, prompt.String, params.String
	return &c, nil
}

// ListChats returns up to limit chats, most recently updated first, with
// HasMessages set. A limit of zero or less means DefaultChatLimit.
func (s *Store) ListChats(ctx context.Context, limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = DefaultChatLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.updated_at, c.model, c.system_prompt, c.params_json,
		       EXISTS(SELECT 1 FROM messages m WHERE m.chat_id = c.id) AS has_messages
		FROM chats c
		ORDER BY c.updated_at DESC, c.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		var (
			c                     Chat
			model, prompt, params sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &model, &prompt, &params, &c.HasMessages); err != nil {
			return nil, fmt.Errorf("list chats: %w", err)
		}
		c.Model, c.SystemPrompt, c.ParamsJSON = model.String, prompt.String, params.String
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// ListMessages returns up to limit messages of a chat, oldest first. A
// limit of zero or less means DefaultMessageLimit. An unknown chat has no
// messages.
func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, created_at, meta_json
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m    Message
			meta sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt, &meta); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		m.MetaJSON = meta.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
