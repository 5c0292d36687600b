// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists chat history in SQLite.
//
// A chat is a conversation header (model, system prompt, generation
// parameters); messages hang off it in insertion order. Appending a message
// bumps the chat's updated_at so ListChats returns the most recently used
// chats first.
//
// # Usage
//
//	store, err := storage.Open(path)
//	chat, err := store.CreateChat(ctx, storage.NewChat{Model: "llama3.2"})
//	_, err = store.AppendMessage(ctx, chat.ID, "user", "hi", "")
//	chats, err := store.ListChats(ctx, 0)
//
// Ids are random UUIDs and timestamps are Unix milliseconds.
package storage
