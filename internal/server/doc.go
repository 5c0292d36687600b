// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the chat relay over HTTP.
//
// # Endpoints
//
//   - POST   /api/chat                 - relay one chat as server-sent events
//   - POST   /api/chat/abort           - cancel every in-flight relay
//   - POST   /api/chat/{id}/abort      - cancel one relay
//   - GET    /api/chat/active          - list in-flight session ids
//   - GET    /api/ws                   - websocket chat and abort
//   - GET    /api/health               - upstream reachability
//   - GET    /api/models               - list upstream models
//   - GET    /api/models/{name}        - show one model
//   - GET    /api/chats                - list stored chats
//   - POST   /api/chats                - create a chat
//   - DELETE /api/chats/{id}           - delete a chat and its messages
//   - PUT    /api/chats/{id}/model     - change a chat's model
//   - GET    /api/chats/{id}/messages  - list a chat's messages
//   - POST   /api/chats/{id}/messages  - append a message
//   - GET    /metrics                  - prometheus metrics
//
// Each relay event becomes an SSE event (or websocket frame) named after its
// kind, carrying the event's JSON payload. A final "result" event carries
// the relay.Result.
//
// # Middleware
//
// Every request passes recovery, metrics, logging and CORS. The /api routes
// other than health additionally pass bearer authentication, a per-client
// token bucket and a body size limit.
package server
