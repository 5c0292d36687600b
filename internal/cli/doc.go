// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-relay command line.
//
// Commands form a tree of Command values parsed with pflag. Unknown
// commands get a did-you-mean suggestion and errors map to exit codes
// through GetExitCode.
//
// # Commands
//
//   - serve: HTTP relay server (SSE, websocket, abort, models, history, metrics)
//   - ask: stream a single question to the terminal; Ctrl-C cancels
//   - abort: cancel streams on a running server
//   - health: check the Ollama server and the default model
//   - models: list or show installed models
//   - history: list, show, export or delete stored chats
//   - config: show, init, path or validate the configuration
//   - version: print build information
//
// # Usage
//
//	os.Exit(cli.Main(os.Args[1:]))
package cli
