// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates, saves and watches the relay
// configuration.
//
// # Configuration Precedence
//
//   - Environment variables (RIGRUN_RELAY_*)
//   - ~/.rigrun-relay/config.toml
//   - ~/.rigrun-relay/config.json
//   - Built-in defaults
//
// # Example
//
//	[upstream]
//	url = "http://localhost:11434"
//	default_model = "llama3.2"
//
//	[server]
//	listen = "127.0.0.1:8787"
//	rate_limit = 10.0
//	rate_burst = 20
//
//	[nats]
//	url = "nats://127.0.0.1:4222"
//	subject_prefix = "rigrun.chat"
//
//	[log]
//	level = "debug"
//
// A running server applies changes to [upstream] without a restart; see
// Watch.
package config
