// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the relay packages.
//
//   - AtomicWriteFile: crash-safe file replacement, used for config saves
//   - Preview: byte-bounded, UTF-8 safe truncation for log fields
//   - TruncateRunes: character-bounded truncation for terminal output
package util
