// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline restricts which upstream servers the relay may contact.
//
// Chat requests may carry their own server_url. Left unchecked, any client
// of the HTTP surface could point the relay at an arbitrary host. A Policy
// always limits upstreams to http and https; in local-only mode it also
// limits them to loopback hosts, and it can refuse request overrides
// outright.
//
// # Usage
//
//	policy := offline.Policy{LocalOnly: cfg.Upstream.LocalOnly}
//	if err := policy.CheckOverride(req.ServerURL); err != nil {
//		return err // rejected before any connection is made
//	}
package offline
