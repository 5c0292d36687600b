// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidURL is returned for upstream URLs that do not parse or have
	// no host.
	ErrInvalidURL = errors.New("invalid upstream URL")

	// ErrInvalidURLScheme is returned when the scheme is not http or https.
	// file://, data:// and friends never reach the HTTP client.
	ErrInvalidURLScheme = errors.New("upstream URL scheme must be http or https")

	// ErrNonLocalhost is returned for a non-loopback upstream in local-only
	// mode.
	ErrNonLocalhost = errors.New("only loopback upstreams are allowed in local-only mode")

	// ErrOverrideDisabled is returned when a request names its own upstream
	// but per-request overrides are turned off.
	ErrOverrideDisabled = errors.New("per-request server_url is disabled")
)

// =============================================================================
// POLICY
// =============================================================================

// Policy decides which upstream servers a relay may contact. The zero value
// allows any http or https server.
type Policy struct {
	// LocalOnly restricts upstreams to loopback hosts.
	LocalOnly bool

	// DenyOverride rejects every request-supplied server URL. The
	// configured upstream is still subject to LocalOnly.
	DenyOverride bool
}

// CheckURL validates a configured upstream URL.
func (p Policy) CheckURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ErrInvalidURL
	}

	// Scheme is checked whatever the mode.
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrInvalidURLScheme
	}

	if p.LocalOnly && !IsLocalhost(parsed.Hostname()) {
		return ErrNonLocalhost
	}
	return nil
}

// CheckOverride validates a server URL supplied by a client request. An
// empty URL means "use the configured upstream" and is always allowed.
func (p Policy) CheckOverride(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	if p.DenyOverride {
		return ErrOverrideDisabled
	}
	return p.CheckURL(rawURL)
}

// =============================================================================
// HOST CHECKS
// =============================================================================

// IsLocalhost reports whether host refers to the local machine: the name
// "localhost" or any loopback address, with or without a port or IPv6
// brackets.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))

	if host == "localhost" {
		return true
	}

	// Covers all of 127.0.0.0/8 and every spelling of ::1.
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
