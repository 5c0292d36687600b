// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// abort.go - Cancels streams on a running relay server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/jeranaias/rigrun-relay/internal/config"
)

const remoteTimeout = 10 * time.Second

type abortFlags struct {
	server string
	token  string
	list   bool
}

func (a *App) abortCommand() *Command {
	var f abortFlags

	return &Command{
		Name:    "abort",
		Summary: "Cancel active streams on a running server",
		Usage:   "rigrun-relay abort [flags] [SESSION_ID]",
		Examples: []Example{
			{Description: "Cancel every active stream", Command: "rigrun-relay abort"},
			{Description: "Cancel one stream", Command: "rigrun-relay abort 3f2a9c1e-5b7d-4e0a-9c61-2d8f4b7a1e90"},
			{Description: "List active streams", Command: "rigrun-relay abort --list"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("abort", pflag.ContinueOnError)
			a.commonFlags(fs)
			fs.StringVar(&f.server, "server", "", "relay server URL (default from server.listen)")
			fs.StringVar(&f.token, "token", "", "bearer token (default server.auth_token)")
			fs.BoolVar(&f.list, "list", false, "list active sessions instead of cancelling")
			return fs
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return Usage("abort takes at most one session id")
			}
			cfg, _, err := a.loadConfig()
			if err != nil {
				return err
			}
			rc := newRemote(cfg, f.server, f.token)

			ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
			defer cancel()

			if f.list {
				return a.listActive(ctx, rc)
			}
			path := "/api/chat/abort"
			if len(args) == 1 {
				path = "/api/chat/" + url.PathEscape(args[0]) + "/abort"
			}
			var resp struct {
				Cancelled int `json:"cancelled"`
			}
			if err := rc.do(ctx, http.MethodPost, path, &resp); err != nil {
				return err
			}
			fmt.Fprintf(a.Out, "%s cancelled %d stream(s)\n", RenderConditional(SuccessStyle, "[OK]"), resp.Cancelled)
			return nil
		},
	}
}

func (a *App) listActive(ctx context.Context, rc *remote) error {
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	if err := rc.do(ctx, http.MethodGet, "/api/chat/active", &resp); err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		fmt.Fprintln(a.Out, RenderConditional(DimStyle, "no active streams"))
		return nil
	}
	for _, id := range resp.Sessions {
		fmt.Fprintln(a.Out, id)
	}
	return nil
}

// =============================================================================
// REMOTE CLIENT
// =============================================================================

// remote talks to a running relay server's JSON API.
type remote struct {
	base   string
	token  string
	client *http.Client
}

func newRemote(cfg *config.Config, server, token string) *remote {
	if server == "" {
		server = listenURL(cfg.Server.Listen)
	}
	if token == "" {
		token = cfg.Server.AuthToken
	}
	return &remote{
		base:   strings.TrimRight(server, "/"),
		token:  token,
		client: &http.Client{Timeout: remoteTimeout},
	}
}

// listenURL turns a listen address into a URL a local client can dial.
func listenURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (rc *remote) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rc.base+path, nil)
	if err != nil {
		return err
	}
	if rc.token != "" {
		req.Header.Set("Authorization", "Bearer "+rc.token)
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		return &ExitError{Code: ExitNetworkError, Err: fmt.Errorf("relay server at %s: %w", rc.base, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		msg := resp.Status
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		code := ExitGeneralError
		switch resp.StatusCode {
		case http.StatusNotFound:
			code = ExitNotFound
		case http.StatusUnauthorized:
			code = ExitConfigError
		}
		return &ExitError{Code: code, Err: fmt.Errorf("relay server: %s", msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
