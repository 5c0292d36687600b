// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-relay/internal/logging"
	"github.com/jeranaias/rigrun-relay/internal/offline"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete relay configuration.
type Config struct {
	Upstream UpstreamConfig `toml:"upstream" json:"upstream"`
	Server   ServerConfig   `toml:"server" json:"server"`
	NATS     NATSConfig     `toml:"nats" json:"nats"`
	Storage  StorageConfig  `toml:"storage" json:"storage"`
	Log      LogConfig      `toml:"log" json:"log"`
}

// UpstreamConfig points at the Ollama server.
type UpstreamConfig struct {
	// URL is the default server for relays that do not name one.
	URL string `toml:"url" json:"url"`

	// DefaultModel is used by the CLI and the HTTP surface when a request
	// leaves the model empty.
	DefaultModel string `toml:"default_model" json:"default_model"`

	// LocalOnly restricts the upstream, and any per-request server_url, to
	// loopback hosts.
	LocalOnly bool `toml:"local_only" json:"local_only"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen string `toml:"listen" json:"listen"`

	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes"`

	// AuthToken, when set, is required as a bearer token on every /api
	// route.
	AuthToken string `toml:"auth_token,omitempty" json:"auth_token,omitempty"`

	// AllowedOrigins lists browser origins allowed by CORS and by the
	// websocket upgrade. Empty means same-origin only.
	AllowedOrigins []string `toml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`

	// DenyServerURL rejects chat requests that name their own upstream.
	DenyServerURL bool `toml:"deny_server_url" json:"deny_server_url"`
}

// NATSConfig enables the NATS event sink when URL is set.
type NATSConfig struct {
	URL           string `toml:"url" json:"url"`
	SubjectPrefix string `toml:"subject_prefix" json:"subject_prefix"`
}

// StorageConfig configures the chat history database.
type StorageConfig struct {
	// Path is the sqlite file. Empty means history.db in the config dir.
	Path string `toml:"path" json:"path"`

	// Disabled turns off the history endpoints.
	Disabled bool `toml:"disabled" json:"disabled"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			URL:          "http://localhost:11434",
			DefaultModel: "llama3.2",
		},
		Server: ServerConfig{
			Listen:       "127.0.0.1:8787",
			RateLimit:    10,
			RateBurst:    20,
			MaxBodyBytes: 10 << 20,
		},
		NATS: NATSConfig{
			SubjectPrefix: "rigrun.chat",
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatAuto,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the configuration directory, ~/.rigrun-relay.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-relay"), nil
}

// PathTOML returns the default TOML config path.
func PathTOML() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// PathJSON returns the default JSON config path.
func PathJSON() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Resolve returns the config file that Load would read: the TOML file if it
// exists, else the JSON file if it exists, else the TOML path.
func Resolve() (string, error) {
	tomlPath, err := PathTOML()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath, nil
	}
	jsonPath, err := PathJSON()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, nil
	}
	return tomlPath, nil
}

// HistoryPath returns the sqlite path to use.
func (c *Config) HistoryPath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the default config file if there is one, then applies
// environment overrides and validates. A missing file is not an error.
func Load() (*Config, error) {
	path, err := Resolve()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath reads path (JSON if it ends in .json, TOML otherwise) over
// the defaults, then applies environment overrides and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg. Keys absent from the file keep
// their current values.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file into cfg. Keys absent from the file keep
// their current values.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path, as JSON if it ends in .json and TOML otherwise.
// The file is replaced atomically with 0600 permissions.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = EncodeTOML(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// EncodeTOML renders cfg as a commented TOML document.
func EncodeTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# rigrun-relay configuration\n")
	buf.WriteString("# Changes to [upstream] are picked up by a running server.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies RIGRUN_RELAY_* variables:
//
//   - RIGRUN_RELAY_URL: upstream.url
//   - RIGRUN_RELAY_MODEL: upstream.default_model
//   - RIGRUN_RELAY_LOCAL_ONLY: upstream.local_only
//   - RIGRUN_RELAY_LISTEN: server.listen
//   - RIGRUN_RELAY_RATE_LIMIT: server.rate_limit
//   - RIGRUN_RELAY_NATS_URL: nats.url
//   - RIGRUN_RELAY_TOKEN: server.auth_token
//   - RIGRUN_RELAY_DB: storage.path
//   - RIGRUN_RELAY_LOG_LEVEL: log.level
//   - RIGRUN_RELAY_LOG_FORMAT: log.format
//
// Unparseable numbers and booleans are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGRUN_RELAY_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("RIGRUN_RELAY_MODEL"); v != "" {
		c.Upstream.DefaultModel = v
	}
	if v := os.Getenv("RIGRUN_RELAY_LOCAL_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Upstream.LocalOnly = b
		}
	}
	if v := os.Getenv("RIGRUN_RELAY_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("RIGRUN_RELAY_RATE_LIMIT"); v != "" {
		if limit, err := strconv.ParseFloat(v, 64); err == nil {
			c.Server.RateLimit = limit
		}
	}
	if v := os.Getenv("RIGRUN_RELAY_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("RIGRUN_RELAY_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("RIGRUN_RELAY_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("RIGRUN_RELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RIGRUN_RELAY_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// URLPolicy returns the upstream policy the configuration describes.
func (c *Config) URLPolicy() offline.Policy {
	return offline.Policy{
		LocalOnly:    c.Upstream.LocalOnly,
		DenyOverride: c.Server.DenyServerURL,
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is every invalid field found by Validate.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and returns ValidateErrors listing all
// problems, or nil.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if err := validateURL(c.Upstream.URL, "http", "https"); err != nil {
		add("upstream.url", "%v", err)
	} else if err := c.URLPolicy().CheckURL(c.Upstream.URL); err != nil {
		add("upstream.url", "%v", err)
	}

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		add("server.listen", "must be host:port: %v", err)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		add("server.rate_burst", "must be at least 1 when rate_limit is set")
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes", "must be positive")
	}
	for i, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if err := validateURL(origin, "http", "https"); err != nil {
			add(fmt.Sprintf("server.allowed_origins[%d]", i), "%v", err)
		}
	}

	if c.NATS.URL != "" {
		if err := validateURL(c.NATS.URL, "nats", "tls", "ws", "wss"); err != nil {
			add("nats.url", "%v", err)
		}
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
			add("nats.subject_prefix", "must be a non-empty subject without wildcards")
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatAuto, logging.FormatConsole, logging.FormatJSON:
	default:
		add("log.format", "must be auto, console or json")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}
