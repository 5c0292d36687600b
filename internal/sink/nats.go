// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/relay"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "rigrun.chat"

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each relay event as a JSON message on <prefix>.<kind>,
// for example rigrun.chat.chunk.
type NATS struct {
	pub    Publisher
	prefix string
}

// NewNATS creates a NATS sink. An empty prefix uses DefaultSubjectPrefix.
func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{pub: pub, prefix: prefix}
}

// Subject returns the subject events of kind are published on.
func (s *NATS) Subject(kind relay.EventKind) string {
	return s.prefix + "." + string(kind)
}

// Publish sends e.
func (s *NATS) Publish(e relay.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	if err := s.pub.Publish(s.Subject(e.Kind), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.Subject(e.Kind), err)
	}
	return nil
}

// ConnectNATS dials url with reconnect handling that logs connection state
// changes. The caller owns the returned connection.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("rigrun-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug().Msg("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return conn, nil
}
