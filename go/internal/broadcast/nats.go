package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/events"
)

// NATSConfig holds connection settings for the NATS-backed channel.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the connection defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "pointdeck.session",
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSChannel implements Channel over core NATS publish/subscribe. Core NATS
// delivers at most once to connected subscribers with no replay, which is
// exactly the transport contract the session engine is designed against.
type NATSChannel struct {
	nc     *nats.Conn
	config NATSConfig

	mu     sync.Mutex
	closed bool
}

// NewNATSChannel connects to NATS with reconnect handling.
func NewNATSChannel(config NATSConfig) (*NATSChannel, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().Str("url", config.URL).Msg("connected to NATS")
	return &NATSChannel{nc: nc, config: config}, nil
}

func (c *NATSChannel) subject(sessionID uuid.UUID) string {
	return fmt.Sprintf("%s.%s", c.config.SubjectPrefix, sessionID)
}

// Publish marshals the event and fires it at the session subject.
func (c *NATSChannel) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	if err := c.nc.Publish(c.subject(ev.SessionID), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe attaches a handler to the session subject. Malformed envelopes are
// logged and dropped; reconciliation covers whatever they carried.
func (c *NATSChannel) Subscribe(sessionID uuid.UUID, handler func(events.Event)) (Subscription, error) {
	sub, err := c.nc.Subscribe(c.subject(sessionID), func(msg *nats.Msg) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("dropping malformed broadcast event")
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to session %s: %w", sessionID, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains the connection. Idempotent.
func (c *NATSChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.nc.Close()
}

type natsSubscription struct {
	mu   sync.Mutex
	sub  *nats.Subscription
	done bool
}

func (s *natsSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	return s.sub.Unsubscribe()
}
