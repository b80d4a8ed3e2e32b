// Package events provides a NATS client for publishing gateway
// lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Common errors.
var (
	ErrNotConnected = errors.New("not connected to NATS")
)

// Config holds NATS client configuration.
type Config struct {
	URL             string        `mapstructure:"url"`
	Name            string        `mapstructure:"name"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	EnableJetStream bool          `mapstructure:"enable_jetstream"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "switchyard-gateway",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		DrainTimeout:  30 * time.Second,
	}
}

// Client wraps a NATS connection for event publishing.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config Config

	mu       sync.Mutex
	handlers map[string]*nats.Subscription
}

// Event is the wire format for gateway events.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType, source string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// New creates and connects a NATS client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DrainTimeout(cfg.DrainTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	client := &Client{
		conn:     conn,
		config:   cfg,
		handlers: make(map[string]*nats.Subscription),
	}

	if cfg.EnableJetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating JetStream context: %w", err)
		}
		client.js = js
	}

	return client, nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Publish publishes raw bytes to a subject.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.conn.Publish(subject, data)
}

// PublishJSON publishes a JSON-encoded message to a subject.
func (c *Client) PublishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return c.Publish(ctx, subject, data)
}

// Handler handles incoming messages.
type Handler func(ctx context.Context, msg *nats.Msg) error

// Subscribe subscribes to a subject.
func (c *Client) Subscribe(subject string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		_ = handler(context.Background(), msg)
	})
	if err != nil {
		return err
	}

	c.handlers[subject] = sub
	return nil
}

// JetStreamPublish publishes a message to a JetStream stream.
func (c *Client) JetStreamPublish(ctx context.Context, subject string, v any) (*jetstream.PubAck, error) {
	if c.js == nil {
		return nil, errors.New("JetStream not enabled")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return c.js.Publish(ctx, subject, data)
}

// Subject prefixes for gateway events.
const (
	SubjectPrefixGateway = "switchyard.gateway."
	SubjectPrefixConfig  = "switchyard.config."
)

// Event types.
const (
	EventConfigReloadStarted   = "config.reload.started"
	EventConfigReloadCompleted = "config.reload.completed"
	EventConfigReloadFailed    = "config.reload.failed"
	EventCircuitOpened         = "circuit.opened"
	EventCircuitClosed         = "circuit.closed"
)

// PublishGatewayEvent publishes a gateway lifecycle event.
func (c *Client) PublishGatewayEvent(ctx context.Context, eventType string, data map[string]any) error {
	event := NewEvent(eventType, "gateway", data)
	return c.PublishJSON(ctx, SubjectPrefixGateway+eventType, event)
}
