package websocket

import (
	"errors"
	"net/http"
	"time"
)

// Config holds WebSocket connection configuration.
type Config struct {
	// Name identifies the connection in logs and health (default: "websocket").
	Name string
	// URL is dialed by client connections ("ws://" or "wss://").
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration

	// WriteTimeout for write operations.
	WriteTimeout time.Duration
	// ReadTimeout for read operations (0 = no timeout). Pongs extend it.
	ReadTimeout time.Duration
	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64
	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// OutboxSize bounds frames queued per peer.
	OutboxSize int
	InboxSize  int

	// CheckOrigin is used by Server upgrades; nil applies the same-origin check.
	CheckOrigin func(r *http.Request) bool
}

// Defaults returns configuration with sensible defaults.
func Defaults() Config {
	return Config{
		Name:             ConnectionName,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1024 * 1024,
		PingInterval:     30 * time.Second,
		OutboxSize:       1024,
		InboxSize:        16384,
	}
}

func (c Config) withDefaults() Config {
	d := Defaults()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}

// ConfigFromMap overlays factory options on Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["name"].(string); ok && v != "" {
		c.Name = v
	}
	if v, ok := m["url"].(string); ok {
		c.URL = v
	}
	for k, dst := range map[string]*time.Duration{
		"handshake_timeout": &c.HandshakeTimeout, "write_timeout": &c.WriteTimeout,
		"read_timeout": &c.ReadTimeout, "ping_interval": &c.PingInterval,
	} {
		switch v := m[k].(type) {
		case time.Duration:
			*dst = v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	for k, dst := range map[string]*int{"outbox_size": &c.OutboxSize, "inbox_size": &c.InboxSize} {
		switch v := m[k].(type) {
		case int:
			*dst = v
		case int64:
			*dst = int(v)
		case float64:
			*dst = int(v)
		}
	}
	switch v := m["max_message_size"].(type) {
	case int:
		c.MaxMessageSize = int64(v)
	case int64:
		c.MaxMessageSize = v
	case float64:
		c.MaxMessageSize = int64(v)
	}
	return c
}

func (c Config) validateClient() error {
	if c.URL == "" {
		return errors.New("websocket config: url required")
	}
	return nil
}
