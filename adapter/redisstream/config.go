package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams connection.
type Config struct {
	// Name identifies the connection in logs and health (default: "redis-streams").
	Name string

	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Stream carries every message between peers.
	Stream string
	// Group is this node's consumer group. Each node needs its own group to see every
	// message; it defaults to Consumer.
	Group     string
	Consumer  string
	BatchSize int
	Block     time.Duration
	// AutoCreate creates the stream and group when missing.
	AutoCreate bool

	// DeadLetter receives entries that cannot be decoded (optional).
	DeadLetter   string
	MaxLenApprox int64

	// OutboxSize bounds messages waiting for the writer; a full outbox marks the
	// connection broken.
	OutboxSize int
	// InboxSize bounds decoded messages waiting for the bus.
	InboxSize int
	// MaxFailures is how many consecutive Redis failures mark the connection broken.
	MaxFailures int
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xmbus"
	}

	return Config{
		Name:        ConnectionName,
		Addr:        "127.0.0.1:6379",
		Stream:      "xmbus",
		Consumer:    fmt.Sprintf("xmbus-%s-%d", hostname, os.Getpid()),
		BatchSize:   128,
		Block:       time.Second,
		AutoCreate:  true,
		OutboxSize:  4096,
		InboxSize:   16384,
		MaxFailures: 5,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Stream == "" {
		return fmt.Errorf("config: stream required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.OutboxSize < 1 {
		return fmt.Errorf("config: outbox_size must be >= 1, got %d", c.OutboxSize)
	}
	if c.MaxFailures < 1 {
		return fmt.Errorf("config: max_failures must be >= 1, got %d", c.MaxFailures)
	}
	if c.DeadLetter != "" && c.DeadLetter == c.Stream {
		return fmt.Errorf("config: dead_letter must differ from stream")
	}
	return nil
}

func (c Config) group() string {
	if c.Group != "" {
		return c.Group
	}
	return c.Consumer
}

// toMap converts Config to the generic map for the connection factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"name":            c.Name,
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"stream":          c.Stream,
		"group":           c.Group,
		"consumer":        c.Consumer,
		"batch_size":      c.BatchSize,
		"block":           c.Block,
		"auto_create":     c.AutoCreate,
		"dead_letter":     c.DeadLetter,
		"max_len_approx":  c.MaxLenApprox,
		"outbox_size":     c.OutboxSize,
		"inbox_size":      c.InboxSize,
		"max_failures":    c.MaxFailures,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults. Durations may be
// given as time.Duration or strings such as "5s"; numbers as any integer or float64
// (TOML and JSON decode to int64 and float64).
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	str := func(k string, dst *string, allowEmpty bool) {
		if v, ok := m[k].(string); ok && (allowEmpty || v != "") {
			*dst = v
		}
	}
	num := func(k string) (int64, bool) {
		switch v := m[k].(type) {
		case int:
			return int64(v), true
		case int32:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			return int64(v), true
		}
		return 0, false
	}
	dur := func(k string) (time.Duration, bool) {
		switch v := m[k].(type) {
		case time.Duration:
			return v, true
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d, true
			}
		}
		return 0, false
	}

	str("name", &c.Name, false)
	str("addr", &c.Addr, false)
	str("username", &c.Username, true)
	str("password", &c.Password, true)
	str("tls_server_name", &c.TLSServerName, true)
	str("stream", &c.Stream, false)
	str("group", &c.Group, true)
	str("consumer", &c.Consumer, false)
	str("dead_letter", &c.DeadLetter, true)

	if v, ok := num("db"); ok {
		c.DB = int(v)
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := num("batch_size"); ok && v > 0 {
		c.BatchSize = int(v)
	}
	if v, ok := dur("block"); ok && v > 0 {
		c.Block = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := num("max_len_approx"); ok && v > 0 {
		c.MaxLenApprox = v
	}
	if v, ok := num("outbox_size"); ok && v > 0 {
		c.OutboxSize = int(v)
	}
	if v, ok := num("inbox_size"); ok && v > 0 {
		c.InboxSize = int(v)
	}
	if v, ok := num("max_failures"); ok && v > 0 {
		c.MaxFailures = int(v)
	}

	return c
}
