package kafka

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds Kafka connection configuration.
type Config struct {
	// Name identifies the connection in logs and health (default: "kafka").
	Name    string
	Brokers []string
	Topic   string
	// GroupID is this node's consumer group. Every node needs its own group so each
	// one sees every message on the topic (default: "xmbus-<host>-<pid>").
	GroupID string
	// StartOffset is "last" or "first"; it applies when the group has no commit yet.
	StartOffset string

	// RequiredAcks is -1 (all), 0 (none) or 1 (leader).
	RequiredAcks           int
	BatchSize              int
	BatchTimeout           time.Duration
	WriteTimeout           time.Duration
	AllowAutoTopicCreation bool
	MaxWait                time.Duration

	OutboxSize int
	InboxSize  int
	// MaxFailures consecutive write or fetch failures break the connection.
	MaxFailures int
}

// Defaults returns configuration with sensible defaults.
func Defaults() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return Config{
		Name:                   ConnectionName,
		Brokers:                []string{"localhost:9092"},
		Topic:                  "xmbus",
		GroupID:                fmt.Sprintf("xmbus-%s-%d", host, os.Getpid()),
		StartOffset:            "last",
		RequiredAcks:           1,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
		MaxWait:                500 * time.Millisecond,
		OutboxSize:             4096,
		InboxSize:              16384,
		MaxFailures:            5,
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("group_id required"))
	}
	if c.StartOffset != "last" && c.StartOffset != "first" {
		errs = append(errs, fmt.Errorf("start_offset must be \"last\" or \"first\", got %q", c.StartOffset))
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		errs = append(errs, fmt.Errorf("required_acks must be -1, 0 or 1, got %d", c.RequiredAcks))
	}
	if c.BatchSize <= 0 || c.OutboxSize <= 0 || c.InboxSize <= 0 {
		errs = append(errs, errors.New("batch_size, outbox_size and inbox_size must be positive"))
	}
	if c.MaxFailures <= 0 {
		errs = append(errs, errors.New("max_failures must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("kafka config: %w", errors.Join(errs...))
	}
	return nil
}

// ConfigFromMap overlays factory options on Defaults. Brokers may be a list or a
// comma separated string.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	for k, dst := range map[string]*string{
		"name": &c.Name, "topic": &c.Topic, "group_id": &c.GroupID, "start_offset": &c.StartOffset,
	} {
		if v, ok := m[k].(string); ok && v != "" {
			*dst = v
		}
	}
	switch v := m["brokers"].(type) {
	case string:
		if v != "" {
			c.Brokers = splitBrokers(v)
		}
	case []string:
		if len(v) > 0 {
			c.Brokers = v
		}
	case []any:
		var out []string
		for _, b := range v {
			if s, ok := b.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			c.Brokers = out
		}
	}
	for k, dst := range map[string]*int{
		"required_acks": &c.RequiredAcks, "batch_size": &c.BatchSize, "outbox_size": &c.OutboxSize,
		"inbox_size": &c.InboxSize, "max_failures": &c.MaxFailures,
	} {
		if n, ok := toInt(m[k]); ok && (n != 0 || k == "required_acks") {
			*dst = n
		}
	}
	for k, dst := range map[string]*time.Duration{
		"batch_timeout": &c.BatchTimeout, "write_timeout": &c.WriteTimeout, "max_wait": &c.MaxWait,
	} {
		if d, ok := toDuration(m[k]); ok && d > 0 {
			*dst = d
		}
	}
	if v, ok := m["allow_auto_topic_creation"].(bool); ok {
		c.AllowAutoTopicCreation = v
	}
	return c
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"name":                      c.Name,
		"brokers":                   c.Brokers,
		"topic":                     c.Topic,
		"group_id":                  c.GroupID,
		"start_offset":              c.StartOffset,
		"required_acks":             c.RequiredAcks,
		"batch_size":                c.BatchSize,
		"batch_timeout":             c.BatchTimeout,
		"write_timeout":             c.WriteTimeout,
		"allow_auto_topic_creation": c.AllowAutoTopicCreation,
		"max_wait":                  c.MaxWait,
		"outbox_size":               c.OutboxSize,
		"inbox_size":                c.InboxSize,
		"max_failures":              c.MaxFailures,
	}
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	}
	return 0, false
}
