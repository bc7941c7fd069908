package xmbus

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the file form of a bus setup.
//
//	poll_interval = "10ms"
//	default_timeout = "30s"
//
//	[[connections]]
//	adapter = "redis-streams"
//	name = "orders"
//	[connections.options]
//	addr = "localhost:6379"
//	stream = "xmbus:orders"
type Config struct {
	PollInterval      time.Duration      `toml:"poll_interval"`
	DefaultTimeout    time.Duration      `toml:"default_timeout"`
	Codec             string             `toml:"codec"`
	DispatcherWorkers int                `toml:"dispatcher_workers"`
	DispatcherBuffer  int                `toml:"dispatcher_buffer"`
	ObserverWorkers   int                `toml:"observer_workers"`
	ObserverBuffer    int                `toml:"observer_buffer"`
	Connections       []ConnectionConfig `toml:"connections"`
}

// ConnectionConfig selects an adapter by registered name and passes Options to its
// factory. A non-empty Name is handed to the factory as the "name" option.
type ConnectionConfig struct {
	Adapter string         `toml:"adapter"`
	Name    string         `toml:"name"`
	Options map[string]any `toml:"options"`
}

func (c ConnectionConfig) withName() map[string]any {
	out := make(map[string]any, len(c.Options)+1)
	maps.Copy(out, c.Options)
	if c.Name != "" {
		out["name"] = c.Name
	}
	return out
}

// DefaultConfig returns the values a builder starts from.
func DefaultConfig() Config {
	return Config{
		PollInterval:   defaultPollInterval,
		DefaultTimeout: defaultTimeout,
		Codec:          "json",
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("poll_interval must not be negative"))
	}
	if c.DefaultTimeout < 0 {
		errs = append(errs, errors.New("default_timeout must not be negative"))
	}
	if c.DispatcherWorkers < 0 || c.DispatcherBuffer < 0 || c.ObserverWorkers < 0 || c.ObserverBuffer < 0 {
		errs = append(errs, errors.New("pool sizes must not be negative"))
	}
	for i, conn := range c.Connections {
		if conn.Adapter == "" {
			errs = append(errs, fmt.Errorf("connections[%d]: adapter is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("xmbus: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoadConfig reads a TOML file, applies XMBUS_* environment overrides and validates.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("xmbus: load config %s: %w", path, err)
	}
	return finishConfig(cfg, md)
}

// ParseConfig is LoadConfig for in-memory TOML.
func ParseConfig(data string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("xmbus: parse config: %w", err)
	}
	return finishConfig(cfg, md)
}

func finishConfig(cfg Config, md toml.MetaData) (Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			// options tables are adapter-defined
			if len(k) > 2 && k[0] == "connections" && k[1] == "options" {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			return Config{}, fmt.Errorf("xmbus: unknown config keys: %s", strings.Join(keys, ", "))
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides cfg from XMBUS_POLL_INTERVAL, XMBUS_DEFAULT_TIMEOUT, XMBUS_CODEC,
// XMBUS_DISPATCHER_WORKERS, XMBUS_DISPATCHER_BUFFER, XMBUS_OBSERVER_WORKERS and
// XMBUS_OBSERVER_BUFFER.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"XMBUS_POLL_INTERVAL", &cfg.PollInterval},
		{"XMBUS_DEFAULT_TIMEOUT", &cfg.DefaultTimeout},
	}
	for _, d := range durations {
		if v, ok := lookup(d.key); ok && v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("xmbus: %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"XMBUS_DISPATCHER_WORKERS", &cfg.DispatcherWorkers},
		{"XMBUS_DISPATCHER_BUFFER", &cfg.DispatcherBuffer},
		{"XMBUS_OBSERVER_WORKERS", &cfg.ObserverWorkers},
		{"XMBUS_OBSERVER_BUFFER", &cfg.ObserverBuffer},
	}
	for _, n := range ints {
		if v, ok := lookup(n.key); ok && v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("xmbus: %s: %w", n.key, err)
			}
			*n.dst = parsed
		}
	}
	if v, ok := lookup("XMBUS_CODEC"); ok && v != "" {
		cfg.Codec = v
	}
	return nil
}

// LoadEnv loads .env style files into the process environment without overriding
// variables already set. With no arguments it loads ./.env when present.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("xmbus: load env: %w", err)
	}
	return nil
}
