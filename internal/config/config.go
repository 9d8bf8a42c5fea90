package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAddr              = ":8080"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
	DefaultSendQueueSize     = 64
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
	DefaultMessageBurst      = 100
	DefaultRedisPrefix       = "parley"
	DefaultShutdownTimeout   = 5 * time.Second
)

// Config is the relay server configuration.
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string

	SendQueueSize     int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int

	// RedisAddr enables the redis presence mirror when set.
	RedisAddr   string
	RedisPrefix string

	ICE ICEConfig

	ShutdownTimeout time.Duration
}

// Options carries command line overrides. Zero values mean "not set".
type Options struct {
	Addr              string
	LogLevel          string
	LogFormat         string
	AllowedOrigins    string
	SendQueueSize     int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	RedisAddr         string
	RedisPrefix       string
	ICEMode           string
	ShutdownTimeout   time.Duration
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options)
// 2. Environment variables
// 3. Defaults
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		Addr:        pick(opts.Addr, "ADDR", DefaultAddr),
		LogLevel:    strings.ToLower(pick(opts.LogLevel, "LOG_LEVEL", DefaultLogLevel)),
		LogFormat:   strings.ToLower(pick(opts.LogFormat, "LOG_FORMAT", DefaultLogFormat)),
		RedisAddr:   pick(opts.RedisAddr, "REDIS_ADDR", ""),
		RedisPrefix: pick(opts.RedisPrefix, "REDIS_PREFIX", DefaultRedisPrefix),
	}
	cfg.AllowedOrigins = splitAndClean(pick(opts.AllowedOrigins, "ALLOWED_ORIGINS", ""))

	var err error
	if cfg.SendQueueSize, err = pickInt(opts.SendQueueSize, "SEND_QUEUE_SIZE", DefaultSendQueueSize); err != nil {
		return nil, err
	}
	if cfg.MessageBurst, err = pickInt(opts.MessageBurst, "MESSAGE_BURST", DefaultMessageBurst); err != nil {
		return nil, err
	}

	maxBytes, err := pickInt(int(opts.MaxMessageBytes), "MAX_MESSAGE_BYTES", DefaultMaxMessageBytes)
	if err != nil {
		return nil, err
	}
	cfg.MaxMessageBytes = int64(maxBytes)

	cfg.MessagesPerSecond = opts.MessagesPerSecond
	if cfg.MessagesPerSecond == 0 {
		cfg.MessagesPerSecond = DefaultMessagesPerSecond
		if v := strings.TrimSpace(os.Getenv("MESSAGES_PER_SECOND")); v != "" {
			if cfg.MessagesPerSecond, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("MESSAGES_PER_SECOND: %w", err)
			}
		}
	}

	cfg.ShutdownTimeout = opts.ShutdownTimeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
		if v := strings.TrimSpace(os.Getenv("SHUTDOWN_TIMEOUT")); v != "" {
			if cfg.ShutdownTimeout, err = time.ParseDuration(v); err != nil {
				return nil, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
			}
		}
	}

	if cfg.ICE, err = LoadICE(opts.ICEMode); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.SendQueueSize <= 0:
		return fmt.Errorf("send queue size must be positive, got %d", c.SendQueueSize)
	case c.MaxMessageBytes <= 0:
		return fmt.Errorf("max message bytes must be positive, got %d", c.MaxMessageBytes)
	case c.MessagesPerSecond <= 0:
		return fmt.Errorf("messages per second must be positive, got %v", c.MessagesPerSecond)
	case c.MessageBurst <= 0:
		return fmt.Errorf("message burst must be positive, got %d", c.MessageBurst)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (want console or json)", c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// OriginAllowed reports whether a WebSocket upgrade from origin is accepted.
func (c *Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	return def
}

func pickInt(flag int, env string, def int) (int, error) {
	if flag != 0 {
		return flag, nil
	}
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", env, err)
	}
	return n, nil
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
