// Package config reads server settings from the environment, with command
// line flags taking precedence.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/canvas"
	"github.com/manpreetbhatti/sketchroom/internal/relay"
	"github.com/manpreetbhatti/sketchroom/internal/retention"
)

type Config struct {
	Addr       string
	DBPath     string
	HistoryCap int
	LogLevel   slog.Level

	RedisAddr   string
	RedisPrefix string

	MDNS         bool
	MDNSInstance string

	Retention retention.Config
}

func Default() Config {
	return Config{
		Addr:        ":8080",
		DBPath:      "./data/sketchroom.db",
		HistoryCap:  canvas.DefaultHistoryCap,
		LogLevel:    slog.LevelInfo,
		RedisPrefix: relay.DefaultPrefix,
		Retention:   retention.DefaultConfig(),
	}
}

// Load resolves the configuration from getenv and then args
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("sketchroom", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "address to listen on")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path of the sqlite activity ledger")
	fs.IntVar(&cfg.HistoryCap, "history-cap", cfg.HistoryCap, "finished strokes kept per room")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for the broadcast relay (empty disables)")
	fs.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "advertise the server over mDNS")
	level := fs.String("log-level", cfg.LogLevel.String(), "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(*level)); err != nil {
		return Config{}, fmt.Errorf("log level: %w", err)
	}
	if cfg.HistoryCap <= 0 {
		return Config{}, fmt.Errorf("history cap must be positive, got %d", cfg.HistoryCap)
	}
	return cfg, nil
}

// FromEnvironment is Load over the process arguments and environment
func FromEnvironment() (Config, error) {
	return Load(os.Args[1:], os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if port := getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	if v := getenv("SKETCHROOM_ADDR"); v != "" {
		c.Addr = v
	}
	if v := getenv("SKETCHROOM_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("SKETCHROOM_LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("SKETCHROOM_LOG_LEVEL: %w", err)
		}
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := getenv("SKETCHROOM_REDIS_PREFIX"); v != "" {
		c.RedisPrefix = v
	}
	c.MDNSInstance = getenv("SKETCHROOM_MDNS_INSTANCE")

	var err error
	if c.HistoryCap, err = intEnv(getenv, "SKETCHROOM_HISTORY_CAP", c.HistoryCap); err != nil {
		return err
	}
	if c.MDNS, err = boolEnv(getenv, "SKETCHROOM_MDNS", c.MDNS); err != nil {
		return err
	}
	if c.Retention.Interval, err = durationEnv(getenv, "SKETCHROOM_RETENTION_INTERVAL", c.Retention.Interval); err != nil {
		return err
	}
	if c.Retention.KeepRecent, err = intEnv(getenv, "SKETCHROOM_RETENTION_KEEP", c.Retention.KeepRecent); err != nil {
		return err
	}
	if c.Retention.EventThreshold, err = intEnv(getenv, "SKETCHROOM_RETENTION_THRESHOLD", c.Retention.EventThreshold); err != nil {
		return err
	}
	return nil
}

func intEnv(getenv func(string) string, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolEnv(getenv func(string) string, key string, def bool) (bool, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func durationEnv(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
