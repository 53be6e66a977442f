// Package config loads taskstate settings from a TOML file and the
// environment.
//
// Values are resolved in order: built-in defaults, the TOML file when one
// is given, then TASKSTATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend names a persistence backend.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendMongo    Backend = "mongo"
	BackendRedis    Backend = "redis"
	BackendNATS     Backend = "nats"
)

var backends = []Backend{BackendMemory, BackendSQLite, BackendPostgres, BackendMongo, BackendRedis, BackendNATS}

// Config is the full taskstate configuration.
type Config struct {
	Backend Backend `toml:"backend"`

	SQLite   SQLiteConfig   `toml:"sqlite"`
	Postgres PostgresConfig `toml:"postgres"`
	Mongo    MongoConfig    `toml:"mongo"`
	Redis    RedisConfig    `toml:"redis"`
	NATS     NATSConfig     `toml:"nats"`

	Connect ConnectConfig `toml:"connect"`
	Log     LogConfig     `toml:"log"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type PostgresConfig struct {
	URL string `toml:"url"`
}

type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type NATSConfig struct {
	URL    string `toml:"url"`
	Bucket string `toml:"bucket"`
}

// ConnectConfig bounds how long Open retries the first connection.
type ConnectConfig struct {
	Timeout    time.Duration `toml:"timeout"`
	MaxElapsed time.Duration `toml:"max_elapsed"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Backend: BackendMemory,
		SQLite:  SQLiteConfig{Path: "taskstate.db"},
		Mongo:   MongoConfig{Database: "taskstate"},
		Redis:   RedisConfig{Prefix: "taskstate:"},
		NATS:    NATSConfig{Bucket: "taskstate"},
		Connect: ConnectConfig{
			Timeout:    5 * time.Second,
			MaxElapsed: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults, applies the environment and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a TOML document over the defaults without reading the
// environment.
func Parse(doc string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(doc, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TASKSTATE_* environment variables.
func (c *Config) ApplyEnv() error {
	var err error
	c.Backend = Backend(envString("TASKSTATE_BACKEND", string(c.Backend)))
	c.SQLite.Path = envString("TASKSTATE_SQLITE_PATH", c.SQLite.Path)
	c.Postgres.URL = envString("TASKSTATE_POSTGRES_URL", c.Postgres.URL)
	c.Mongo.URI = envString("TASKSTATE_MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = envString("TASKSTATE_MONGO_DATABASE", c.Mongo.Database)
	c.Redis.Addr = envString("TASKSTATE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envString("TASKSTATE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Prefix = envString("TASKSTATE_REDIS_PREFIX", c.Redis.Prefix)
	if c.Redis.DB, err = envInt("TASKSTATE_REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	c.NATS.URL = envString("TASKSTATE_NATS_URL", c.NATS.URL)
	c.NATS.Bucket = envString("TASKSTATE_NATS_BUCKET", c.NATS.Bucket)
	if c.Connect.Timeout, err = envDuration("TASKSTATE_CONNECT_TIMEOUT", c.Connect.Timeout); err != nil {
		return err
	}
	if c.Connect.MaxElapsed, err = envDuration("TASKSTATE_CONNECT_MAX_ELAPSED", c.Connect.MaxElapsed); err != nil {
		return err
	}
	c.Log.Level = envString("TASKSTATE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("TASKSTATE_LOG_FORMAT", c.Log.Format)
	return nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(backends, c.Backend) {
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	require := func(backend Backend, value, name string) {
		if c.Backend == backend && strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required for the %s backend", name, backend))
		}
	}
	require(BackendSQLite, c.SQLite.Path, "sqlite.path")
	require(BackendPostgres, c.Postgres.URL, "postgres.url")
	require(BackendMongo, c.Mongo.URI, "mongo.uri")
	require(BackendMongo, c.Mongo.Database, "mongo.database")
	require(BackendRedis, c.Redis.Addr, "redis.addr")
	require(BackendNATS, c.NATS.URL, "nats.url")
	require(BackendNATS, c.NATS.Bucket, "nats.bucket")
	if c.Connect.Timeout <= 0 {
		errs = append(errs, errors.New("connect.timeout must be positive"))
	}
	if c.Connect.MaxElapsed < 0 {
		errs = append(errs, errors.New("connect.max_elapsed must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", f))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// NewLogger builds the logger described by c.Log writing to w, or to
// stderr when w is nil.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch c.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
}
