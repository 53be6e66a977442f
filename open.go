package taskstate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/taskstate/internal/config"
)

// Config is the configuration accepted by Open.
type Config = config.Config

// LoadConfig reads a TOML file, applies TASKSTATE_* environment overrides
// and validates the result. An empty path uses defaults and environment.
var LoadConfig = config.Load

// DefaultConfig returns the in-memory configuration.
var DefaultConfig = config.Default

// Open connects to the backend selected by cfg and returns a Client that
// owns the connection. The first connection is retried with exponential
// backoff for up to cfg.Connect.MaxElapsed.
//
// Options are applied after the configured logger, so WithLogger wins.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := cfg.NewLogger(nil)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithLogger(logger)}, opts...)

	switch cfg.Backend {
	case config.BackendMemory:
		return NewInMemoryClient(opts...), nil
	case config.BackendSQLite:
		return openSQL(ctx, cfg, logger, "sqlite", cfg.SQLite.Path, NewSQLiteClient, opts)
	case config.BackendPostgres:
		return openSQL(ctx, cfg, logger, "pgx", cfg.Postgres.URL, NewPostgresClient, opts)
	case config.BackendMongo:
		return openMongo(ctx, cfg, logger, opts)
	case config.BackendRedis:
		return openRedis(ctx, cfg, logger, opts)
	case config.BackendNATS:
		return openNATS(ctx, cfg, logger, opts)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// connectWithRetry runs connect until it succeeds, ctx is done or the
// configured elapsed time runs out.
func connectWithRetry(ctx context.Context, cfg Config, logger *slog.Logger, connect func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Connect.Timeout)
		defer cancel()
		if err := connect(attemptCtx); err != nil {
			logger.WarnContext(ctx, "backend_connect_failed",
				slog.String("backend", string(cfg.Backend)),
				slog.Int("attempt", attempt),
				slog.Any("err", err),
			)
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = cfg.Connect.MaxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Backend, err)
	}
	return nil
}

func openSQL(ctx context.Context, cfg Config, logger *slog.Logger, driver, dsn string,
	newClient func(*sql.DB, ...Option) (*Client, error), opts []Option) (*Client, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
	}
	if driver == "sqlite" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := connectWithRetry(ctx, cfg, logger, db.PingContext); err != nil {
		_ = db.Close()
		return nil, err
	}
	c, err := newClient(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.closers = append(c.closers, func(context.Context) error { return db.Close() })
	return c, nil
}

func openMongo(ctx context.Context, cfg Config, logger *slog.Logger, opts []Option) (*Client, error) {
	mc, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.Mongo.URI).
		SetConnectTimeout(cfg.Connect.Timeout))
	if err != nil {
		return nil, fmt.Errorf("open mongo: %w", err)
	}
	ping := func(ctx context.Context) error { return mc.Ping(ctx, nil) }
	if err := connectWithRetry(ctx, cfg, logger, ping); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, err
	}
	c, err := NewMongoClient(ctx, mc, cfg.Mongo.Database, opts...)
	if err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, err
	}
	c.closers = append(c.closers, mc.Disconnect)
	return c, nil
}

func openRedis(ctx context.Context, cfg Config, logger *slog.Logger, opts []Option) (*Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Connect.Timeout,
	})
	ping := func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	if err := connectWithRetry(ctx, cfg, logger, ping); err != nil {
		_ = rc.Close()
		return nil, err
	}
	c := NewRedisClient(rc, cfg.Redis.Prefix, opts...)
	c.closers = append(c.closers, func(context.Context) error { return rc.Close() })
	return c, nil
}

func openNATS(ctx context.Context, cfg Config, logger *slog.Logger, opts []Option) (*Client, error) {
	var nc *nats.Conn
	connect := func(context.Context) error {
		var err error
		nc, err = nats.Connect(cfg.NATS.URL, nats.Timeout(cfg.Connect.Timeout), nats.Name("taskstate"))
		return err
	}
	if err := connectWithRetry(ctx, cfg, logger, connect); err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	c, err := NewNATSClient(ctx, js, cfg.NATS.Bucket, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.closers = append(c.closers, func(context.Context) error { return nc.Drain() })
	return c, nil
}
