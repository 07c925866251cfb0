package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/netsendo/funnel/internal/abtest"
	"github.com/netsendo/funnel/internal/config"
	"github.com/netsendo/funnel/internal/engine"
	"github.com/netsendo/funnel/internal/persistence"
	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/api"
)

const (
	connectTimeout = 10 * time.Second
	mongoTasksColl = "tasks"
)

// backend is everything a command needs to talk to the configured stores.
type backend struct {
	store   persistence.Store
	queue   taskqueue.Queue
	engine  api.Engine
	abtests *abtest.Manager

	closers []func() error
}

// openBackend connects the store and queue described by a.cfg. obs may be
// nil.
func (a *app) openBackend(ctx context.Context, obs api.Observer) (b *backend, err error) {
	b = &backend{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	db, err := b.openStore(a.cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := b.openQueue(ctx, a.cfg.Queue, db); err != nil {
		return nil, err
	}

	settings := a.cfg.EngineSettings()
	b.engine = engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.FromStore(b.store),
		Queue:       b.queue,
		Observer:    obs,
		Logger:      a.logger,
		Settings:    settings,
	})

	opts := []abtest.Option{abtest.WithLogger(a.logger)}
	if obs != nil {
		opts = append(opts, abtest.WithObserver(obs))
	}
	b.abtests = abtest.NewManager(b.store, settings, opts...)
	return b, nil
}

func (b *backend) openStore(cfg config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		b.store = persistence.NewInMemoryStore()
		return nil, nil

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
		}
		// One connection serializes writers instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		b.closers = append(b.closers, db.Close)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		b.store = store
		return db, nil

	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		b.store = store
		return db, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func (b *backend) openQueue(ctx context.Context, cfg config.QueueConfig, db *sql.DB) error {
	switch cfg.Backend {
	case config.QueueMemory:
		b.queue = taskqueue.NewInMemoryQueue()

	case config.QueueSQLite:
		if db == nil {
			return errors.New("the sqlite queue needs the sqlite database driver")
		}
		q, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			return err
		}
		b.queue = q

	case config.QueueRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
		b.closers = append(b.closers, client.Close)
		pctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
		}
		b.queue = taskqueue.NewRedisQueue(client, cfg.Name+":")

	case config.QueueMongo:
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.Addr))
		if err != nil {
			return fmt.Errorf("mongo connect: %w", err)
		}
		b.closers = append(b.closers, func() error {
			return client.Disconnect(context.Background())
		})
		if err := client.Ping(cctx, nil); err != nil {
			return fmt.Errorf("mongo ping: %w", err)
		}
		b.queue = taskqueue.NewMongoQueue(client, cfg.Name, mongoTasksColl)

	default:
		return fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// withBackend opens the backend, runs fn and closes it, the way every
// one-shot command works.
func (a *app) withBackend(ctx context.Context, fn func(*backend) error) error {
	b, err := a.openBackend(ctx, nil)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b)
}
