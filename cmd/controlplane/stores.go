package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mingxin1a/paas-platform-sub000/internal/auth"
	"github.com/mingxin1a/paas-platform-sub000/internal/config"
	"github.com/mingxin1a/paas-platform-sub000/internal/migrate"
)

// tokenStore is the durable session store plus its lifecycle hooks.
type tokenStore struct {
	auth.Store
	ping  func(ctx context.Context) error
	close func() error
	// janitor, when set, runs until ctx is cancelled.
	janitor func(ctx context.Context)
}

func openTokenStore(ctx context.Context, cfg config.SessionConfig, log *slog.Logger) (*tokenStore, error) {
	switch cfg.Store {
	case "", "memory":
		return &tokenStore{
			Store: auth.NewMemoryStore(),
			ping:  func(context.Context) error { return nil },
			close: func() error { return nil },
		}, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.StoreAddr,
			Password: cfg.StorePassword,
			DB:       cfg.StoreDB,
		})
		store := auth.NewRedisStore(rdb)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pctx); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis token store: %w", err)
		}
		log.Info("token store ready", "backend", "redis", "addr", cfg.StoreAddr)
		return &tokenStore{Store: store, ping: store.Ping, close: rdb.Close}, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.StoreAddr)
		if err != nil {
			return nil, fmt.Errorf("postgres token store: %w", err)
		}
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		applied, err := migrate.Run(mctx, db, cfg.StoreSchema)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if len(applied) > 0 {
			log.Info("migrations applied", "schema", cfg.StoreSchema, "versions", applied)
		}
		store := auth.NewSQLStore(db, cfg.StoreSchema)
		log.Info("token store ready", "backend", "postgres", "schema", cfg.StoreSchema)
		return &tokenStore{
			Store: store,
			ping:  store.Ping,
			close: db.Close,
			janitor: func(ctx context.Context) {
				purgeExpired(ctx, store, time.Minute, log)
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown token store %q", cfg.Store)
}

func purgeExpired(ctx context.Context, store *auth.SQLStore, every time.Duration, log *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				log.Warn("session purge failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("expired sessions purged", "count", n)
			}
		}
	}
}
