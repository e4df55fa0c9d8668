package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"murmur/cmd/identity"
	"murmur/cmd/internal/auth/throttle"
)

// openAccounts selects the credential store backend. The returned pool is nil
// unless the postgres backend is in use; the app owns its lifecycle.
func openAccounts(ctx context.Context, cfg Config, log Logger) (identity.Store, *pgxpool.Pool, error) {
	switch backend := cfg.StoreBackend(); backend {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		st, err := identity.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.enabled", "backend", backend, "migrated", cfg.DBMigrate)
		return st, pool, nil

	case StoreMongo:
		st, err := identity.OpenMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		log.Info("store.enabled", "backend", backend, "database", cfg.MongoDatabase)
		return st, nil, nil

	default:
		log.Warn("store.enabled", "backend", StoreMemory, "note", "accounts are lost on restart")
		return identity.NewMemoryStore(), nil, nil
	}
}

// openLimiter returns the Redis-backed login throttle, or a no-op limiter
// when MURMUR_REDIS_ADDR is unset.
func openLimiter(ctx context.Context, cfg Config, log Logger) (throttle.Limiter, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		log.Warn("throttle.disabled", "reason", "redis_not_configured")
		return throttle.Noop{}, nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}

	log.Info("throttle.enabled", "addr", cfg.RedisAddr)
	return throttle.NewRedisLimiter(client, cfg.Throttle()), client, nil
}
