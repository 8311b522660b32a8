package main

import (
	"context"
	"fmt"
	"log"

	"docsync/internal/config"
	"docsync/internal/db"
	"docsync/internal/replication"
	"docsync/internal/services/collaboration"
	"docsync/internal/storage"

	"github.com/redis/go-redis/v9"
)

// newStorageFactory connects the configured backend and returns a factory
// handing out one slot handle per tab, plus a func releasing the backend.
func newStorageFactory(ctx context.Context, cfg *config.Config) (collaboration.StorageFactory, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		origin := storage.NewOrigin(cfg.StorageQuotaBytes)
		log.Printf("✓ In-memory slot ready (quota %d bytes)", cfg.StorageQuotaBytes)
		factory := func(context.Context) (replication.Storage, error) {
			return origin.NewLocal(), nil
		}
		return factory, func() {}, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Printf("✓ Redis slot ready at %s", cfg.RedisAddr)
		factory := func(context.Context) (replication.Storage, error) {
			return storage.NewRedisSlot(rdb, storage.WithRedisPrefix(cfg.RedisPrefix)), nil
		}
		return factory, func() { rdb.Close() }, nil

	case config.BackendPostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			return nil, nil, err
		}
		dsn := cfg.DatabaseURL()
		factory := func(context.Context) (replication.Storage, error) {
			return storage.NewPostgresSlot(database.DB, dsn, storage.WithNotifyChannel(cfg.NotifyChannel)), nil
		}
		return factory, func() { database.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
