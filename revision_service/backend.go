package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/niczy/revbranch/internal/config"
	"github.com/niczy/revbranch/internal/storage"
	"github.com/redis/go-redis/v9"
)

// openIndex opens the document index selected by cfg.Storage.Backend.
func openIndex(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Index, error) {
	s := cfg.Storage
	opts := []storage.Option{
		storage.WithMaxClauseCount(s.MaxClauseCount),
		storage.WithLogger(logger),
	}
	switch s.Backend {
	case config.BackendMemory:
		return storage.NewInMemoryIndex(), nil
	case config.BackendSQLite:
		idx, err := storage.OpenSQLiteIndex(s.SQLite.Path, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite index", "path", s.SQLite.Path)
		return idx, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: s.Redis.Addr, DB: s.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", s.Redis.Addr, err)
		}
		opts = append(opts, storage.WithTxRetries(s.Redis.TxRetries))
		idx := storage.NewRedisIndex(rdb, openObjectStore(s.ObjectStore), s.Redis.KeyPrefix, opts...)
		logger.Info("opened redis index", "addr", s.Redis.Addr, "object_store", s.ObjectStore.Kind)
		return idx, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
}

func openObjectStore(cfg config.ObjectStoreConfig) storage.ObjectStore {
	if cfg.Kind != config.ObjectStoreS3 {
		return storage.NewInMemoryObjectStore()
	}
	client := storage.NewS3Client(storage.S3Settings{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	return storage.NewS3ObjectStore(client, cfg.Bucket)
}
