package store

import (
	"fmt"

	"go.uber.org/zap"
)

type Options struct {
	FileDir    string
	SQLitePath string
	BadgerDir  string
	Redis      RedisConfig
	MaxBytes   int64
	TrimBytes  int64
}

// NewStore creates a store instance based on the store type
func NewStore(storeType string, opts Options, log *zap.Logger) (Store, error) {
	switch storeType {
	case "file":
		log.Info("Using file store", zap.String("dir", opts.FileDir), zap.Int64("max_bytes", opts.MaxBytes))
		return NewFileStore(opts.FileDir, opts.MaxBytes, opts.TrimBytes, log.Named("file_store"))
	case "sqlite":
		log.Info("Using sqlite store", zap.String("path", opts.SQLitePath))
		return NewSQLiteStore(opts.SQLitePath, opts.MaxBytes, opts.TrimBytes, log.Named("sqlite_store"))
	case "badger":
		log.Info("Using badger store", zap.String("dir", opts.BadgerDir))
		return NewBadgerStore(opts.BadgerDir, log.Named("badger_store"))
	case "redis":
		log.Info("Using redis store", zap.String("addr", opts.Redis.Addr))
		return NewRedisStore(opts.Redis, log.Named("redis_store"))
	case "disabled":
		log.Info("Tile store disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s (supported: file, sqlite, badger, redis, disabled)", storeType)
	}
}
