package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"tilecache/internal/tilekey"
)

const tileKeyPrefix = "tile:"

// BadgerStore keeps tiles in an embedded badger database. Each value is
// an 8 byte big-endian expiration in unix millis followed by the tile.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens dir. An empty dir opens an in-memory database.
func NewBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	logger.Info("Badger store initialized", zap.String("dir", dir), zap.Bool("in_memory", dir == ""))
	return &BadgerStore{db: db, logger: logger}, nil
}

func badgerKey(source string, key tilekey.Key) []byte {
	k := make([]byte, 0, len(tileKeyPrefix)+len(source)+9)
	k = append(k, tileKeyPrefix...)
	k = append(k, source...)
	k = append(k, ':')
	return binary.BigEndian.AppendUint64(k, uint64(key))
}

func (s *BadgerStore) Get(ctx context.Context, source string, key tilekey.Key) (*Entry, error) {
	var entry *Entry

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(source, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get tile: %w", err)
		}

		return item.Value(func(val []byte) error {
			if len(val) < 8 {
				return fmt.Errorf("corrupt tile record for %s", key)
			}
			entry = &Entry{Data: append([]byte(nil), val[8:]...)}
			if ms := int64(binary.BigEndian.Uint64(val[:8])); ms != 0 {
				entry.Expires = time.UnixMilli(ms)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *BadgerStore) Set(ctx context.Context, source string, key tilekey.Key, data []byte, expires time.Time) error {
	var ms int64
	if !expires.IsZero() {
		ms = expires.UnixMilli()
	}
	val := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint64(val, uint64(ms))
	val = append(val, data...)

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerKey(source, key), val); err != nil {
			return fmt.Errorf("set tile: %w", err)
		}
		return nil
	})
}

func (s *BadgerStore) Delete(ctx context.Context, source string, key tilekey.Key) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(source, key))
	})
}

func (s *BadgerStore) Clear(ctx context.Context) error {
	return s.db.DropPrefix([]byte(tileKeyPrefix))
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Trim runs badger value log garbage collection. Badger reclaims space
// itself, so no tiles are removed here.
func (s *BadgerStore) Trim(ctx context.Context) (int, error) {
	if s.db.Opts().InMemory {
		return 0, nil
	}
	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			if errors.Is(err, badger.ErrNoRewrite) {
				return 0, nil
			}
			return 0, fmt.Errorf("badger value log gc: %w", err)
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
}
