package store

import (
	"context"
	"errors"
	"time"

	"tilecache/internal/tilekey"
)

var ErrNotFound = errors.New("tile not found in store")

// Entry is an encoded tile with the expiration it was saved with.
// A zero Expires means the tile never expires.
type Entry struct {
	Data    []byte
	Expires time.Time
}

func (e *Entry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && now.After(e.Expires)
}

// Store persists encoded tiles per source. Get returns ErrNotFound
// when the tile is absent.
type Store interface {
	Get(ctx context.Context, source string, key tilekey.Key) (*Entry, error)
	Set(ctx context.Context, source string, key tilekey.Key, data []byte, expires time.Time) error
	Delete(ctx context.Context, source string, key tilekey.Key) error
	Clear(ctx context.Context) error
	Close() error
}

// Trimmer is implemented by stores that can shrink themselves when they
// grow past a size limit.
type Trimmer interface {
	Trim(ctx context.Context) (removed int, err error)
}
