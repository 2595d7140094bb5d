package store

import (
	"context"
	"time"

	"tilecache/internal/tilekey"
)

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Get(ctx context.Context, source string, key tilekey.Key) (*Entry, error) {
	return nil, ErrNotFound
}

func (s *NoopStore) Set(ctx context.Context, source string, key tilekey.Key, data []byte, expires time.Time) error {
	return nil
}

func (s *NoopStore) Delete(ctx context.Context, source string, key tilekey.Key) error {
	return nil
}

func (s *NoopStore) Clear(ctx context.Context) error {
	return nil
}

func (s *NoopStore) Close() error {
	return nil
}
