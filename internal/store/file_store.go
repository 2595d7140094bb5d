package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"tilecache/internal/tilekey"
)

// noExpiry is the mtime recorded for tiles saved without an expiration.
var noExpiry = time.Unix(0, 0)

// FileStore keeps one file per tile.
// Structure: {dir}/{source}/{z}/{x}/{y}.tile
// The file mtime holds the tile expiration.
type FileStore struct {
	mu        sync.RWMutex
	dir       string
	maxBytes  int64
	trimBytes int64
	logger    *zap.Logger
}

// NewFileStore creates the store. When maxBytes is positive, Trim deletes
// tiles without an expiration, then the tiles closest to expiry, until the
// tree is below trimBytes.
func NewFileStore(dir string, maxBytes, trimBytes int64, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if trimBytes <= 0 || trimBytes > maxBytes {
		trimBytes = maxBytes
	}

	return &FileStore{
		dir:       dir,
		maxBytes:  maxBytes,
		trimBytes: trimBytes,
		logger:    logger,
	}, nil
}

func (s *FileStore) buildFilePath(source string, key tilekey.Key) string {
	return filepath.Join(s.dir, source,
		strconv.Itoa(key.Zoom()),
		strconv.Itoa(key.X()),
		strconv.Itoa(key.Y())+".tile")
}

func (s *FileStore) Get(ctx context.Context, source string, key tilekey.Key) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filePath := s.buildFilePath(source, key)

	info, err := os.Stat(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat tile: %w", err)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read tile: %w", err)
	}

	entry := &Entry{Data: data}
	if mtime := info.ModTime(); !mtime.Equal(noExpiry) {
		entry.Expires = mtime
	}
	return entry, nil
}

func (s *FileStore) Set(ctx context.Context, source string, key tilekey.Key, data []byte, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.buildFilePath(source, key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create tile directory: %w", err)
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write tile: %w", err)
	}

	mtime := expires
	if mtime.IsZero() {
		mtime = noExpiry
	}
	if err := os.Chtimes(tmpPath, time.Now(), mtime); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("set tile expiration: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename tile: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, source string, key tilekey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.buildFilePath(source, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete tile: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return os.MkdirAll(s.dir, 0755)
}

func (s *FileStore) Close() error {
	return nil
}

type tileFile struct {
	path  string
	size  int64
	mtime time.Time
}

// Trim removes the tiles with the earliest expiration once the tree
// exceeds maxBytes, until it is below trimBytes. Tiles without an
// expiration carry the noExpiry mtime, so they go first, as in SQLiteStore.
func (s *FileStore) Trim(ctx context.Context) (int, error) {
	if s.maxBytes <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var files []tileFile
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || filepath.Ext(path) != ".tile" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, tileFile{path: path, size: info.Size(), mtime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan store: %w", err)
	}

	if total <= s.maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].mtime.Before(files[j].mtime)
	})

	removed := 0
	for _, f := range files {
		if total <= s.trimBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			s.logger.Warn("Failed to trim tile", zap.String("path", f.path), zap.Error(err))
			continue
		}
		total -= f.size
		removed++
	}

	s.logger.Info("Trimmed file store",
		zap.Int("removed", removed),
		zap.Int64("bytes", total),
		zap.Int64("max_bytes", s.maxBytes),
	)
	return removed, nil
}
