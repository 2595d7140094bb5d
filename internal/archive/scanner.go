package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type opener func(path string) (Archive, error)

var openers = map[string]opener{
	".zip":     func(p string) (Archive, error) { return OpenZip(p) },
	".sqlite":  func(p string) (Archive, error) { return OpenSQLite(p) },
	".db":      func(p string) (Archive, error) { return OpenSQLite(p) },
	".mbtiles": func(p string) (Archive, error) { return OpenMBTiles(p) },
}

// Scanner opens every recognised archive in a directory.
type Scanner struct {
	mu       sync.RWMutex
	dir      string
	logger   *zap.Logger
	archives []Archive
}

func NewScanner(dir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dir:    dir,
		logger: logger,
	}
}

// Scan closes previously opened archives and opens the ones currently in
// the directory, in file name order. Files that fail to open are skipped.
func (s *Scanner) Scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read archive directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var archives []Archive
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		open, ok := openers[strings.ToLower(filepath.Ext(name))]
		if !ok {
			continue
		}

		a, err := open(path)
		if err != nil {
			s.logger.Warn("Failed to open archive", zap.String("path", path), zap.Error(err))
			continue
		}
		s.logger.Info("Opened archive", zap.String("path", path))
		archives = append(archives, a)
	}

	s.mu.Lock()
	old := s.archives
	s.archives = archives
	s.mu.Unlock()

	if err := closeAll(old); err != nil {
		s.logger.Warn("Failed to close previous archives", zap.Error(err))
	}
	return nil
}

func (s *Scanner) Archives() []Archive {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.archives
}

func (s *Scanner) Close() error {
	s.mu.Lock()
	old := s.archives
	s.archives = nil
	s.mu.Unlock()
	return closeAll(old)
}

func closeAll(archives []Archive) error {
	var err error
	for _, a := range archives {
		err = multierr.Append(err, a.Close())
	}
	return err
}
