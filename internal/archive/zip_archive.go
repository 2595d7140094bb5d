package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"tilecache/internal/tilekey"
)

// ZipArchive serves tiles stored as [source/]z/x/y.ext entries.
type ZipArchive struct {
	path   string
	reader *zip.ReadCloser
	// index[key][source]
	index map[tilekey.Key]map[string]*zip.File
}

func OpenZip(path string) (*ZipArchive, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip archive: %w", err)
	}

	a := &ZipArchive{
		path:   path,
		reader: reader,
		index:  make(map[tilekey.Key]map[string]*zip.File),
	}
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		source, key, ok := parseEntryName(f.Name)
		if !ok {
			continue
		}
		bySource := a.index[key]
		if bySource == nil {
			bySource = make(map[string]*zip.File, 1)
			a.index[key] = bySource
		}
		bySource[source] = f
	}
	return a, nil
}

// parseEntryName reads "z/x/y.ext" with an optional leading source directory.
func parseEntryName(name string) (string, tilekey.Key, bool) {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	if len(parts) < 3 {
		return "", 0, false
	}
	n := len(parts)
	last := parts[n-1]
	last = strings.TrimSuffix(last, filepath.Ext(last))

	z, errZ := strconv.Atoi(parts[n-3])
	x, errX := strconv.Atoi(parts[n-2])
	y, errY := strconv.Atoi(last)
	if errZ != nil || errX != nil || errY != nil || !tilekey.Valid(z, x, y) {
		return "", 0, false
	}
	return strings.Join(parts[:n-3], "/"), tilekey.Pack(z, x, y), true
}

func (a *ZipArchive) Name() string {
	return a.path
}

func (a *ZipArchive) Tile(source string, key tilekey.Key) ([]byte, error) {
	bySource, ok := a.index[key]
	if !ok {
		return nil, ErrNotFound
	}

	f, ok := bySource[source]
	if !ok && source == "" {
		for _, candidate := range bySource {
			f, ok = candidate, true
			break
		}
	}
	if !ok {
		return nil, ErrNotFound
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read zip entry %s: %w", f.Name, err)
	}
	return data, nil
}

func (a *ZipArchive) Close() error {
	return a.reader.Close()
}
