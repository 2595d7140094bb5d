package archive

import (
	"errors"

	"tilecache/internal/tilekey"
)

var ErrNotFound = errors.New("tile not found in archive")

// Archive is a read-only tile container. An empty source matches tiles
// of any source.
type Archive interface {
	Name() string
	Tile(source string, key tilekey.Key) ([]byte, error)
	Close() error
}
