package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tilecache/internal/archive"
	"tilecache/internal/bitmap"
	"tilecache/internal/tilekey"
)

// ArchiveProvider looks a tile up in each archive in turn. Archives are
// taken from the supplied function on every call so a rescan is picked
// up without rebuilding the chain.
type ArchiveProvider struct {
	ZoomRange
	source   string
	archives func() []archive.Archive
	decoder  bitmap.Decoder
	logger   *zap.Logger
}

// NewArchiveProvider reads tiles of source. An empty source accepts tiles
// of any source.
func NewArchiveProvider(source string, archives func() []archive.Archive, decoder bitmap.Decoder, zoom ZoomRange, logger *zap.Logger) *ArchiveProvider {
	return &ArchiveProvider{
		ZoomRange: zoom,
		source:    source,
		archives:  archives,
		decoder:   decoder,
		logger:    logger,
	}
}

func (p *ArchiveProvider) Name() string {
	return "archive"
}

func (p *ArchiveProvider) UsesNetwork() bool {
	return false
}

func (p *ArchiveProvider) LoadTile(ctx context.Context, key tilekey.Key) (*Tile, error) {
	for _, a := range p.archives() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		data, err := a.Tile(p.source, key)
		if errors.Is(err, archive.ErrNotFound) {
			continue
		}
		if err != nil {
			p.logger.Warn("Archive read failed", zap.String("archive", a.Name()), zap.Stringer("tile", key), zap.Error(err))
			continue
		}

		bmp, err := p.decoder.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode archive tile %s from %s: %w", key, a.Name(), err)
		}
		return &Tile{Bitmap: bmp}, nil
	}
	return nil, ErrDeclined
}
