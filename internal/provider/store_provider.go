package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tilecache/internal/bitmap"
	"tilecache/internal/clock"
	"tilecache/internal/store"
	"tilecache/internal/tilekey"
)

// StoreProvider serves tiles previously saved to a store.Store. Tiles
// past their expiration are returned as StateExpired.
type StoreProvider struct {
	ZoomRange
	source  string
	store   store.Store
	decoder bitmap.Decoder
	clock   clock.Clock
	logger  *zap.Logger
}

func NewStoreProvider(source string, st store.Store, decoder bitmap.Decoder, clk clock.Clock, zoom ZoomRange, logger *zap.Logger) *StoreProvider {
	return &StoreProvider{
		ZoomRange: zoom,
		source:    source,
		store:     st,
		decoder:   decoder,
		clock:     clk,
		logger:    logger,
	}
}

func (p *StoreProvider) Name() string {
	return "store:" + p.source
}

func (p *StoreProvider) UsesNetwork() bool {
	return false
}

func (p *StoreProvider) LoadTile(ctx context.Context, key tilekey.Key) (*Tile, error) {
	entry, err := p.store.Get(ctx, p.source, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDeclined
	}
	if err != nil {
		return nil, err
	}

	bmp, err := p.decoder.Decode(entry.Data)
	if err != nil {
		// an unreadable record would be served forever, drop it
		if delErr := p.store.Delete(ctx, p.source, key); delErr != nil {
			p.logger.Warn("Failed to delete undecodable tile", zap.Stringer("tile", key), zap.Error(delErr))
		}
		return nil, fmt.Errorf("decode stored tile %s: %w", key, err)
	}

	tile := &Tile{Bitmap: bmp, ExpiresAt: entry.Expires}
	if entry.Expired(p.clock.Now()) {
		tile.State = StateExpired
	}
	return tile, nil
}
