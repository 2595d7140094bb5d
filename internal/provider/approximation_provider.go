package provider

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"tilecache/internal/bitmap"
	"tilecache/internal/tilekey"
)

// ApproximationProvider builds a missing tile by upscaling the matching
// quadrant of the nearest ancestor found in the offline sources. Its
// results are StateScaled, so the chain keeps looking for the real tile.
type ApproximationProvider struct {
	sources []Provider
	scaler  bitmap.Scaler
	// tileSize is the edge of a produced tile in pixels. Ancestors whose
	// quadrant would shrink below one pixel at this size are not tried.
	// Zero keeps the ancestor's own size.
	tileSize int
	minZoom  int
	logger   *zap.Logger
}

// NewApproximationProvider ignores sources that use the network.
func NewApproximationProvider(sources []Provider, scaler bitmap.Scaler, tileSize int, logger *zap.Logger) *ApproximationProvider {
	p := &ApproximationProvider{scaler: scaler, tileSize: max(0, tileSize), logger: logger}
	for _, src := range sources {
		if !src.UsesNetwork() {
			p.sources = append(p.sources, src)
		}
	}

	for i, src := range p.sources {
		if i == 0 || src.MinZoom() < p.minZoom {
			p.minZoom = src.MinZoom()
		}
	}
	return p
}

func (p *ApproximationProvider) Name() string {
	return "approximation"
}

func (p *ApproximationProvider) UsesNetwork() bool {
	return false
}

func (p *ApproximationProvider) MinZoom() int {
	return p.minZoom
}

func (p *ApproximationProvider) MaxZoom() int {
	return tilekey.MaxZoom
}

func (p *ApproximationProvider) LoadTile(ctx context.Context, key tilekey.Key) (*Tile, error) {
	for diff := 1; key.Zoom()-diff >= 0; diff++ {
		if p.tileSize > 0 && p.tileSize>>diff == 0 {
			break
		}
		for _, src := range p.sources {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if bmp := p.fromAncestor(ctx, src, key, diff); bmp != nil {
				return &Tile{Bitmap: bmp, State: StateScaled}, nil
			}
		}
	}
	return nil, ErrDeclined
}

func (p *ApproximationProvider) fromAncestor(ctx context.Context, src Provider, key tilekey.Key, diff int) bitmap.Bitmap {
	parent := key.Parent(diff)
	if !InRange(src, parent) {
		return nil
	}

	tile, err := src.LoadTile(ctx, parent)
	if err != nil {
		if !errors.Is(err, ErrDeclined) {
			p.logger.Debug("Ancestor load failed", zap.Stringer("tile", parent), zap.String("provider", src.Name()), zap.Error(err))
		}
		return nil
	}
	defer tile.Bitmap.Close()

	size := tile.Bitmap.Width() >> diff
	if size == 0 {
		return nil
	}
	out := p.tileSize
	if out == 0 {
		out = tile.Bitmap.Width()
	}
	mask := 1<<diff - 1
	x := (key.X() & mask) * size
	y := (key.Y() & mask) * size

	scaled, err := p.scaler.ScaleRegion(tile.Bitmap, x, y, size, out)
	if err != nil {
		p.logger.Debug("Approximation failed", zap.Stringer("tile", key), zap.Int("zoom_diff", diff), zap.Error(err))
		return nil
	}
	return scaled
}
