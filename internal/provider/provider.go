package provider

import (
	"context"
	"errors"
	"time"

	"tilecache/internal/bitmap"
	"tilecache/internal/tilekey"
)

var (
	// ErrDeclined means the provider does not have the tile. It is an
	// expected outcome, not a failure.
	ErrDeclined = errors.New("tile declined")
	// ErrCantContinue means the provider is unusable. Its pending
	// requests are dropped.
	ErrCantContinue = errors.New("provider cannot continue")
)

type State int

const (
	StateFresh State = iota
	// StateExpired is a tile past its expiration. It is shown while a
	// fresher copy is looked for further down the chain.
	StateExpired
	// StateScaled is a tile approximated from a lower zoom level.
	StateScaled
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateExpired:
		return "expired"
	case StateScaled:
		return "scaled"
	default:
		return "unknown"
	}
}

type Tile struct {
	Bitmap    bitmap.Bitmap
	ExpiresAt time.Time
	State     State
}

// Stale reports whether the chain should keep looking for a better copy.
func (t *Tile) Stale() bool {
	return t.State != StateFresh
}

// Provider is one backing source in the chain. LoadTile returns
// ErrDeclined when the source has no tile for key; any other error is
// treated as an I/O failure and also falls through to the next provider.
type Provider interface {
	Name() string
	LoadTile(ctx context.Context, key tilekey.Key) (*Tile, error)
	UsesNetwork() bool
	MinZoom() int
	MaxZoom() int
}

// InRange reports whether key's zoom is served by p.
func InRange(p Provider, key tilekey.Key) bool {
	z := key.Zoom()
	return z >= p.MinZoom() && z <= p.MaxZoom()
}

// ZoomRange is embedded by providers for their MinZoom and MaxZoom.
type ZoomRange struct {
	Min int
	Max int
}

func (r ZoomRange) MinZoom() int { return r.Min }
func (r ZoomRange) MaxZoom() int { return r.Max }

// FullZoomRange covers every zoom a key can address.
var FullZoomRange = ZoomRange{Min: 0, Max: tilekey.MaxZoom}
