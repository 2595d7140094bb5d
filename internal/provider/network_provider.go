package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tilecache/internal/bitmap"
	"tilecache/internal/clock"
	"tilecache/internal/store"
	"tilecache/internal/tilekey"
)

const (
	MaxRedirects = 3
	maxTileBytes = 16 << 20
)

type NetworkConfig struct {
	// Source names the tile set in the store.
	Source string
	// URLTemplate may contain {z} {x} {y} {quadkey} and {s}.
	URLTemplate string
	Subdomains  []string
	UserAgent   string
	Policy      Policy
	Zoom        ZoomRange
	Timeout     time.Duration
	// Rate is the sustained downloads per second; zero disables limiting.
	Rate            float64
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Download is a fetched tile before decoding.
type Download struct {
	Data      []byte
	ExpiresAt time.Time
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.code)
}

func (e *statusError) Unwrap() error {
	return ErrDeclined
}

// NetworkProvider downloads tiles over HTTP and writes them to a store.
type NetworkProvider struct {
	cfg       NetworkConfig
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[*Download]
	store     store.Store
	decoder   bitmap.Decoder
	clock     clock.Clock
	logger    *zap.Logger
	next      atomic.Uint64
}

func NewNetworkProvider(cfg NetworkConfig, st store.Store, decoder bitmap.Decoder, clk clock.Clock, logger *zap.Logger) (*NetworkProvider, error) {
	if cfg.URLTemplate == "" {
		return nil, errors.New("network provider needs a URL template")
	}
	if err := cfg.Policy.CheckUserAgent(cfg.UserAgent); err != nil {
		return nil, fmt.Errorf("tile source %s: %w", cfg.Source, err)
	}
	if st == nil {
		st = store.NewNoopStore()
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	p := &NetworkProvider{
		cfg:       cfg,
		userAgent: cfg.Policy.NormalizeUserAgent(cfg.UserAgent),
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", MaxRedirects)
				}
				return nil
			},
		},
		limiter: rate.NewLimiter(limit, burst),
		store:   st,
		decoder: decoder,
		clock:   clk,
		logger:  logger,
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	p.breaker = gobreaker.NewCircuitBreaker[*Download](gobreaker.Settings{
		Name:    "tiles:" + cfg.Source,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// a missing tile says nothing about the health of the server
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.code < 500
			}
			return err == nil || errors.Is(err, ErrDeclined) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Tile source circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return p, nil
}

func (p *NetworkProvider) Name() string {
	return "network:" + p.cfg.Source
}

func (p *NetworkProvider) Source() string {
	return p.cfg.Source
}

func (p *NetworkProvider) Policy() Policy {
	return p.cfg.Policy
}

func (p *NetworkProvider) UsesNetwork() bool {
	return true
}

func (p *NetworkProvider) MinZoom() int {
	return p.cfg.Zoom.Min
}

func (p *NetworkProvider) MaxZoom() int {
	return p.cfg.Zoom.Max
}

// Close drops idle connections to the tile server.
func (p *NetworkProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// URL expands the template for key.
func (p *NetworkProvider) URL(key tilekey.Key) string {
	sub := ""
	if n := len(p.cfg.Subdomains); n > 0 {
		sub = p.cfg.Subdomains[p.next.Add(1)%uint64(n)]
	}
	return strings.NewReplacer(
		"{z}", strconv.Itoa(key.Zoom()),
		"{x}", strconv.Itoa(key.X()),
		"{y}", strconv.Itoa(key.Y()),
		"{quadkey}", key.Quadkey(),
		"{s}", sub,
	).Replace(p.cfg.URLTemplate)
}

func (p *NetworkProvider) LoadTile(ctx context.Context, key tilekey.Key) (*Tile, error) {
	d, err := p.Download(ctx, key)
	if err != nil {
		return nil, err
	}

	bmp, err := p.decoder.Decode(d.Data)
	if err != nil {
		return nil, fmt.Errorf("decode downloaded tile %s: %w", key, err)
	}
	return &Tile{Bitmap: bmp, ExpiresAt: d.ExpiresAt}, nil
}

// Download fetches key, saves it to the store and returns the raw bytes.
func (p *NetworkProvider) Download(ctx context.Context, key tilekey.Key) (*Download, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	d, err := p.breaker.Execute(func() (*Download, error) {
		return p.fetch(ctx, key)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrDeclined, err)
	}
	if err != nil {
		return nil, err
	}

	if err := p.store.Set(ctx, p.cfg.Source, key, d.Data, d.ExpiresAt); err != nil {
		p.logger.Warn("Failed to save downloaded tile", zap.Stringer("tile", key), zap.Error(err))
	}
	return d, nil
}

func (p *NetworkProvider) fetch(ctx context.Context, key tilekey.Key) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("build tile request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download tile %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &statusError{code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, fmt.Errorf("read tile %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrDeclined)
	}

	expires := p.cfg.Policy.ExpirationTime(
		resp.Header.Get("Expires"),
		resp.Header.Get("Cache-Control"),
		p.clock.Now(),
	)
	return &Download{Data: data, ExpiresAt: expires}, nil
}
