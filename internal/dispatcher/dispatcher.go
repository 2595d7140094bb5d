package dispatcher

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tilecache/internal/bitmap"
	"tilecache/internal/cache"
	"tilecache/internal/clock"
	"tilecache/internal/provider"
	"tilecache/internal/store"
	"tilecache/internal/tilekey"
	"tilecache/internal/worker"
)

const defaultGCInterval = 10 * time.Second

// Source is one provider in the chain with its pool limits.
type Source struct {
	Provider provider.Provider
	Workers  int
	MaxQueue int
}

type Config struct {
	CacheCapacity int
	UseNetwork    bool
	GCInterval    time.Duration
	// Trimmers are shrunk on every maintenance tick.
	Trimmers []store.Trimmer
}

// PoolStat describes one provider pool at a point in time.
type PoolStat struct {
	Provider string `json:"provider"`
	Queued   int    `json:"queued"`
	Running  int    `json:"running"`
	Workers  int    `json:"workers"`
}

type request struct {
	cursor int
	// stale is set once an expired or scaled copy was delivered.
	stale bool
}

// Dispatcher routes tile requests through the provider chain and keeps
// the results in a TileCache. RequestTile never blocks; outcomes reach
// listeners from a single result goroutine.
type Dispatcher struct {
	cache      *cache.TileCache
	pools      []*worker.Pool
	results    chan worker.Result
	clock      clock.Clock
	logger     *zap.Logger
	stats      *Stats
	listeners  *Listeners
	waiter     *Waiter
	useNetwork atomic.Bool
	gcInterval time.Duration
	trimmers   []store.Trimmer

	mu       sync.Mutex
	inFlight map[tilekey.Key]*request

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config, sources []Source, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}

	buffer := 1
	for _, s := range sources {
		buffer += s.Workers
	}

	d := &Dispatcher{
		cache:      cache.New(cfg.CacheCapacity, logger.Named("cache")),
		results:    make(chan worker.Result, buffer),
		clock:      clk,
		logger:     logger,
		stats:      &Stats{},
		listeners:  &Listeners{},
		waiter:     NewWaiter(),
		gcInterval: cfg.GCInterval,
		trimmers:   cfg.Trimmers,
		inFlight:   make(map[tilekey.Key]*request),
		done:       make(chan struct{}),
	}
	d.useNetwork.Store(cfg.UseNetwork)
	d.cache.OnEvict(func(tilekey.Key) { d.stats.evictions.Add(1) })
	d.listeners.Add(d.waiter)

	for i, s := range sources {
		d.pools = append(d.pools, worker.NewPool(i, s.Provider, s.Workers, s.MaxQueue, d.results, logger.Named("worker")))
	}

	d.wg.Add(1)
	go d.consume()
	return d
}

// Subscribe registers l for every outcome and returns its removal func.
func (d *Dispatcher) Subscribe(l Listener) func() {
	return d.listeners.Add(l)
}

// RequestTile schedules key unless a fresh copy is cached.
func (d *Dispatcher) RequestTile(key tilekey.Key) {
	d.GetTile(key)
}

// GetTile returns the cached tile, fresh or stale, and schedules a load
// when it is missing or stale.
func (d *Dispatcher) GetTile(key tilekey.Key) (bitmap.Bitmap, bool) {
	bmp, _, ok := d.get(key)
	return bmp, ok
}

func (d *Dispatcher) get(key tilekey.Key) (bitmap.Bitmap, time.Time, bool) {
	d.stats.requests.Add(1)

	bmp, expires, ok := d.cache.GetWithExpiry(key)
	if ok && d.fresh(expires) {
		d.stats.hits.Add(1)
		return bmp, expires, true
	}
	d.stats.misses.Add(1)
	d.schedule(key)
	return bmp, expires, ok
}

// Fetch returns the cached tile or waits for the chain to produce one.
// It fails with ErrTileFailed, ErrTileDropped or the context error.
func (d *Dispatcher) Fetch(ctx context.Context, key tilekey.Key) (bitmap.Bitmap, time.Time, error) {
	ch, cancel := d.waiter.Watch(key)
	defer cancel()

	if bmp, expires, ok := d.get(key); ok {
		return bmp, expires, nil
	}
	bmp, err := d.waiter.Await(ctx, ch)
	if err != nil {
		return nil, time.Time{}, err
	}
	if cached, expires, ok := d.cache.GetWithExpiry(key); ok && cached == bmp {
		return bmp, expires, nil
	}
	return bmp, time.Time{}, nil
}

func (d *Dispatcher) fresh(expires time.Time) bool {
	return expires.IsZero() || expires.After(d.clock.Now())
}

func (d *Dispatcher) schedule(key tilekey.Key) {
	d.mu.Lock()
	if req, ok := d.inFlight[key]; ok {
		promoted := d.pools[req.cursor].Promote(key)
		d.mu.Unlock()
		if promoted {
			d.stats.promotions.Add(1)
		}
		return
	}

	req := &request{}
	d.inFlight[key] = req
	exhausted := d.advanceLocked(key, req, 0)
	d.mu.Unlock()

	if exhausted {
		d.fail(key)
	}
}

// advanceLocked hands key to the first eligible provider at or after from.
// It reports whether the chain is exhausted and the request must fail.
func (d *Dispatcher) advanceLocked(key tilekey.Key, req *request, from int) bool {
	for i := from; i < len(d.pools); i++ {
		p := d.pools[i].Provider()
		if !provider.InRange(p, key) {
			continue
		}
		if p.UsesNetwork() && !d.useNetwork.Load() {
			continue
		}

		req.cursor = i
		dropped, _ := d.pools[i].Submit(key)
		for _, k := range dropped {
			d.forgetLocked(i, k)
		}
		return false
	}

	delete(d.inFlight, key)
	return !req.stale
}

// forgetLocked drops the request for key after pool i pushed it out.
func (d *Dispatcher) forgetLocked(i int, key tilekey.Key) {
	req, ok := d.inFlight[key]
	if !ok || req.cursor != i {
		return
	}
	delete(d.inFlight, key)
	d.stats.queueDrops.Add(1)
	d.logger.Debug("Tile request dropped from full queue",
		zap.Stringer("tile", key),
		zap.String("provider", d.pools[i].Provider().Name()),
	)
	d.waiter.onTileDropped(key)
}

func (d *Dispatcher) consume() {
	defer d.wg.Done()

	for {
		select {
		case r := <-d.results:
			d.handle(r)
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) handle(r worker.Result) {
	if r.Err != nil {
		d.decline(r)
		return
	}

	tile := r.Tile
	d.mu.Lock()
	req, ok := d.inFlight[r.Key]
	if !ok || req.cursor != r.Provider {
		d.mu.Unlock()
		tile.Bitmap.Close()
		return
	}

	if tile.State == provider.StateScaled && d.cache.Contains(r.Key) {
		// an expired copy beats an approximation
		req.stale = true
		d.advanceLocked(r.Key, req, r.Provider+1)
		d.mu.Unlock()
		tile.Bitmap.Close()
		return
	}

	// a stale copy must never look fresh to the next GetTile
	expires := tile.ExpiresAt
	if tile.Stale() {
		if now := d.clock.Now(); expires.IsZero() || expires.After(now) {
			expires = now
		}
	}
	d.cache.Put(r.Key, tile.Bitmap, expires)

	if !tile.Stale() {
		delete(d.inFlight, r.Key)
		d.mu.Unlock()
		d.stats.loaded.Add(1)
		d.listeners.OnTileLoaded(r.Key, tile.Bitmap)
		return
	}

	req.stale = true
	d.advanceLocked(r.Key, req, r.Provider+1)
	d.mu.Unlock()

	d.stats.stale.Add(1)
	d.logger.Debug("Delivered stale tile, looking further",
		zap.Stringer("tile", r.Key),
		zap.Stringer("state", tile.State),
	)
	d.listeners.OnTileLoaded(r.Key, tile.Bitmap)
}

func (d *Dispatcher) decline(r worker.Result) {
	name := d.pools[r.Provider].Provider().Name()

	switch {
	case errors.Is(r.Err, provider.ErrDeclined):
		d.stats.declines.Add(1)
		d.logger.Debug("Provider declined tile", zap.Stringer("tile", r.Key), zap.String("provider", name))
	case errors.Is(r.Err, worker.ErrProviderPanic):
		d.stats.panics.Add(1)
		d.logger.Error("Provider panicked", zap.Stringer("tile", r.Key), zap.String("provider", name), zap.Error(r.Err))
	case errors.Is(r.Err, provider.ErrCantContinue):
		d.stats.declines.Add(1)
	default:
		d.stats.ioFailures.Add(1)
		d.logger.Warn("Provider failed to load tile", zap.Stringer("tile", r.Key), zap.String("provider", name), zap.Error(r.Err))
	}

	d.mu.Lock()
	req, ok := d.inFlight[r.Key]
	if !ok || req.cursor != r.Provider {
		d.mu.Unlock()
		return
	}
	exhausted := d.advanceLocked(r.Key, req, r.Provider+1)
	d.mu.Unlock()

	if exhausted {
		d.fail(r.Key)
	}
}

func (d *Dispatcher) fail(key tilekey.Key) {
	d.stats.failed.Add(1)
	d.logger.Debug("No provider could supply tile", zap.Stringer("tile", key))
	d.listeners.OnTileFailed(key)
}

// SetProtectedTiles marks the visible tiles. The cache grows to hold them
// all and garbage collection never evicts them.
func (d *Dispatcher) SetProtectedTiles(keys []tilekey.Key) {
	d.cache.SetProtected(keys)
	d.cache.EnsureCapacity(len(keys))
}

// GarbageCollect trims the cache to capacity and returns the number evicted.
func (d *Dispatcher) GarbageCollect() int {
	d.stats.gcRuns.Add(1)
	return d.cache.GarbageCollect()
}

func (d *Dispatcher) SetUseNetwork(on bool) {
	d.useNetwork.Store(on)
	d.logger.Info("Network use changed", zap.Bool("enabled", on))
}

func (d *Dispatcher) UseNetwork() bool {
	return d.useNetwork.Load()
}

func (d *Dispatcher) Stats() Snapshot {
	return d.stats.Snapshot()
}

func (d *Dispatcher) ResetStats() {
	d.stats.Reset()
}

func (d *Dispatcher) CacheSize() int {
	return d.cache.Size()
}

func (d *Dispatcher) CacheCapacity() int {
	return d.cache.Capacity()
}

// InFlight counts requests still walking the chain.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dispatcher) Pools() []PoolStat {
	out := make([]PoolStat, 0, len(d.pools))
	for _, p := range d.pools {
		out = append(out, PoolStat{
			Provider: p.Provider().Name(),
			Queued:   p.QueueLen(),
			Running:  p.Running(),
			Workers:  p.Size(),
		})
	}
	return out
}

// Serve runs cache garbage collection and store trimming until ctx ends.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.gcInterval)
	defer ticker.Stop()

	d.logger.Info("Dispatcher maintenance started", zap.Duration("interval", d.gcInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.maintain(ctx)
		}
	}
}

func (d *Dispatcher) maintain(ctx context.Context) {
	if n := d.GarbageCollect(); n > 0 {
		d.logger.Debug("Evicted tiles", zap.Int("count", n), zap.Int("size", d.cache.Size()))
	}
	for _, t := range d.trimmers {
		n, err := t.Trim(ctx)
		if err != nil {
			d.logger.Warn("Store trim failed", zap.Error(err))
			continue
		}
		if n > 0 {
			d.logger.Info("Trimmed tile store", zap.Int("removed", n))
		}
	}
}

func (d *Dispatcher) String() string {
	return "dispatcher-maintenance"
}

// Close stops every pool, drops pending requests and releases the cache.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		for _, p := range d.pools {
			p.Close()
		}
		close(d.done)
		d.wg.Wait()

		d.mu.Lock()
		d.inFlight = make(map[tilekey.Key]*request)
		d.mu.Unlock()
		d.cache.Clear()

		for _, p := range d.pools {
			if c, ok := p.Provider().(io.Closer); ok {
				multierr.AppendInto(&err, c.Close())
			}
		}
	})
	return err
}
