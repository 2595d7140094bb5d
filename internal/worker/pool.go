package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tilecache/internal/provider"
	"tilecache/internal/queue"
	"tilecache/internal/tilekey"
)

var ErrProviderPanic = errors.New("provider panicked")

// Result reports the outcome of one provider call. Provider is the index
// of the pool in the chain.
type Result struct {
	Key      tilekey.Key
	Provider int
	Tile     *provider.Tile
	Err      error
}

// Pool runs up to size goroutines for one provider. Workers are started
// when work arrives and exit once the queue has nothing left to claim.
type Pool struct {
	index    int
	provider provider.Provider
	queue    *queue.Queue
	size     int
	results  chan<- Result
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running int
	closed  bool
}

func NewPool(index int, p provider.Provider, size, maxQueue int, results chan<- Result, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		index:    index,
		provider: p,
		queue:    queue.New(maxQueue),
		size:     size,
		results:  results,
		logger:   logger.With(zap.String("provider", p.Name())),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *Pool) Provider() provider.Provider {
	return p.provider
}

func (p *Pool) Size() int {
	return p.size
}

// Submit queues key for this provider, or promotes it if it is already
// waiting. Keys pushed out by the queue bound are returned.
func (p *Pool) Submit(key tilekey.Key) (dropped []tilekey.Key, promoted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return []tilekey.Key{key}, false
	}
	dropped, promoted = p.queue.Enqueue(key)
	if p.running < p.size && p.queue.HasEligible() {
		p.running++
		p.wg.Add(1)
		go p.run()
	}
	return dropped, promoted
}

// Promote moves a waiting key to the front without queueing it anew.
func (p *Pool) Promote(key tilekey.Key) bool {
	return p.queue.Promote(key)
}

// Running is the number of live worker goroutines.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) Pending() []tilekey.Key {
	return p.queue.Pending()
}

func (p *Pool) QueueLen() int {
	return p.queue.Len()
}

// Close stops accepting work, drops what is queued and waits for the
// calls already running. Their context is cancelled.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.queue.Clear()
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()

	for {
		key, ok := p.queue.Next()
		if !ok {
			// Submit enqueues under p.mu, so either the new key is visible
			// here or Submit sees the decremented count and starts a worker.
			p.mu.Lock()
			if !p.closed && p.queue.HasEligible() {
				p.mu.Unlock()
				continue
			}
			p.running--
			p.mu.Unlock()
			return
		}
		p.process(key)
	}
}

func (p *Pool) process(key tilekey.Key) {
	tile, err := p.load(key)

	if errors.Is(err, provider.ErrCantContinue) {
		cleared := p.queue.Clear()
		p.logger.Error("Provider cannot continue, clearing queue",
			zap.Stringer("tile", key),
			zap.Int("cleared", len(cleared)),
			zap.Error(err),
		)
		for _, k := range cleared {
			p.send(Result{Key: k, Provider: p.index, Err: err})
		}
		return
	}

	p.queue.Complete(key)
	p.send(Result{Key: key, Provider: p.index, Tile: tile, Err: err})
}

func (p *Pool) load(key tilekey.Key) (tile *provider.Tile, err error) {
	defer func() {
		if r := recover(); r != nil {
			tile = nil
			err = fmt.Errorf("%w: %v", ErrProviderPanic, r)
		}
	}()

	tile, err = p.provider.LoadTile(p.ctx, key)
	if err == nil && (tile == nil || tile.Bitmap == nil) {
		return nil, provider.ErrDeclined
	}
	return tile, err
}

func (p *Pool) send(r Result) {
	select {
	case p.results <- r:
	case <-p.ctx.Done():
		if r.Tile != nil && r.Tile.Bitmap != nil {
			r.Tile.Bitmap.Close()
		}
	}
}
