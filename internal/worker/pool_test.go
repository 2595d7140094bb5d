package worker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"tilecache/internal/provider"
	"tilecache/internal/tilekey"
)

type fakeBitmap struct{}

func (fakeBitmap) Width() int     { return 256 }
func (fakeBitmap) Height() int    { return 256 }
func (fakeBitmap) Format() string { return "png" }
func (fakeBitmap) Bytes() []byte  { return nil }
func (fakeBitmap) Close()         {}

// gatedProvider blocks every call until release is closed and records the
// order in which keys were loaded.
type gatedProvider struct {
	provider.ZoomRange
	started chan tilekey.Key
	release chan struct{}
	load    func(tilekey.Key) (*provider.Tile, error)

	mu    sync.Mutex
	order []tilekey.Key
}

func newGated(load func(tilekey.Key) (*provider.Tile, error)) *gatedProvider {
	return &gatedProvider{
		ZoomRange: provider.FullZoomRange,
		started:   make(chan tilekey.Key, 64),
		release:   make(chan struct{}),
		load:      load,
	}
}

func (p *gatedProvider) Name() string      { return "gated" }
func (p *gatedProvider) UsesNetwork() bool { return false }

func (p *gatedProvider) LoadTile(ctx context.Context, key tilekey.Key) (*provider.Tile, error) {
	p.mu.Lock()
	p.order = append(p.order, key)
	p.mu.Unlock()
	p.started <- key
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.load != nil {
		return p.load(key)
	}
	return &provider.Tile{Bitmap: fakeBitmap{}}, nil
}

func (p *gatedProvider) loaded() []tilekey.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tilekey.Key(nil), p.order...)
}

func collect(t *testing.T, results <-chan Result, n int) []Result {
	t.Helper()
	out := make([]Result, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case r := <-results:
			out = append(out, r)
		case <-timeout:
			t.Fatalf("got %d of %d results", len(out), n)
		}
	}
	return out
}

func waitStarted(t *testing.T, p *gatedProvider) tilekey.Key {
	t.Helper()
	select {
	case k := <-p.started:
		return k
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
		return 0
	}
}

func TestPoolServesMostRecentFirst(t *testing.T) {
	a, b, c := tilekey.New(5, 1, 1), tilekey.New(5, 1, 2), tilekey.New(5, 1, 3)

	cases := []struct {
		name   string
		submit []tilekey.Key
		want   []tilekey.Key
	}{
		{"later requests first", []tilekey.Key{b, c}, []tilekey.Key{a, c, b}},
		{"repeat jumps the queue", []tilekey.Key{b, c, b}, []tilekey.Key{a, b, c}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newGated(nil)
			results := make(chan Result, 8)
			pool := NewPool(0, p, 1, 40, results, zaptest.NewLogger(t))
			defer pool.Close()

			pool.Submit(a)
			waitStarted(t, p)
			for _, k := range tc.submit {
				pool.Submit(k)
			}
			close(p.release)

			collect(t, results, len(tc.want))
			if got := p.loaded(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("order = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPoolSpawnsUpToSize(t *testing.T) {
	p := newGated(nil)
	results := make(chan Result, 16)
	pool := NewPool(0, p, 3, 40, results, zaptest.NewLogger(t))
	defer pool.Close()

	for y := 0; y < 6; y++ {
		pool.Submit(tilekey.New(8, 0, y))
	}
	for i := 0; i < 3; i++ {
		waitStarted(t, p)
	}
	if n := pool.Running(); n != 3 {
		t.Fatalf("running = %d, want 3", n)
	}
	close(p.release)

	collect(t, results, 6)
	deadline := time.Now().Add(5 * time.Second)
	for pool.Running() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("workers still running: %d", pool.Running())
		}
		time.Sleep(time.Millisecond)
	}

	// an idle pool starts again on new work
	pool.Submit(tilekey.New(8, 1, 0))
	r := collect(t, results, 1)[0]
	if r.Err != nil || r.Tile == nil {
		t.Fatalf("result = %+v", r)
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	p := newGated(func(tilekey.Key) (*provider.Tile, error) {
		panic("boom")
	})
	close(p.release)
	results := make(chan Result, 1)
	pool := NewPool(2, p, 1, 40, results, zaptest.NewLogger(t))
	defer pool.Close()

	key := tilekey.New(3, 1, 1)
	pool.Submit(key)
	r := collect(t, results, 1)[0]
	if r.Key != key || r.Provider != 2 {
		t.Fatalf("result = %+v", r)
	}
	if !errors.Is(r.Err, ErrProviderPanic) {
		t.Fatalf("err = %v", r.Err)
	}
}

func TestPoolNilTileIsDecline(t *testing.T) {
	p := newGated(func(tilekey.Key) (*provider.Tile, error) {
		return nil, nil
	})
	close(p.release)
	results := make(chan Result, 1)
	pool := NewPool(0, p, 1, 40, results, zaptest.NewLogger(t))
	defer pool.Close()

	pool.Submit(tilekey.New(3, 1, 1))
	if r := collect(t, results, 1)[0]; !errors.Is(r.Err, provider.ErrDeclined) {
		t.Fatalf("err = %v", r.Err)
	}
}

func TestPoolCantContinueClearsQueue(t *testing.T) {
	a := tilekey.New(5, 0, 0)
	p := newGated(func(k tilekey.Key) (*provider.Tile, error) {
		return nil, provider.ErrCantContinue
	})
	results := make(chan Result, 8)
	pool := NewPool(0, p, 1, 40, results, zaptest.NewLogger(t))
	defer pool.Close()

	pool.Submit(a)
	waitStarted(t, p)
	pool.Submit(tilekey.New(5, 0, 1))
	pool.Submit(tilekey.New(5, 0, 2))
	close(p.release)

	got := collect(t, results, 3)
	for _, r := range got {
		if !errors.Is(r.Err, provider.ErrCantContinue) {
			t.Fatalf("result = %+v", r)
		}
	}
	if n := len(p.loaded()); n != 1 {
		t.Fatalf("provider called %d times after giving up", n)
	}
	if pool.QueueLen() != 0 {
		t.Fatalf("queue len = %d", pool.QueueLen())
	}
}

func TestPoolOverflowReturnsDropped(t *testing.T) {
	p := newGated(nil)
	results := make(chan Result, 8)
	pool := NewPool(0, p, 1, 2, results, zaptest.NewLogger(t))
	defer pool.Close()

	first := tilekey.New(6, 0, 0)
	pool.Submit(first)
	waitStarted(t, p)
	pool.Submit(tilekey.New(6, 0, 1))
	dropped, _ := pool.Submit(tilekey.New(6, 0, 2))
	if !reflect.DeepEqual(dropped, []tilekey.Key{tilekey.New(6, 0, 1)}) {
		t.Fatalf("dropped = %v", dropped)
	}
}

func TestPoolCloseRejectsWork(t *testing.T) {
	p := newGated(nil)
	results := make(chan Result, 1)
	pool := NewPool(0, p, 1, 40, results, zaptest.NewLogger(t))

	pool.Submit(tilekey.New(2, 0, 0))
	waitStarted(t, p)
	pool.Close()

	key := tilekey.New(2, 1, 1)
	if dropped, _ := pool.Submit(key); !reflect.DeepEqual(dropped, []tilekey.Key{key}) {
		t.Fatalf("dropped = %v", dropped)
	}
}
