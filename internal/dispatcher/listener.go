package dispatcher

import (
	"context"
	"errors"
	"sync"

	"tilecache/internal/bitmap"
	"tilecache/internal/tilekey"
)

var (
	ErrTileFailed  = errors.New("no provider could supply the tile")
	ErrTileDropped = errors.New("tile request dropped from a full queue")
)

// Listener receives request outcomes. Calls come from the dispatcher's
// result goroutine, never from the caller of RequestTile.
type Listener interface {
	OnTileLoaded(key tilekey.Key, bmp bitmap.Bitmap)
	OnTileFailed(key tilekey.Key)
}

// Listeners fans one outcome out to every registered Listener.
type Listeners struct {
	mu   sync.RWMutex
	next int
	list map[int]Listener
}

// Add registers l and returns a function that removes it.
func (ls *Listeners) Add(l Listener) func() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.list == nil {
		ls.list = make(map[int]Listener)
	}
	id := ls.next
	ls.next++
	ls.list[id] = l

	return func() {
		ls.mu.Lock()
		delete(ls.list, id)
		ls.mu.Unlock()
	}
}

func (ls *Listeners) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	out := make([]Listener, 0, len(ls.list))
	for id := 0; id < ls.next; id++ {
		if l, ok := ls.list[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (ls *Listeners) OnTileLoaded(key tilekey.Key, bmp bitmap.Bitmap) {
	for _, l := range ls.snapshot() {
		l.OnTileLoaded(key, bmp)
	}
}

func (ls *Listeners) OnTileFailed(key tilekey.Key) {
	for _, l := range ls.snapshot() {
		l.OnTileFailed(key)
	}
}

// Outcome is what a Waiter hands back for one key.
type Outcome struct {
	Bitmap bitmap.Bitmap
	Err    error
}

// Waiter lets synchronous callers block until a key resolves.
type Waiter struct {
	mu       sync.Mutex
	watchers map[tilekey.Key]map[chan Outcome]struct{}
}

func NewWaiter() *Waiter {
	return &Waiter{watchers: make(map[tilekey.Key]map[chan Outcome]struct{})}
}

// Watch registers interest in key. It must be called before the request is
// issued so a fast result is not missed. The returned function unregisters.
func (w *Waiter) Watch(key tilekey.Key) (<-chan Outcome, func()) {
	ch := make(chan Outcome, 1)

	w.mu.Lock()
	set, ok := w.watchers[key]
	if !ok {
		set = make(map[chan Outcome]struct{})
		w.watchers[key] = set
	}
	set[ch] = struct{}{}
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if set, ok := w.watchers[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.watchers, key)
			}
		}
	}
}

// Await waits on a channel obtained from Watch.
func (w *Waiter) Await(ctx context.Context, ch <-chan Outcome) (bitmap.Bitmap, error) {
	select {
	case o := <-ch:
		return o.Bitmap, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Waiting is the number of keys with at least one watcher.
func (w *Waiter) Waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watchers)
}

func (w *Waiter) OnTileLoaded(key tilekey.Key, bmp bitmap.Bitmap) {
	w.resolve(key, Outcome{Bitmap: bmp})
}

func (w *Waiter) OnTileFailed(key tilekey.Key) {
	w.resolve(key, Outcome{Err: ErrTileFailed})
}

func (w *Waiter) onTileDropped(key tilekey.Key) {
	w.resolve(key, Outcome{Err: ErrTileDropped})
}

func (w *Waiter) resolve(key tilekey.Key, o Outcome) {
	w.mu.Lock()
	set := w.watchers[key]
	delete(w.watchers, key)
	w.mu.Unlock()

	for ch := range set {
		select {
		case ch <- o:
		default:
		}
	}
}
