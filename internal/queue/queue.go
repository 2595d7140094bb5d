package queue

import (
	"container/list"
	"sync"

	"tilecache/internal/tilekey"
)

// Queue holds the keys waiting for a provider, most recently requested
// first, plus the keys currently claimed by a worker.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	items   map[tilekey.Key]*list.Element
	order   *list.List // front is the most recently requested
	working map[tilekey.Key]struct{}
}

// New creates a queue holding at most maxSize keys. Zero means unbounded.
func New(maxSize int) *Queue {
	return &Queue{
		maxSize: maxSize,
		items:   make(map[tilekey.Key]*list.Element),
		order:   list.New(),
		working: make(map[tilekey.Key]struct{}),
	}
}

// Enqueue adds key at the most recently requested position. A key that is
// already waiting jumps to the front; a key already claimed by a worker is
// left alone. When the queue overflows, the least recently requested
// unclaimed keys are dropped and returned.
func (q *Queue) Enqueue(key tilekey.Key) (dropped []tilekey.Key, promoted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.working[key]; ok {
		return nil, false
	}
	if elem, ok := q.items[key]; ok {
		q.order.MoveToFront(elem)
		return nil, true
	}

	q.items[key] = q.order.PushFront(key)

	if q.maxSize <= 0 {
		return nil, false
	}
	for elem := q.order.Back(); len(q.items) > q.maxSize && elem != nil; {
		prev := elem.Prev()
		k := elem.Value.(tilekey.Key)
		if _, busy := q.working[k]; !busy {
			q.order.Remove(elem)
			delete(q.items, k)
			dropped = append(dropped, k)
		}
		elem = prev
	}
	return dropped, false
}

// Promote moves key to the front if it is waiting and unclaimed.
func (q *Queue) Promote(key tilekey.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, busy := q.working[key]; busy {
		return false
	}
	elem, ok := q.items[key]
	if !ok {
		return false
	}
	q.order.MoveToFront(elem)
	return true
}

// Next claims the most recently requested key not already being worked on.
func (q *Queue) Next() (tilekey.Key, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		k := elem.Value.(tilekey.Key)
		if _, busy := q.working[k]; busy {
			continue
		}
		q.working[k] = struct{}{}
		return k, true
	}
	return 0, false
}

// HasEligible reports whether Next would return a key.
func (q *Queue) HasEligible() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > len(q.working)
}

// Complete removes key from both the pending and the working set.
func (q *Queue) Complete(key tilekey.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if elem, ok := q.items[key]; ok {
		q.order.Remove(elem)
		delete(q.items, key)
	}
	delete(q.working, key)
}

// Clear drops all state and returns the keys that were waiting or claimed.
func (q *Queue) Clear() []tilekey.Key {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]tilekey.Key, 0, len(q.items))
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(tilekey.Key))
	}
	q.items = make(map[tilekey.Key]*list.Element)
	q.order = list.New()
	q.working = make(map[tilekey.Key]struct{})
	return keys
}

// Pending returns the waiting keys that no worker has claimed, front first.
func (q *Queue) Pending() []tilekey.Key {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]tilekey.Key, 0, len(q.items)-len(q.working))
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		k := elem.Value.(tilekey.Key)
		if _, busy := q.working[k]; !busy {
			keys = append(keys, k)
		}
	}
	return keys
}

func (q *Queue) Working() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.working)
}

// Len counts waiting and claimed keys.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
