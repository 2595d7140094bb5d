package cache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"tilecache/internal/bitmap"
	"tilecache/internal/tilekey"
)

type entry struct {
	key       tilekey.Key
	value     bitmap.Bitmap
	expiresAt time.Time
}

// TileCache is an in-memory LRU of decoded tiles. Put never evicts;
// eviction happens only in GarbageCollection, which skips protected keys.
type TileCache struct {
	mu        sync.Mutex
	capacity  int
	items     map[tilekey.Key]*list.Element
	lruList   *list.List
	protected map[tilekey.Key]struct{}
	onEvict   func(tilekey.Key)
	logger    *zap.Logger
}

func New(capacity int, logger *zap.Logger) *TileCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TileCache{
		capacity:  capacity,
		items:     make(map[tilekey.Key]*list.Element),
		lruList:   list.New(),
		protected: make(map[tilekey.Key]struct{}),
		logger:    logger,
	}
}

// OnEvict registers a hook called, under the cache lock, for every key
// removed by GarbageCollection.
func (c *TileCache) OnEvict(fn func(tilekey.Key)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

func (c *TileCache) Get(key tilekey.Key) (bitmap.Bitmap, bool) {
	bmp, _, ok := c.GetWithExpiry(key)
	return bmp, ok
}

// GetWithExpiry is Get plus the expiration stored with the tile.
// A zero time means the tile never expires.
func (c *TileCache) GetWithExpiry(key tilekey.Key) (bitmap.Bitmap, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, time.Time{}, false
	}

	c.lruList.MoveToFront(elem)
	ent := elem.Value.(*entry)
	return ent.value, ent.expiresAt, true
}

// Contains checks presence without touching recency.
func (c *TileCache) Contains(key tilekey.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

func (c *TileCache) Put(key tilekey.Key, value bitmap.Bitmap, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		if ent.value != value && ent.value != nil {
			ent.value.Close()
		}
		ent.value = value
		ent.expiresAt = expiresAt
		c.lruList.MoveToFront(elem)
		return
	}

	ent := &entry{key: key, value: value, expiresAt: expiresAt}
	c.items[key] = c.lruList.PushFront(ent)
}

// SetProtected replaces the set of keys GarbageCollect must keep.
func (c *TileCache) SetProtected(keys []tilekey.Key) {
	protected := make(map[tilekey.Key]struct{}, len(keys))
	for _, k := range keys {
		protected[k] = struct{}{}
	}

	c.mu.Lock()
	c.protected = protected
	c.mu.Unlock()
}

// GarbageCollect runs GarbageCollection with the set given to SetProtected.
func (c *TileCache) GarbageCollect() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collect(c.protected)
}

// GarbageCollection removes least recently used entries that are not in
// protected until Size() <= Capacity(). It returns the number removed.
func (c *TileCache) GarbageCollection(protected map[tilekey.Key]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collect(protected)
}

func (c *TileCache) collect(protected map[tilekey.Key]struct{}) int {
	removed := 0
	elem := c.lruList.Back()
	for c.lruList.Len() > c.capacity && elem != nil {
		prev := elem.Prev()
		ent := elem.Value.(*entry)
		if _, keep := protected[ent.key]; !keep {
			c.lruList.Remove(elem)
			delete(c.items, ent.key)
			if ent.value != nil {
				ent.value.Close()
			}
			if c.onEvict != nil {
				c.onEvict(ent.key)
			}
			removed++
		}
		elem = prev
	}

	if c.lruList.Len() > c.capacity {
		c.logger.Debug("Cache above capacity after collection",
			zap.Int("size", c.lruList.Len()),
			zap.Int("capacity", c.capacity),
			zap.Int("protected", len(protected)),
		)
	}
	return removed
}

// EnsureCapacity grows the capacity to at least n. It never shrinks.
func (c *TileCache) EnsureCapacity(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= c.capacity {
		return false
	}
	c.logger.Info("Growing tile cache", zap.Int("from", c.capacity), zap.Int("to", n))
	c.capacity = n
	return true
}

func (c *TileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.lruList.Front(); elem != nil; elem = elem.Next() {
		if v := elem.Value.(*entry).value; v != nil {
			v.Close()
		}
	}
	c.items = make(map[tilekey.Key]*list.Element)
	c.lruList = list.New()
}

func (c *TileCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *TileCache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}
