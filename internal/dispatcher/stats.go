package dispatcher

import "sync/atomic"

// Stats counts dispatcher activity. It is owned by one Dispatcher so tests
// never share counters.
type Stats struct {
	requests   atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	promotions atomic.Int64
	loaded     atomic.Int64
	stale      atomic.Int64
	failed     atomic.Int64
	declines   atomic.Int64
	ioFailures atomic.Int64
	panics     atomic.Int64
	queueDrops atomic.Int64
	evictions  atomic.Int64
	gcRuns     atomic.Int64
}

type Snapshot struct {
	Requests   int64 `json:"requests"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Promotions int64 `json:"promotions"`
	Loaded     int64 `json:"loaded"`
	Stale      int64 `json:"stale"`
	Failed     int64 `json:"failed"`
	Declines   int64 `json:"declines"`
	IOFailures int64 `json:"io_failures"`
	Panics     int64 `json:"panics"`
	QueueDrops int64 `json:"queue_drops"`
	Evictions  int64 `json:"evictions"`
	GCRuns     int64 `json:"gc_runs"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Requests:   s.requests.Load(),
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Promotions: s.promotions.Load(),
		Loaded:     s.loaded.Load(),
		Stale:      s.stale.Load(),
		Failed:     s.failed.Load(),
		Declines:   s.declines.Load(),
		IOFailures: s.ioFailures.Load(),
		Panics:     s.panics.Load(),
		QueueDrops: s.queueDrops.Load(),
		Evictions:  s.evictions.Load(),
		GCRuns:     s.gcRuns.Load(),
	}
}

func (s *Stats) Reset() {
	for _, c := range []*atomic.Int64{
		&s.requests, &s.hits, &s.misses, &s.promotions,
		&s.loaded, &s.stale, &s.failed, &s.declines,
		&s.ioFailures, &s.panics, &s.queueDrops, &s.evictions, &s.gcRuns,
	} {
		c.Store(0)
	}
}
