package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"tilecache/internal/clock"
	"tilecache/internal/provider"
	"tilecache/internal/store"
	"tilecache/internal/tilekey"
)

var (
	ErrBulkForbidden = errors.New("tile source forbids bulk download")
	ErrClosed        = errors.New("bulk manager closed")
	ErrAreaTooLarge  = errors.New("area has too many tiles")
)

var validate = validator.New()

// Area is a lon/lat box and an inclusive zoom range.
type Area struct {
	MinLon  float64 `json:"min_lon" validate:"gte=-180,lte=180"`
	MinLat  float64 `json:"min_lat" validate:"gte=-85.0511,lte=85.0511"`
	MaxLon  float64 `json:"max_lon" validate:"gte=-180,lte=180,gtefield=MinLon"`
	MaxLat  float64 `json:"max_lat" validate:"gte=-85.0511,lte=85.0511,gtefield=MinLat"`
	MinZoom int     `json:"min_zoom" validate:"gte=0,lte=29"`
	MaxZoom int     `json:"max_zoom" validate:"gte=0,lte=29,gtefield=MinZoom"`
}

func (a Area) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid area: %w", err)
	}
	return nil
}

func (a Area) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{a.MinLon, a.MinLat},
		Max: orb.Point{a.MaxLon, a.MaxLat},
	}
}

// Progress is reported after every tile. Done counts skipped and failed
// tiles too.
type Progress struct {
	Done    int `json:"done"`
	Total   int `json:"total"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
	Zoom    int `json:"zoom"`
}

// Source downloads raw tiles and saves them to the store.
// *provider.NetworkProvider implements it.
type Source interface {
	Source() string
	Policy() provider.Policy
	MinZoom() int
	MaxZoom() int
	Download(ctx context.Context, key tilekey.Key) (*provider.Download, error)
}

type Manager struct {
	source  Source
	store   store.Store
	clock   clock.Clock
	workers int
	// maxTiles caps PossibleTilesInArea; 0 means no cap.
	maxTiles int
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

func NewManager(src Source, st store.Store, clk clock.Clock, workers, maxTiles int, logger *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source:  src,
		store:   st,
		clock:   clk,
		workers:  src.Policy().Concurrency(workers),
		maxTiles: max(0, maxTiles),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job),
	}
}

// zoomRange clips the area to the zooms the source serves. ok is false
// when nothing is left.
func (m *Manager) zoomRange(area Area) (lo, hi int, ok bool) {
	lo = max(area.MinZoom, m.source.MinZoom())
	hi = min(area.MaxZoom, m.source.MaxZoom())
	return lo, hi, lo <= hi
}

// PossibleTilesInArea counts the tiles a download of area would visit.
func (m *Manager) PossibleTilesInArea(area Area) int {
	lo, hi, ok := m.zoomRange(area)
	if !ok {
		return 0
	}
	bound := area.Bound()
	total := 0
	for z := lo; z <= hi; z++ {
		total += tilekey.CoverCount(bound, z)
	}
	return total
}

// check validates area and returns its tile count, refusing areas over
// the configured cap.
func (m *Manager) check(area Area) (int, error) {
	if err := area.Validate(); err != nil {
		return 0, err
	}
	total := m.PossibleTilesInArea(area)
	if m.maxTiles > 0 && total > m.maxTiles {
		return total, fmt.Errorf("%w: %d tiles, limit is %d", ErrAreaTooLarge, total, m.maxTiles)
	}
	return total, nil
}

// toBeDownloaded reports whether key is missing or expired in the store.
func (m *Manager) toBeDownloaded(ctx context.Context, key tilekey.Key) bool {
	entry, err := m.store.Get(ctx, m.source.Source(), key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("Store lookup failed", zap.Stringer("tile", key), zap.Error(err))
		}
		return true
	}
	return entry.Expired(m.clock.Now())
}

// Download fetches every tile of area that is not already fresh in the
// store. progress may be called from several goroutines at once.
func (m *Manager) Download(ctx context.Context, area Area, progress func(Progress)) (Progress, error) {
	if !m.source.Policy().AcceptsBulkDownload() {
		return Progress{}, ErrBulkForbidden
	}
	total, err := m.check(area)
	if err != nil {
		return Progress{Total: total}, err
	}
	lo, hi, ok := m.zoomRange(area)
	if !ok {
		return Progress{Total: total}, nil
	}

	var done, skipped, failed atomic.Int64
	snapshot := func(z int) Progress {
		return Progress{
			Done:    int(done.Load()),
			Total:   total,
			Skipped: int(skipped.Load()),
			Errors:  int(failed.Load()),
			Zoom:    z,
		}
	}

	semaphore := make(chan struct{}, m.workers)
	var wg sync.WaitGroup
	bound := area.Bound()

	for z := lo; z <= hi; z++ {
		for key := range tilekey.Cover(bound, z) {
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return snapshot(z), ctx.Err()
			}

			wg.Add(1)
			go func(key tilekey.Key, z int) {
				defer wg.Done()
				defer func() { <-semaphore }()

				if !m.toBeDownloaded(ctx, key) {
					skipped.Add(1)
				} else if _, err := m.source.Download(ctx, key); err != nil {
					failed.Add(1)
					m.logger.Debug("Bulk download failed", zap.Stringer("tile", key), zap.Error(err))
				}
				done.Add(1)
				if progress != nil {
					progress(snapshot(z))
				}
			}(key, z)
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return snapshot(hi), err
	}

	p := snapshot(hi)
	m.logger.Info("Bulk download finished",
		zap.String("source", m.source.Source()),
		zap.Int("total", p.Total),
		zap.Int("skipped", p.Skipped),
		zap.Int("errors", p.Errors),
	)
	return p, nil
}

// Clean removes every stored tile of area within the source zooms and
// returns how many keys it visited.
func (m *Manager) Clean(ctx context.Context, area Area) (int, error) {
	if _, err := m.check(area); err != nil {
		return 0, err
	}
	lo, hi, ok := m.zoomRange(area)
	if !ok {
		return 0, nil
	}
	bound := area.Bound()
	n := 0
	for z := lo; z <= hi; z++ {
		for key := range tilekey.Cover(bound, z) {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			if err := m.store.Delete(ctx, m.source.Source(), key); err != nil {
				return n, fmt.Errorf("clean %s: %w", key, err)
			}
			n++
		}
	}
	m.logger.Info("Bulk clean finished", zap.String("source", m.source.Source()), zap.Int("tiles", n))
	return n, nil
}

type JobKind string

const (
	JobDownload JobKind = "download"
	JobClean    JobKind = "clean"
)

type JobState string

const (
	JobRunning  JobState = "running"
	JobDone     JobState = "done"
	JobFailed   JobState = "failed"
	JobCanceled JobState = "canceled"
)

// Job is a snapshot of a background download or clean.
type Job struct {
	ID       string     `json:"id"`
	Kind     JobKind    `json:"kind"`
	Area     Area       `json:"area"`
	State    JobState   `json:"state"`
	Progress Progress   `json:"progress"`
	Error    string     `json:"error,omitempty"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
}

type job struct {
	mu  sync.Mutex
	job Job
}

func (j *job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.job
}

func (j *job) report(p Progress) {
	j.mu.Lock()
	// reports from parallel workers may arrive out of order
	if p.Done > j.job.Progress.Done {
		j.job.Progress = p
	}
	j.mu.Unlock()
}

func (j *job) finish(p Progress, err error, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.job.Progress = p
	j.job.Finished = &now
	switch {
	case err == nil:
		j.job.State = JobDone
	case errors.Is(err, context.Canceled):
		j.job.State = JobCanceled
		j.job.Error = err.Error()
	default:
		j.job.State = JobFailed
		j.job.Error = err.Error()
	}
}

// StartDownload runs Download in the background. Policy and area errors
// are returned right away.
func (m *Manager) StartDownload(area Area) (Job, error) {
	if !m.source.Policy().AcceptsBulkDownload() {
		return Job{}, ErrBulkForbidden
	}
	total, err := m.check(area)
	if err != nil {
		return Job{}, err
	}
	return m.start(JobDownload, area, total, func(ctx context.Context, j *job) (Progress, error) {
		return m.Download(ctx, area, j.report)
	})
}

// StartClean runs Clean in the background.
func (m *Manager) StartClean(area Area) (Job, error) {
	total, err := m.check(area)
	if err != nil {
		return Job{}, err
	}
	return m.start(JobClean, area, total, func(ctx context.Context, j *job) (Progress, error) {
		n, err := m.Clean(ctx, area)
		return Progress{Done: n, Total: total, Zoom: area.MaxZoom}, err
	})
}

func (m *Manager) start(kind JobKind, area Area, total int, run func(context.Context, *job) (Progress, error)) (Job, error) {
	j := &job{job: Job{
		ID:       uuid.NewString(),
		Kind:     kind,
		Area:     area,
		State:    JobRunning,
		Progress: Progress{Total: total, Zoom: area.MinZoom},
		Started:  m.clock.Now(),
	}}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return Job{}, ErrClosed
	}
	m.jobs[j.job.ID] = j
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		p, err := m.run(j, run)
		j.finish(p, err, m.clock.Now())
		if err != nil {
			m.logger.Warn("Bulk job ended with error", zap.String("job", j.job.ID), zap.String("kind", string(kind)), zap.Error(err))
		}
	}()
	return j.snapshot(), nil
}

// run keeps a panicking job from taking the process down with it.
func (m *Manager) run(j *job, fn func(context.Context, *job) (Progress, error)) (p Progress, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Bulk job panicked", zap.String("job", j.job.ID), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("bulk job panicked: %v", r)
		}
	}()
	return fn(m.ctx, j)
}

func (m *Manager) Job(id string) (Job, bool) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Close cancels running jobs and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}
