package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tilecache/internal/bitmap"
	"tilecache/internal/bulk"
	"tilecache/internal/clock"
	"tilecache/internal/dispatcher"
	"tilecache/internal/metrics"
	"tilecache/internal/tilekey"
)

// Tiles is the part of the dispatcher the handlers drive.
type Tiles interface {
	Fetch(ctx context.Context, key tilekey.Key) (bitmap.Bitmap, time.Time, error)
	SetProtectedTiles(keys []tilekey.Key)
	GarbageCollect() int
	SetUseNetwork(on bool)
	UseNetwork() bool
	Stats() dispatcher.Snapshot
	ResetStats()
}

// Jobs runs bulk downloads and cleans in the background.
type Jobs interface {
	StartDownload(area bulk.Area) (bulk.Job, error)
	StartClean(area bulk.Area) (bulk.Job, error)
	Job(id string) (bulk.Job, bool)
}

type Options struct {
	AllowedOrigin string
	// WaitTimeout bounds how long a tile request waits for the chain.
	WaitTimeout time.Duration
	// BulkRateLimit caps bulk job starts per client IP and minute.
	BulkRateLimit int
	Clock         clock.Clock
}

type Handlers struct {
	tiles   Tiles
	jobs    Jobs
	metrics *metrics.HTTP
	opts    Options
	logger  *zap.Logger
}

// New wires the handlers. jobs and m may be nil: bulk routes are then not
// mounted and requests are not measured.
func New(tiles Tiles, jobs Jobs, m *metrics.HTTP, opts Options, logger *zap.Logger) *Handlers {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	if opts.BulkRateLimit <= 0 {
		opts.BulkRateLimit = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Handlers{
		tiles:   tiles,
		jobs:    jobs,
		metrics: m,
		opts:    opts,
		logger:  logger,
	}
}

var tileFormats = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"webp": true,
}

var contentTypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"gif":  "image/gif",
}

func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	var z, x, y int
	var err error
	if z, err = strconv.Atoi(chi.URLParam(r, "z")); err != nil {
		http.Error(w, "Invalid zoom level", http.StatusBadRequest)
		return
	}
	if x, err = strconv.Atoi(chi.URLParam(r, "x")); err != nil {
		http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
		return
	}

	tileFile := chi.URLParam(r, "tile")
	ext := filepath.Ext(tileFile)
	if y, err = strconv.Atoi(strings.TrimSuffix(tileFile, ext)); err != nil {
		http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
		return
	}
	if !tileFormats[strings.ToLower(strings.TrimPrefix(ext, "."))] {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	if !tilekey.Valid(z, x, y) {
		http.Error(w, "Tile outside the grid", http.StatusBadRequest)
		return
	}
	key := tilekey.New(z, x, y)

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.WaitTimeout)
	defer cancel()

	bmp, expires, err := h.tiles.Fetch(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrTileFailed):
		http.Error(w, "Tile not available", http.StatusNotFound)
		return
	case errors.Is(err, dispatcher.ErrTileDropped):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Tile queue full", http.StatusServiceUnavailable)
		return
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Timed out waiting for tile", http.StatusGatewayTimeout)
		return
	default:
		h.logger.Debug("Tile request abandoned", zap.Stringer("tile", key), zap.Error(err))
		http.Error(w, "Request canceled", http.StatusServiceUnavailable)
		return
	}

	data := bmp.Bytes()
	etag := `"` + tileETag(key, expires) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", h.cacheControl(expires))
	if ct, ok := contentTypes[bmp.Format()]; ok {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(len(data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

func tileETag(key tilekey.Key, expires time.Time) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s@%d", key, expires.Unix()))
	return hex.EncodeToString(sum[:16])
}

// cacheControl lets clients keep a tile for the rest of its lifetime. A
// tile without expiry is immutable.
func (h *Handlers) cacheControl(expires time.Time) string {
	if expires.IsZero() {
		return "public, max-age=31536000"
	}
	left := int64(expires.Sub(h.opts.Clock.Now()) / time.Second)
	if left <= 0 {
		return "public, max-age=0, must-revalidate"
	}
	return "public, max-age=" + strconv.FormatInt(left, 10)
}

// HandleProtected replaces the protected tile set and collects garbage.
func (h *Handlers) HandleProtected(w http.ResponseWriter, r *http.Request) {
	var names []string
	if err := decodeJSON(w, r, &names); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	keys := make([]tilekey.Key, 0, len(names))
	for _, name := range names {
		key, err := tilekey.Parse(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		keys = append(keys, key)
	}

	h.tiles.SetProtectedTiles(keys)
	evicted := h.tiles.GarbageCollect()
	writeJSON(w, http.StatusOK, map[string]int{
		"protected": len(keys),
		"evicted":   evicted,
	})
}

type networkState struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handlers) HandleGetNetwork(w http.ResponseWriter, r *http.Request) {
	on := h.tiles.UseNetwork()
	writeJSON(w, http.StatusOK, networkState{Enabled: &on})
}

func (h *Handlers) HandleSetNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkState
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		http.Error(w, "Missing enabled", http.StatusBadRequest)
		return
	}

	h.tiles.SetUseNetwork(*req.Enabled)
	h.logger.Info("Network use changed", zap.Bool("enabled", *req.Enabled))
	h.HandleGetNetwork(w, r)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tiles.Stats())
}

func (h *Handlers) HandleResetStats(w http.ResponseWriter, r *http.Request) {
	h.tiles.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleBulkDownload(w http.ResponseWriter, r *http.Request) {
	h.startJob(w, r, h.jobs.StartDownload)
}

func (h *Handlers) HandleBulkClean(w http.ResponseWriter, r *http.Request) {
	h.startJob(w, r, h.jobs.StartClean)
}

func (h *Handlers) startJob(w http.ResponseWriter, r *http.Request, start func(bulk.Area) (bulk.Job, error)) {
	var area bulk.Area
	if err := decodeJSON(w, r, &area); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := start(area)
	switch {
	case err == nil:
	case errors.Is(err, bulk.ErrBulkForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, bulk.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, bulk.ErrAreaTooLarge):
		h.logger.Info("Bulk area refused", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("Bulk job started",
		zap.String("job", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("tiles", job.Progress.Total),
	)
	w.Header().Set("Location", "/bulk/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handlers) HandleBulkJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobs.Job(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
