package http

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"tilecache/internal/bitmap"
	"tilecache/internal/bulk"
	"tilecache/internal/clock"
	"tilecache/internal/dispatcher"
	"tilecache/internal/metrics"
	"tilecache/internal/tilekey"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTiles struct {
	mu        sync.Mutex
	fetch     fetchFunc
	protected []tilekey.Key
	gcRuns    int
	network   bool
	resets    int
}

func (f *fakeTiles) Fetch(ctx context.Context, key tilekey.Key) (bitmap.Bitmap, time.Time, error) {
	return f.fetch(ctx, key)
}

func (f *fakeTiles) SetProtectedTiles(keys []tilekey.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protected = keys
}

func (f *fakeTiles) GarbageCollect() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcRuns++
	return 2
}

func (f *fakeTiles) SetUseNetwork(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.network = on
}

func (f *fakeTiles) UseNetwork() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.network
}

func (f *fakeTiles) ResetStats() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeTiles) state() (protected []tilekey.Key, gcRuns, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.protected, f.gcRuns, f.resets
}

func (f *fakeTiles) Stats() dispatcher.Snapshot {
	return dispatcher.Snapshot{Requests: 7, Hits: 5}
}

type fakeJobs struct {
	mu   sync.Mutex
	err  error
	last bulk.Area
	jobs map[string]bulk.Job
}

func (f *fakeJobs) start(kind bulk.JobKind, area bulk.Area) (bulk.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return bulk.Job{}, f.err
	}
	if err := area.Validate(); err != nil {
		return bulk.Job{}, err
	}
	f.last = area
	job := bulk.Job{ID: "job-1", Kind: kind, Area: area, State: bulk.JobRunning, Progress: bulk.Progress{Total: 12}}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) StartDownload(area bulk.Area) (bulk.Job, error) {
	return f.start(bulk.JobDownload, area)
}

func (f *fakeJobs) StartClean(area bulk.Area) (bulk.Job, error) {
	return f.start(bulk.JobClean, area)
}

func (f *fakeJobs) Job(id string) (bulk.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func pngTile(data string) bitmap.Bitmap {
	return bitmap.NewImage(image.NewRGBA(image.Rect(0, 0, 4, 4)), []byte(data), "png")
}

type fixture struct {
	tiles  *fakeTiles
	jobs   *fakeJobs
	reg    *prometheus.Registry
	server *httptest.Server
}

type fetchFunc func(ctx context.Context, key tilekey.Key) (bitmap.Bitmap, time.Time, error)

func serveTile(ctx context.Context, key tilekey.Key) (bitmap.Bitmap, time.Time, error) {
	return pngTile("tile:" + key.String()), epoch.Add(time.Hour), nil
}

func newFixture(t *testing.T, opts Options) *fixture {
	return newFixtureWith(t, opts, serveTile)
}

func newFixtureWith(t *testing.T, opts Options, fetch fetchFunc) *fixture {
	t.Helper()
	f := &fixture{
		tiles: &fakeTiles{network: true, fetch: fetch},
		jobs:  &fakeJobs{jobs: map[string]bulk.Job{}},
		reg:   prometheus.NewRegistry(),
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewFake(epoch)
	}
	h := New(f.tiles, f.jobs, metrics.NewHTTP(f.reg), opts, zaptest.NewLogger(t))
	f.server = httptest.NewServer(NewRouter(h, f.reg))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(data)
}

func TestTile(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.do(t, http.MethodGet, "/tiles/3/4/5.png", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if body != "tile:3/4/5" {
		t.Fatalf("body %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Fatalf("cache control %q", cc)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" || resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("headers %v", resp.Header)
	}

	resp, body = f.do(t, http.MethodHead, "/tiles/3/4/5.png", "", nil)
	if resp.StatusCode != http.StatusOK || body != "" || resp.Header.Get("X-Tile-Bytes") != "10" {
		t.Fatalf("HEAD status %d, body %q, headers %v", resp.StatusCode, body, resp.Header)
	}

	resp, _ = f.do(t, http.MethodGet, "/tiles/3/4/5.png", "", map[string]string{"If-None-Match": etag})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional status %d", resp.StatusCode)
	}
}

func TestTileCacheControl(t *testing.T) {
	h := New(&fakeTiles{}, nil, nil, Options{Clock: clock.NewFake(epoch)}, zaptest.NewLogger(t))
	cases := []struct {
		expires time.Time
		want    string
	}{
		{time.Time{}, "public, max-age=31536000"},
		{epoch.Add(90 * time.Second), "public, max-age=90"},
		{epoch.Add(-time.Minute), "public, max-age=0, must-revalidate"},
	}
	for _, tc := range cases {
		if got := h.cacheControl(tc.expires); got != tc.want {
			t.Errorf("cacheControl(%v) = %q, want %q", tc.expires, got, tc.want)
		}
	}
}

func TestTileBadRequests(t *testing.T) {
	f := newFixture(t, Options{})
	for _, path := range []string{
		"/tiles/z/4/5.png",
		"/tiles/3/x/5.png",
		"/tiles/3/4/y.png",
		"/tiles/3/4/5.txt",
		"/tiles/3/9/5.png",
		"/tiles/30/0/0.png",
	} {
		if resp, body := f.do(t, http.MethodGet, path, "", nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d: %s", path, resp.StatusCode, body)
		}
	}
}

func TestTileErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"chain failed", dispatcher.ErrTileFailed, http.StatusNotFound},
		{"dropped", dispatcher.ErrTileDropped, http.StatusServiceUnavailable},
		{"timeout", nil, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixtureWith(t, Options{WaitTimeout: 20 * time.Millisecond}, func(ctx context.Context, key tilekey.Key) (bitmap.Bitmap, time.Time, error) {
				if tc.err != nil {
					return nil, time.Time{}, tc.err
				}
				<-ctx.Done()
				return nil, time.Time{}, ctx.Err()
			})
			if resp, body := f.do(t, http.MethodGet, "/tiles/1/0/0.png", "", nil); resp.StatusCode != tc.want {
				t.Fatalf("status %d: %s", resp.StatusCode, body)
			}
		})
	}
}

func TestProtected(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.do(t, http.MethodPut, "/protected", `["1/0/0","2/1/3"]`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var got map[string]int
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	if got["protected"] != 2 || got["evicted"] != 2 {
		t.Fatalf("response %v", got)
	}
	protected, gcRuns, _ := f.tiles.state()
	if len(protected) != 2 || protected[1] != tilekey.New(2, 1, 3) || gcRuns != 1 {
		t.Fatalf("protected %v, gc %d", protected, gcRuns)
	}

	if resp, _ := f.do(t, http.MethodPut, "/protected", `["1/5/0"]`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("off-grid key accepted: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPut, "/protected", `{`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad JSON accepted: %d", resp.StatusCode)
	}
}

func TestNetworkToggle(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.do(t, http.MethodPost, "/network", `{"enabled":false}`, nil)
	if resp.StatusCode != http.StatusOK || f.tiles.UseNetwork() {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"enabled":false`) {
		t.Fatalf("body %s", body)
	}

	if resp, _ := f.do(t, http.MethodPost, "/network", `{}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing field accepted: %d", resp.StatusCode)
	}
	if _, body := f.do(t, http.MethodGet, "/network", "", nil); !strings.Contains(body, `"enabled":false`) {
		t.Fatalf("body %s", body)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, Options{})

	_, body := f.do(t, http.MethodGet, "/stats", "", nil)
	var snap dispatcher.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Requests != 7 || snap.Hits != 5 {
		t.Fatalf("snapshot %+v", snap)
	}

	resp, _ := f.do(t, http.MethodPost, "/stats/reset", "", nil)
	if _, _, resets := f.tiles.state(); resp.StatusCode != http.StatusNoContent || resets != 1 {
		t.Fatalf("reset status %d, resets %d", resp.StatusCode, resets)
	}
}

const parisArea = `{"min_lon":2.29,"min_lat":48.85,"max_lon":2.35,"max_lat":48.87,"min_zoom":12,"max_zoom":13}`

func TestBulk(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.do(t, http.MethodPost, "/bulk/download", parisArea, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var job bulk.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != "job-1" || job.Kind != bulk.JobDownload || resp.Header.Get("Location") != "/bulk/job-1" {
		t.Fatalf("job %+v", job)
	}
	f.jobs.mu.Lock()
	last := f.jobs.last
	f.jobs.mu.Unlock()
	if last.MaxZoom != 13 || last.MinLon != 2.29 {
		t.Fatalf("area %+v", last)
	}

	if resp, _ := f.do(t, http.MethodGet, "/bulk/job-1", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("job status %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/bulk/nope", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job status %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/bulk/clean", `{"min_lon":2,"min_lat":50,"max_lon":3,"max_lat":49,"min_zoom":1,"max_zoom":2}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("inverted area status %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/bulk/clean", `{"bbox":[1,2,3,4]}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status %d", resp.StatusCode)
	}

	f.jobs.mu.Lock()
	f.jobs.err = bulk.ErrBulkForbidden
	f.jobs.mu.Unlock()
	if resp, _ := f.do(t, http.MethodPost, "/bulk/download", parisArea, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("forbidden status %d", resp.StatusCode)
	}

	f.jobs.mu.Lock()
	f.jobs.err = fmt.Errorf("%w: 1099511627776 tiles, limit is 1000000", bulk.ErrAreaTooLarge)
	f.jobs.mu.Unlock()
	worldArea := `{"min_lon":-180,"min_lat":-85,"max_lon":180,"max_lat":85,"min_zoom":0,"max_zoom":29}`
	resp, body = f.do(t, http.MethodPost, "/bulk/clean", worldArea, nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body, "too many tiles") {
		t.Fatalf("oversized area status %d: %s", resp.StatusCode, body)
	}
}

func TestBulkRateLimit(t *testing.T) {
	f := newFixture(t, Options{BulkRateLimit: 2})
	for i := 0; i < 2; i++ {
		if resp, body := f.do(t, http.MethodPost, "/bulk/download", parisArea, nil); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("request %d: status %d: %s", i, resp.StatusCode, body)
		}
	}
	if resp, _ := f.do(t, http.MethodPost, "/bulk/clean", parisArea, nil); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/bulk/job-1", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("polling limited: %d", resp.StatusCode)
	}
}

func TestBulkRoutesNeedJobs(t *testing.T) {
	h := New(&fakeTiles{}, nil, nil, Options{}, zaptest.NewLogger(t))
	srv := httptest.NewServer(NewRouter(h, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/bulk/download", "application/json", strings.NewReader(parisArea))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestMetricsByRoute(t *testing.T) {
	f := newFixture(t, Options{})
	f.do(t, http.MethodGet, "/tiles/3/4/5.png", "", nil)
	f.do(t, http.MethodGet, "/tiles/3/4/6.png", "", nil)
	f.do(t, http.MethodGet, "/nowhere", "", nil)

	n, err := testutil.GatherAndCount(f.reg, "tilecache_http_requests_total")
	if err != nil {
		t.Fatal(err)
	}
	// one series for the tile pattern, one for unmatched
	if n != 2 {
		t.Fatalf("%d series", n)
	}

	resp, body := f.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `route="/tiles/{z}/{x}/{tile}"`) {
		t.Fatalf("metrics status %d:\n%s", resp.StatusCode, body)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigin: "https://maps.example.com"})

	resp, _ := f.do(t, http.MethodOptions, "/tiles/1/0/0.png", "", map[string]string{"Origin": "https://evil.example"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preflight status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://maps.example.com" {
		t.Fatalf("allow origin %q", got)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Options{})
	if resp, body := f.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	if got := extractIP(r); got != "10.1.2.3" {
		t.Fatalf("got %q", got)
	}
	r.Header.Set("X-Real-Ip", "192.0.2.9")
	if got := extractIP(r); got != "192.0.2.9" {
		t.Fatalf("got %q", got)
	}
}
