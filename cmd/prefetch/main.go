package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tilecache/internal/bitmap"
	"tilecache/internal/bulk"
	"tilecache/internal/clock"
	"tilecache/internal/config"
	"tilecache/internal/logger"
	"tilecache/internal/provider"
	"tilecache/internal/store"
)

func main() {
	bbox := flag.String("bbox", "", "min_lon,min_lat,max_lon,max_lat")
	minZoom := flag.Int("min-zoom", 0, "first zoom level")
	maxZoom := flag.Int("max-zoom", 12, "last zoom level")
	workers := flag.Int("workers", 0, "parallel downloads (default PREFETCH_WORKERS)")
	clean := flag.Bool("clean", false, "remove the area from the store instead of downloading it")
	dryRun := flag.Bool("dry-run", false, "only count the tiles")
	maxTiles := flag.Int("max-tiles", -1, "refuse areas with more tiles, 0 for no limit (default BULK_MAX_TILES)")
	flag.Parse()

	area, err := parseArea(*bbox, *minZoom, *maxZoom)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *workers == 0 {
		*workers = cfg.PrefetchWorkers
	}
	if *maxTiles >= 0 {
		cfg.BulkMaxTiles = *maxTiles
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, area, *workers, *clean, *dryRun, log); err != nil {
		log.Fatal("Prefetch failed", zap.Error(err))
	}
}

func parseArea(bbox string, minZoom, maxZoom int) (bulk.Area, error) {
	parts := strings.Split(bbox, ",")
	if len(parts) != 4 {
		return bulk.Area{}, fmt.Errorf("-bbox needs 4 comma separated numbers, got %q", bbox)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bulk.Area{}, fmt.Errorf("-bbox: %w", err)
		}
		v[i] = f
	}
	area := bulk.Area{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3], MinZoom: minZoom, MaxZoom: maxZoom}
	return area, area.Validate()
}

func run(ctx context.Context, cfg *config.Config, area bulk.Area, workers int, clean, dryRun bool, log *zap.Logger) error {
	st, err := store.NewStore(cfg.Store, cfg.StoreOptions(), log)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	network, err := provider.NewNetworkProvider(cfg.NetworkConfig(), st, bitmap.NewStdDecoder(), clock.Real{}, log.Named("network"))
	if err != nil {
		return fmt.Errorf("initialize network provider: %w", err)
	}
	defer network.Close()

	m := bulk.NewManager(network, st, clock.Real{}, workers, cfg.BulkMaxTiles, log.Named("bulk"))
	defer m.Close()

	total := m.PossibleTilesInArea(area)
	log.Info("Area selected",
		zap.String("source", cfg.TileSourceName),
		zap.Int("tiles", total),
		zap.Int("min_zoom", area.MinZoom),
		zap.Int("max_zoom", area.MaxZoom),
	)
	if dryRun {
		return nil
	}

	if clean {
		n, err := m.Clean(ctx, area)
		log.Info("Clean finished", zap.Int("tiles", n))
		return err
	}

	start := time.Now()
	var last atomic.Int64
	p, err := m.Download(ctx, area, func(p bulk.Progress) {
		now := time.Now().UnixNano()
		prev := last.Load()
		if now-prev > int64(5*time.Second) && last.CompareAndSwap(prev, now) {
			log.Info("Progress", zap.Int("done", p.Done), zap.Int("total", p.Total), zap.Int("zoom", p.Zoom))
		}
	})
	log.Info("Download finished",
		zap.Int("done", p.Done),
		zap.Int("skipped", p.Skipped),
		zap.Int("errors", p.Errors),
		zap.Duration("took", time.Since(start)),
	)
	return err
}
