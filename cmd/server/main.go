package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tilecache/internal/archive"
	"tilecache/internal/bitmap"
	"tilecache/internal/bulk"
	"tilecache/internal/clock"
	"tilecache/internal/config"
	"tilecache/internal/dispatcher"
	httphandlers "tilecache/internal/http"
	"tilecache/internal/image_renderer"
	"tilecache/internal/logger"
	"tilecache/internal/metrics"
	"tilecache/internal/provider"
	"tilecache/internal/store"
	"tilecache/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
	log.Info("Server stopped")
}

func codec(cfg *config.Config, log *zap.Logger) (bitmap.Decoder, bitmap.Scaler, func()) {
	if cfg.Decoder == "vips" {
		shutdown := image_renderer.Startup(cfg.VipsMaxCacheMB, cfg.VipsConcurrency, log)
		return image_renderer.NewDecoder(), image_renderer.NewScaler(), shutdown
	}
	return bitmap.NewStdDecoder(), bitmap.NewStdScaler(), func() {}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("Starting tile server",
		zap.Int("port", cfg.Port),
		zap.String("source", cfg.TileSourceName),
		zap.String("store", cfg.Store),
	)

	decoder, scaler, shutdown := codec(cfg, log)
	defer shutdown()

	st, err := store.NewStore(cfg.Store, cfg.StoreOptions(), log)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	clk := clock.Real{}
	offline := []provider.Provider{
		provider.NewStoreProvider(cfg.TileSourceName, st, decoder, clk, cfg.Zoom(), log.Named("store_provider")),
	}

	if cfg.ArchiveDir != "" {
		scanner := archive.NewScanner(cfg.ArchiveDir, log.Named("archives"))
		if err := scanner.Scan(); err != nil {
			log.Warn("Initial archive scan failed", zap.Error(err))
		}
		defer scanner.Close()
		offline = append(offline, provider.NewArchiveProvider(cfg.TileSourceName, scanner.Archives, decoder, cfg.Zoom(), log.Named("archive_provider")))
	}

	var sources []dispatcher.Source
	for _, p := range offline {
		sources = append(sources, dispatcher.Source{Provider: p, Workers: cfg.FilesystemThreads, MaxQueue: cfg.FilesystemMaxQueue})
	}
	if cfg.Approximate {
		approx := provider.NewApproximationProvider(offline, scaler, cfg.TileSize, log.Named("approximation"))
		sources = append(sources, dispatcher.Source{Provider: approx, Workers: cfg.FilesystemThreads, MaxQueue: cfg.FilesystemMaxQueue})
	}

	network, err := provider.NewNetworkProvider(cfg.NetworkConfig(), st, decoder, clk, log.Named("network"))
	if err != nil {
		return fmt.Errorf("initialize network provider: %w", err)
	}
	sources = append(sources, dispatcher.Source{Provider: network, Workers: cfg.DownloadWorkers(), MaxQueue: cfg.DownloadMaxQueue})

	var trimmers []store.Trimmer
	if t, ok := st.(store.Trimmer); ok {
		trimmers = append(trimmers, t)
	}

	d := dispatcher.New(dispatcher.Config{
		CacheCapacity: cfg.CacheMemoryTiles,
		UseNetwork:    cfg.UseNetwork,
		GCInterval:    cfg.GCInterval,
		Trimmers:      trimmers,
	}, sources, clk, log)
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn("Dispatcher close failed", zap.Error(err))
		}
	}()

	jobs := bulk.NewManager(network, st, clk, cfg.PrefetchWorkers, cfg.BulkMaxTiles, log.Named("bulk"))
	defer jobs.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(d),
	)

	handlers := httphandlers.New(d, jobs, metrics.NewHTTP(reg), httphandlers.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		WaitTimeout:   cfg.TileWaitTimeout,
		BulkRateLimit: cfg.BulkRateLimit,
	}, log.Named("http"))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httphandlers.NewRouter(handlers, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(log.Named("supervisor"), supervisor.TreeConfig{})
	tree.AddCoreService(d)
	tree.AddAPIService(supervisor.NewHTTPService(server, 5*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Server started",
		zap.Int("port", cfg.Port),
		zap.Int("providers", len(sources)),
		zap.Int("cache_tiles", cfg.CacheMemoryTiles),
	)

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Shutting down server...")
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		log.Warn("Services did not stop in time", zap.Int("count", len(report)))
	}
	return nil
}
