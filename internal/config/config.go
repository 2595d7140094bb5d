package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"tilecache/internal/provider"
	"tilecache/internal/store"
)

type Config struct {
	Port          int    `env:"PORT" envDefault:"8080" validate:"min=1,max=65535"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	TileSourceName  string   `env:"TILE_SOURCE_NAME" envDefault:"osm" validate:"required,excludes=/"`
	TileURLTemplate string   `env:"TILE_URL_TEMPLATE" envDefault:"https://tile.openstreetmap.org/{z}/{x}/{y}.png" validate:"required,startswith=http"`
	TileSubdomains  []string `env:"TILE_SUBDOMAINS" envSeparator:","`
	TileSize        int      `env:"TILE_SIZE" envDefault:"256" validate:"min=16,max=4096"`
	MinZoom         int      `env:"MIN_ZOOM" envDefault:"0" validate:"min=0,max=29"`
	MaxZoom         int      `env:"MAX_ZOOM" envDefault:"19" validate:"min=0,max=29,gtefield=MinZoom"`

	UserAgent        string   `env:"USER_AGENT" envDefault:"tilecache" validate:"required"`
	TilePolicyFlags  []string `env:"TILE_POLICY_FLAGS" envSeparator:","`
	MaxConcurrent    int      `env:"TILE_MAX_CONCURRENT" envDefault:"0" validate:"min=0"`
	CacheMemoryTiles int      `env:"CACHE_MEMORY_TILES" envDefault:"9" validate:"min=1"`

	Store           string `env:"STORE" envDefault:"file" validate:"oneof=file sqlite badger redis disabled"`
	StoreFileDir    string `env:"STORE_FILE_DIR" envDefault:"/data/tiles" validate:"required_if=Store file"`
	StoreSQLitePath string `env:"STORE_SQLITE_PATH" envDefault:"/data/tiles.sqlite" validate:"required_if=Store sqlite"`
	StoreBadgerDir  string `env:"STORE_BADGER_DIR" envDefault:"/data/badger"`
	RedisAddr       string `env:"REDIS_ADDR" validate:"required_if=Store redis"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB" envDefault:"0" validate:"min=0"`
	ArchiveDir      string `env:"ARCHIVE_DIR"`

	FilesystemThreads  int `env:"FILESYSTEM_THREADS" envDefault:"8" validate:"min=1"`
	FilesystemMaxQueue int `env:"FILESYSTEM_MAX_QUEUE" envDefault:"40" validate:"min=1"`
	DownloadThreads    int `env:"DOWNLOAD_THREADS" envDefault:"2" validate:"min=1"`
	DownloadMaxQueue   int `env:"DOWNLOAD_MAX_QUEUE" envDefault:"40" validate:"min=1"`

	ExpirationOverride  *time.Duration `env:"EXPIRATION_OVERRIDE"`
	ExpirationExtension time.Duration  `env:"EXPIRATION_EXTENSION" envDefault:"0s" validate:"min=0"`

	UseNetwork      bool          `env:"USE_NETWORK" envDefault:"true"`
	DownloadRate    float64       `env:"DOWNLOAD_RATE" envDefault:"10" validate:"min=0"`
	DownloadBurst   int           `env:"DOWNLOAD_BURST" envDefault:"4" validate:"min=1"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s" validate:"min=0"`
	BreakerFailures uint32        `env:"BREAKER_FAILURES" envDefault:"5" validate:"min=1"`
	BreakerTimeout  time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`

	Decoder         string `env:"DECODER" envDefault:"std" validate:"oneof=std vips"`
	VipsMaxCacheMB  int    `env:"VIPS_MAX_CACHE_MB" envDefault:"256" validate:"min=0"`
	VipsConcurrency int    `env:"VIPS_CONCURRENCY" envDefault:"1" validate:"min=0"`
	Approximate     bool   `env:"APPROXIMATE" envDefault:"true"`

	GCInterval         time.Duration `env:"GC_INTERVAL" envDefault:"10s" validate:"min=0"`
	FileStoreMaxBytes  int64         `env:"FILE_STORE_MAX_BYTES" envDefault:"629145600" validate:"min=0"`
	FileStoreTrimBytes int64         `env:"FILE_STORE_TRIM_BYTES" envDefault:"524288000" validate:"min=0,ltefield=FileStoreMaxBytes"`

	TileWaitTimeout time.Duration `env:"TILE_WAIT_TIMEOUT" envDefault:"10s" validate:"min=0"`
	PrefetchWorkers int           `env:"PREFETCH_WORKERS" envDefault:"2" validate:"min=1"`
	BulkRateLimit   int           `env:"BULK_RATE_LIMIT" envDefault:"10" validate:"min=1"`
	BulkMaxTiles    int           `env:"BULK_MAX_TILES" envDefault:"1000000" validate:"min=0"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse(env.Options{})
}

// Parse builds and validates a Config. Tests pass opts.Environment.
func Parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := provider.ParseFlags(cfg.TilePolicyFlags); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Policy is the usage policy of the configured tile source.
func (c *Config) Policy() provider.Policy {
	flags, _ := provider.ParseFlags(c.TilePolicyFlags)
	return provider.Policy{
		MaxConcurrent:       c.MaxConcurrent,
		Flags:               flags,
		ExpirationOverride:  c.ExpirationOverride,
		ExpirationExtension: c.ExpirationExtension,
	}
}

func (c *Config) Zoom() provider.ZoomRange {
	return provider.ZoomRange{Min: c.MinZoom, Max: c.MaxZoom}
}

func (c *Config) NetworkConfig() provider.NetworkConfig {
	return provider.NetworkConfig{
		Source:          c.TileSourceName,
		URLTemplate:     c.TileURLTemplate,
		Subdomains:      c.TileSubdomains,
		UserAgent:       c.UserAgent,
		Policy:          c.Policy(),
		Zoom:            c.Zoom(),
		Timeout:         c.HTTPTimeout,
		Rate:            c.DownloadRate,
		Burst:           c.DownloadBurst,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
	}
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		FileDir:    c.StoreFileDir,
		SQLitePath: c.StoreSQLitePath,
		BadgerDir:  c.StoreBadgerDir,
		Redis: store.RedisConfig{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		},
		MaxBytes:  c.FileStoreMaxBytes,
		TrimBytes: c.FileStoreTrimBytes,
	}
}

// DownloadWorkers caps the configured threads by the source policy.
func (c *Config) DownloadWorkers() int {
	return c.Policy().Concurrency(c.DownloadThreads)
}
