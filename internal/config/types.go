package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every client and daemon option.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Backend BackendConfig `koanf:"backend"`
	Session SessionConfig `koanf:"session"`
	Cache   CacheConfig   `koanf:"cache"`
	Photos  PhotosConfig  `koanf:"photos"`
	Images  ImagesConfig  `koanf:"images"`

	// Sources records which files contributed to the snapshot. Excluded from koanf so the
	// value only reflects what the loader actually read.
	Sources []string `koanf:"-"`
}

// ServerConfig collects the companion daemon's bootstrap knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// BackendConfig points the client at the places backend.
type BackendConfig struct {
	BaseURL string `koanf:"baseURL"`
	// AppCredential is the long-lived embedded credential used only to create sessions.
	AppCredential  string `koanf:"appCredential"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// SessionConfig controls the session token lifecycle.
type SessionConfig struct {
	SafetyMarginSeconds  int    `koanf:"safetyMarginSeconds"`
	CreateTimeoutSeconds int    `koanf:"createTimeoutSeconds"`
	Store                string `koanf:"store"`
	KeyringService       string `koanf:"keyringService"`
}

// CacheConfig controls the persistent response cache.
type CacheConfig struct {
	Backend      string           `koanf:"backend"`
	Dir          string           `koanf:"dir"`
	MaxBytes     int64            `koanf:"maxBytes"`
	KeyPrecision int              `koanf:"keyPrecision"`
	TTL          CacheTTLConfig   `koanf:"ttl"`
	Redis        CacheRedisConfig `koanf:"redis"`
}

// CacheTTLConfig is the per-kind default expiration table, in seconds.
type CacheTTLConfig struct {
	SearchSeconds  int `koanf:"searchSeconds"`
	ReviewsSeconds int `koanf:"reviewsSeconds"`
	PlaceSeconds   int `koanf:"placeSeconds"`
}

type CacheRedisConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	Namespace string         `koanf:"namespace"`
	TLS       CacheTLSConfig `koanf:"tls"`
}

type CacheTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PhotosConfig controls photo URL resolution and prefetching.
type PhotosConfig struct {
	BatchSize       int `koanf:"batchSize"`
	BatchDelayMS    int `koanf:"batchDelayMs"`
	MaxConcurrent   int `koanf:"maxConcurrent"`
	Capacity        int `koanf:"capacity"`
	PrefetchCount   int `koanf:"prefetchCount"`
	PrefetchWidth   int `koanf:"prefetchWidth"`
	PrefetchHeight  int `koanf:"prefetchHeight"`
	DefaultMaxWidth int `koanf:"defaultMaxWidth"`
}

// ImagesConfig controls the two-tier image cache.
type ImagesConfig struct {
	MemoryEntries        int    `koanf:"memoryEntries"`
	TransportMemoryBytes int64  `koanf:"transportMemoryBytes"`
	TransportDiskBytes   int64  `koanf:"transportDiskBytes"`
	DiskPath             string `koanf:"diskPath"`
	PrefetchLimit        int    `koanf:"prefetchLimit"`
}

// Durations resolves the TTL table.
func (c CacheTTLConfig) Durations() (search, reviews, place time.Duration) {
	return time.Duration(c.SearchSeconds) * time.Second,
		time.Duration(c.ReviewsSeconds) * time.Second,
		time.Duration(c.PlaceSeconds) * time.Second
}

// SafetyMargin returns the session renewal buffer.
func (c SessionConfig) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginSeconds) * time.Second
}

// CreateTimeout returns the explicit bound around session creation.
func (c SessionConfig) CreateTimeout() time.Duration {
	return time.Duration(c.CreateTimeoutSeconds) * time.Second
}

// BatchDelay returns the pause between photo resolution batches.
func (c PhotosConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}

// Validate enforces invariants that keep the client predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port invalid: %d", c.Server.Listen.Port)
	}
	base := strings.TrimSpace(c.Backend.BaseURL)
	if base == "" {
		return errors.New("config: backend.baseURL required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: backend.baseURL invalid: %q", c.Backend.BaseURL)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("config: backend.timeoutSeconds invalid: %d", c.Backend.TimeoutSeconds)
	}
	if c.Session.SafetyMarginSeconds < 0 {
		return fmt.Errorf("config: session.safetyMarginSeconds invalid: %d", c.Session.SafetyMarginSeconds)
	}
	if c.Session.CreateTimeoutSeconds <= 0 {
		return fmt.Errorf("config: session.createTimeoutSeconds invalid: %d", c.Session.CreateTimeoutSeconds)
	}
	switch strings.TrimSpace(strings.ToLower(c.Session.Store)) {
	case "", "keyring":
		if strings.TrimSpace(c.Session.KeyringService) == "" {
			return errors.New("config: session.keyringService required for keyring store")
		}
	case "memory":
	default:
		return fmt.Errorf("config: session.store unsupported: %s", c.Session.Store)
	}
	switch strings.TrimSpace(strings.ToLower(c.Cache.Backend)) {
	case "", "file":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("config: cache.maxBytes invalid: %d", c.Cache.MaxBytes)
	}
	if c.Cache.KeyPrecision < 0 || c.Cache.KeyPrecision > 6 {
		return fmt.Errorf("config: cache.keyPrecision invalid: %d", c.Cache.KeyPrecision)
	}
	if c.Cache.TTL.SearchSeconds < 0 || c.Cache.TTL.ReviewsSeconds < 0 || c.Cache.TTL.PlaceSeconds < 0 {
		return errors.New("config: cache.ttl values must not be negative")
	}
	if c.Photos.BatchSize <= 0 {
		return fmt.Errorf("config: photos.batchSize invalid: %d", c.Photos.BatchSize)
	}
	if c.Photos.MaxConcurrent <= 0 {
		return fmt.Errorf("config: photos.maxConcurrent invalid: %d", c.Photos.MaxConcurrent)
	}
	if c.Photos.BatchDelayMS < 0 {
		return fmt.Errorf("config: photos.batchDelayMs invalid: %d", c.Photos.BatchDelayMS)
	}
	if c.Images.MemoryEntries <= 0 {
		return fmt.Errorf("config: images.memoryEntries invalid: %d", c.Images.MemoryEntries)
	}
	if c.Images.TransportMemoryBytes < 0 || c.Images.TransportDiskBytes < 0 {
		return errors.New("config: images transport capacities must not be negative")
	}
	return nil
}

// DefaultConfig returns the baseline values used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8787,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Backend: BackendConfig{
			BaseURL:        "https://api.tacoaboutit.app",
			TimeoutSeconds: 30,
		},
		Session: SessionConfig{
			SafetyMarginSeconds:  3600,
			CreateTimeoutSeconds: 15,
			Store:                "keyring",
			KeyringService:       "com.tacoaboutit.app",
		},
		Cache: CacheConfig{
			Backend:      "file",
			Dir:          "",
			MaxBytes:     100 * 1024 * 1024,
			KeyPrecision: 2,
			TTL: CacheTTLConfig{
				SearchSeconds:  3600,
				ReviewsSeconds: 24 * 3600,
				PlaceSeconds:   48 * 3600,
			},
			Redis: CacheRedisConfig{
				Namespace: "placeclient",
			},
		},
		Photos: PhotosConfig{
			BatchSize:       5,
			BatchDelayMS:    100,
			MaxConcurrent:   4,
			Capacity:        512,
			PrefetchCount:   8,
			PrefetchWidth:   160,
			PrefetchHeight:  160,
			DefaultMaxWidth: 400,
		},
		Images: ImagesConfig{
			MemoryEntries:        100,
			TransportMemoryBytes: 50 * 1024 * 1024,
			TransportDiskBytes:   100 * 1024 * 1024,
			PrefetchLimit:        8,
		},
	}
}
