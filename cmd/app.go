package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tacoaboutit/placeclient/internal/backend"
	"github.com/tacoaboutit/placeclient/internal/config"
	"github.com/tacoaboutit/placeclient/internal/imagecache"
	"github.com/tacoaboutit/placeclient/internal/logging"
	"github.com/tacoaboutit/placeclient/internal/metrics"
	"github.com/tacoaboutit/placeclient/internal/persist"
	"github.com/tacoaboutit/placeclient/internal/places"
	"github.com/tacoaboutit/placeclient/internal/session"
)

// app holds the wired component graph shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
	sessions *session.Manager
	cache    *persist.Cache
	images   *imagecache.Cache
	places   *places.Client
}

var newSecretStore = buildSecretStore

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger, err := logging.NewWithWriter(cfg.Server.Logging, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	rec := metrics.NewRecorder(prometheus.NewRegistry())

	timeout := time.Duration(cfg.Backend.TimeoutSeconds) * time.Second
	var doer backend.HTTPDoer
	if timeout > 0 {
		doer = &http.Client{Timeout: timeout}
	}
	api, err := backend.New(cfg.Backend.BaseURL, doer, logger, rec)
	if err != nil {
		return nil, fmt.Errorf("backend client: %w", err)
	}

	secrets, err := newSecretStore(logger.With(slog.String("agent", "secret_store_factory")), cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("secret store: %w", err)
	}
	sessions, err := session.NewManager(session.Options{
		Backend:       api,
		AppCredential: cfg.Backend.AppCredential,
		Store:         secrets,
		SafetyMargin:  cfg.Session.SafetyMargin(),
		CreateTimeout: cfg.Session.CreateTimeout(),
		Logger:        logger,
		Metrics:       rec,
	})
	if err != nil {
		return nil, err
	}

	store, err := buildPersistentStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("persistent store: %w", err)
	}
	responses, err := persist.Open(ctx, store, persist.Options{
		MaxBytes: cfg.Cache.MaxBytes,
		Policy:   policyFromConfig(cfg),
		Logger:   logger,
		Metrics:  rec,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	images, err := imagecache.New(imagecache.Options{
		MemoryEntries:        cfg.Images.MemoryEntries,
		TransportMemoryBytes: cfg.Images.TransportMemoryBytes,
		TransportDiskBytes:   cfg.Images.TransportDiskBytes,
		DiskPath:             cfg.Images.DiskPath,
		PrefetchLimit:        cfg.Images.PrefetchLimit,
		Logger:               logger,
		Metrics:              rec,
	})
	if err != nil {
		_ = responses.Close()
		return nil, fmt.Errorf("image cache: %w", err)
	}

	client, err := places.New(places.Options{
		Backend:  api,
		Sessions: sessions,
		Cache:    responses,
		Images:   images,
		Photos: places.PhotoOptions{
			Capacity:      cfg.Photos.Capacity,
			MaxConcurrent: cfg.Photos.MaxConcurrent,
			BatchSize:     cfg.Photos.BatchSize,
			BatchDelay:    cfg.Photos.BatchDelay(),
		},
		Prefetch: places.PrefetchOptions{
			Count:  cfg.Photos.PrefetchCount,
			Width:  cfg.Photos.PrefetchWidth,
			Height: cfg.Photos.PrefetchHeight,
		},
		KeyPrecision: cfg.Cache.KeyPrecision,
		Logger:       logger,
		Metrics:      rec,
	})
	if err != nil {
		_ = images.Close()
		_ = responses.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  rec,
		sessions: sessions,
		cache:    responses,
		images:   images,
		places:   client,
	}, nil
}

// Close waits for background prefetches, then releases the stores.
func (a *app) Close() error {
	a.places.WaitForPrefetch()
	return errors.Join(a.images.Close(), a.cache.Close())
}

func policyFromConfig(cfg config.Config) persist.Policy {
	return persist.PolicyFromDurations(cfg.Cache.TTL.Durations())
}

func buildPersistentStore(logger *slog.Logger, cfg config.CacheConfig) (persist.Store, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "file":
		logger.Info("using file response cache", slog.String("dir", cfg.Dir))
		return persist.NewFileStore(cfg.Dir)
	case "redis":
		store, err := persist.NewRedisStore(persist.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
			TLS: persist.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis response cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to file response cache", slog.String("dir", cfg.Dir))
			return persist.NewFileStore(cfg.Dir)
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return store, nil
	default:
		logger.Warn("unsupported cache backend, defaulting to file", slog.String("backend", cfg.Backend))
		return persist.NewFileStore(cfg.Dir)
	}
}

func buildSecretStore(logger *slog.Logger, cfg config.SessionConfig) (session.SecretStore, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Store)) {
	case "memory":
		logger.Info("session kept in memory only")
		return session.NewMemoryStore(), nil
	case "", "keyring":
		return session.NewKeyringStore(cfg.KeyringService)
	default:
		return nil, fmt.Errorf("unsupported session store %q", cfg.Store)
	}
}
