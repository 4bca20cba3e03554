package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the client configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator for the given env prefix and optional files.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the non-empty file paths the loader reads.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if strings.TrimSpace(path) != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles the effective snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaults := structToMap(DefaultConfig())
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	var sources []string
	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
		sources = append(sources, path)
	}

	if l.envPrefix != "" {
		canonical := canonicalKeys(defaults)
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__TTL__SEARCHSECONDS -> cache.ttl.searchSeconds).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return Config{}, err
	}
	cfg.Sources = sources
	return cfg, nil
}

// resolvePaths fills the on-device locations that depend on the host's cache directory.
func (c *Config) resolvePaths() error {
	if c.Cache.Dir != "" && c.Images.DiskPath != "" {
		return nil
	}
	root, err := os.UserCacheDir()
	if err != nil {
		root = os.TempDir()
	}
	root = filepath.Join(root, "placeclient")
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(root, "AppDataCache")
	}
	if c.Images.DiskPath == "" {
		c.Images.DiskPath = filepath.Join(root, "images.db")
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// canonicalKeys maps lowercased dotted paths back to their camelCase koanf keys so env overrides
// land on the same keys as files and defaults.
func canonicalKeys(defaults map[string]any) map[string]string {
	out := make(map[string]string)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for key, value := range m {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			out[strings.ToLower(path)] = path
			if nested, ok := value.(map[string]any); ok {
				walk(path, nested)
			}
		}
	}
	walk("", defaults)
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"backend": map[string]any{
			"baseURL":        cfg.Backend.BaseURL,
			"appCredential":  cfg.Backend.AppCredential,
			"timeoutSeconds": cfg.Backend.TimeoutSeconds,
		},
		"session": map[string]any{
			"safetyMarginSeconds":  cfg.Session.SafetyMarginSeconds,
			"createTimeoutSeconds": cfg.Session.CreateTimeoutSeconds,
			"store":                cfg.Session.Store,
			"keyringService":       cfg.Session.KeyringService,
		},
		"cache": map[string]any{
			"backend":      cfg.Cache.Backend,
			"dir":          cfg.Cache.Dir,
			"maxBytes":     cfg.Cache.MaxBytes,
			"keyPrecision": cfg.Cache.KeyPrecision,
			"ttl": map[string]any{
				"searchSeconds":  cfg.Cache.TTL.SearchSeconds,
				"reviewsSeconds": cfg.Cache.TTL.ReviewsSeconds,
				"placeSeconds":   cfg.Cache.TTL.PlaceSeconds,
			},
			"redis": map[string]any{
				"address":   cfg.Cache.Redis.Address,
				"username":  cfg.Cache.Redis.Username,
				"password":  cfg.Cache.Redis.Password,
				"db":        cfg.Cache.Redis.DB,
				"namespace": cfg.Cache.Redis.Namespace,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"photos": map[string]any{
			"batchSize":       cfg.Photos.BatchSize,
			"batchDelayMs":    cfg.Photos.BatchDelayMS,
			"maxConcurrent":   cfg.Photos.MaxConcurrent,
			"capacity":        cfg.Photos.Capacity,
			"prefetchCount":   cfg.Photos.PrefetchCount,
			"prefetchWidth":   cfg.Photos.PrefetchWidth,
			"prefetchHeight":  cfg.Photos.PrefetchHeight,
			"defaultMaxWidth": cfg.Photos.DefaultMaxWidth,
		},
		"images": map[string]any{
			"memoryEntries":        cfg.Images.MemoryEntries,
			"transportMemoryBytes": cfg.Images.TransportMemoryBytes,
			"transportDiskBytes":   cfg.Images.TransportDiskBytes,
			"diskPath":             cfg.Images.DiskPath,
			"prefetchLimit":        cfg.Images.PrefetchLimit,
		},
	}
}
