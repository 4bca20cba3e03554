package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "negative port", mutate: func(c *Config) { c.Server.Listen.Port = -1 }},
		{name: "missing base url", mutate: func(c *Config) { c.Backend.BaseURL = " " }},
		{name: "relative base url", mutate: func(c *Config) { c.Backend.BaseURL = "/api" }},
		{name: "unknown session store", mutate: func(c *Config) { c.Session.Store = "vault" }},
		{name: "keyring without service", mutate: func(c *Config) { c.Session.KeyringService = "" }},
		{name: "zero create timeout", mutate: func(c *Config) { c.Session.CreateTimeoutSeconds = 0 }},
		{name: "unknown cache backend", mutate: func(c *Config) { c.Cache.Backend = "memcached" }},
		{name: "redis without address", mutate: func(c *Config) { c.Cache.Backend = "redis" }},
		{name: "zero cache ceiling", mutate: func(c *Config) { c.Cache.MaxBytes = 0 }},
		{name: "excessive key precision", mutate: func(c *Config) { c.Cache.KeyPrecision = 9 }},
		{name: "negative ttl", mutate: func(c *Config) { c.Cache.TTL.ReviewsSeconds = -1 }},
		{name: "zero batch size", mutate: func(c *Config) { c.Photos.BatchSize = 0 }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Photos.MaxConcurrent = 0 }},
		{name: "zero image entries", mutate: func(c *Config) { c.Images.MemoryEntries = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			candidate := DefaultConfig()
			tc.mutate(&candidate)
			require.Error(t, candidate.Validate())
		})
	}

	t.Run("memory store needs no keyring service", func(t *testing.T) {
		candidate := DefaultConfig()
		candidate.Session.Store = "memory"
		candidate.Session.KeyringService = ""
		require.NoError(t, candidate.Validate())
	})

	t.Run("redis with address", func(t *testing.T) {
		candidate := DefaultConfig()
		candidate.Cache.Backend = "redis"
		candidate.Cache.Redis.Address = "127.0.0.1:6379"
		require.NoError(t, candidate.Validate())
	})
}

func TestDefaultDurations(t *testing.T) {
	cfg := DefaultConfig()

	search, reviews, place := cfg.Cache.TTL.Durations()
	require.Equal(t, time.Hour, search)
	require.Equal(t, 24*time.Hour, reviews)
	require.Equal(t, 48*time.Hour, place)

	require.Equal(t, time.Hour, cfg.Session.SafetyMargin())
	require.Equal(t, 15*time.Second, cfg.Session.CreateTimeout())
	require.Equal(t, 100*time.Millisecond, cfg.Photos.BatchDelay())
}
