// Package config loads peer runtime settings from a TOML file.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds everything a peer process needs to stand up a listener or
// dial out: addresses, pool sizing, serializer buffer estimates, rate
// limits, and discovery endpoints.
type Config struct {
	ListenAddr    string `toml:"listen_addr"`
	AdvertiseAddr string `toml:"advertise_addr"`
	PeerName      string `toml:"peer_name"`

	BufferPool struct {
		MaxPerClass int `toml:"max_per_class"`
	} `toml:"buffer_pool"`

	// ReturnBufferSize is the initial rent for result/exception payloads;
	// the serializer grows past it on demand.
	ReturnBufferSize int `toml:"return_buffer_size"`

	RateLimit struct {
		PerSecond float64 `toml:"per_second"`
		Burst     int     `toml:"burst"`
	} `toml:"rate_limit"`

	Etcd struct {
		Endpoints []string `toml:"endpoints"`
		LeaseTTL  int64    `toml:"lease_ttl"`
	} `toml:"etcd"`
}

// Default returns the settings used when the file leaves them out.
func Default() Config {
	var cfg Config
	cfg.ListenAddr = ":7411"
	cfg.BufferPool.MaxPerClass = 64
	cfg.ReturnBufferSize = 512
	cfg.Etcd.LeaseTTL = 10
	return cfg
}

// Load reads path, overlays it onto the defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.BufferPool.MaxPerClass < 0 {
		return fmt.Errorf("buffer_pool.max_per_class must not be negative")
	}
	if c.ReturnBufferSize < 0 {
		return fmt.Errorf("return_buffer_size must not be negative")
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit.per_second must not be negative")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive when rate limiting is enabled")
	}
	if len(c.Etcd.Endpoints) > 0 {
		if strings.TrimSpace(c.PeerName) == "" {
			return fmt.Errorf("peer_name is required when etcd discovery is configured")
		}
		if strings.TrimSpace(c.AdvertiseAddr) == "" {
			return fmt.Errorf("advertise_addr is required when etcd discovery is configured")
		}
	}
	return nil
}
