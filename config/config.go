// Package config resolves the client options from the environment with CLI
// overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every knob the engine consumes. Values come from SWARM_*
// environment variables; the CLI may override them per run.
type Config struct {
	// DownloadDirectory roots all files produced by the torrents.
	DownloadDirectory string `envconfig:"DOWNLOAD_DIRECTORY"`
	// BaseListenPort is the listen port for the first torrent; the nth
	// torrent uses BaseListenPort+n-1.
	BaseListenPort int `envconfig:"BASE_LISTEN_PORT" default:"6881"`
	// MaxConcurrentDownloads is the downloader worker pool size per torrent.
	MaxConcurrentDownloads int `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"48"`
	// MaxConcurrentUploads caps inbound seeding peers per torrent.
	MaxConcurrentUploads int `envconfig:"MAX_CONCURRENT_UPLOADS" default:"10"`
	// AnnounceIntervalMinutes is the tracker re-announce period.
	AnnounceIntervalMinutes int `envconfig:"ANNOUNCE_INTERVAL_MINUTES" default:"1"`
}

// Load reads the environment, filling the user-specific download directory
// when none is configured.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("swarm", &cfg); err != nil {
		return nil, err
	}
	if cfg.DownloadDirectory == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no download directory configured and no home directory: %w", err)
		}
		cfg.DownloadDirectory = filepath.Join(home, "Downloads")
	}
	return &cfg, cfg.Validate()
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.BaseListenPort <= 0 || c.BaseListenPort > 65535 {
		return fmt.Errorf("base listen port %d out of range", c.BaseListenPort)
	}
	if c.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("max concurrent downloads must be positive, got %d", c.MaxConcurrentDownloads)
	}
	if c.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("max concurrent uploads must be positive, got %d", c.MaxConcurrentUploads)
	}
	if c.AnnounceIntervalMinutes <= 0 {
		return fmt.Errorf("announce interval must be positive, got %d", c.AnnounceIntervalMinutes)
	}
	return nil
}
