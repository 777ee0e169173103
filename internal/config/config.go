// Package config loads the offline core configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the CELEBRA_OFFLINE_CONFIG environment variable. Every field has a default,
// so an absent file yields Default(). The loaded value is treated as
// read-only once components are constructed.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "CELEBRA_OFFLINE_CONFIG"

// Config is the root configuration.
type Config struct {
	// DataDir holds the persistent store and the cache storage files.
	DataDir string `yaml:"data_dir"`

	// Listen is the address of the local proxy and control API.
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Origin is the application origin whose requests are intercepted.
	Origin string `yaml:"origin"`

	API          APIConfig          `yaml:"api"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Worker       WorkerConfig       `yaml:"worker"`
	Features     FeaturesConfig     `yaml:"features"`
}

// APIConfig describes the remote API that queued records are sent to.
type APIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	ProposalsEndpoint string        `yaml:"proposals_endpoint"`
}

// StoreConfig bounds the persistent store.
type StoreConfig struct {
	// MaxRecordsPerCollection emulates the platform quota. Zero disables it.
	MaxRecordsPerCollection int `yaml:"max_records_per_collection"`
}

// CacheConfig configures the cache strategy engine.
type CacheConfig struct {
	Prefix  string `yaml:"prefix"`
	Version string `yaml:"version"`

	// MaxEntries is the per-namespace cap; MaxEntriesByClass overrides it
	// for individual resource classes.
	MaxEntries        int            `yaml:"max_entries"`
	MaxEntriesByClass map[string]int `yaml:"max_entries_by_class"`

	Expiration time.Duration `yaml:"expiration"`

	NeverCache           []string `yaml:"never_cache"`
	StaleWhileRevalidate []string `yaml:"stale_while_revalidate"`
	SWRExtensions        []string `yaml:"swr_extensions"`
	ImageExtensions      []string `yaml:"image_extensions"`
	FontExtensions       []string `yaml:"font_extensions"`
	APIPrefix            string   `yaml:"api_prefix"`
	UserDataPrefix       string   `yaml:"user_data_prefix"`
}

// SyncConfig configures the sync orchestrator.
type SyncConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	Concurrency       int           `yaml:"concurrency"`
	StaleSyncingAfter time.Duration `yaml:"stale_syncing_after"`
}

// ConnectivityConfig configures the connectivity and wake-up coordinator.
type ConnectivityConfig struct {
	PingURL         string        `yaml:"ping_url"`
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	GoodLatency     time.Duration `yaml:"good_latency"`
	FairLatency     time.Duration `yaml:"fair_latency"`
	PeriodicCheck   time.Duration `yaml:"periodic_check"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	BackgroundSync  bool          `yaml:"background_sync"`
	PeriodicSync    bool          `yaml:"periodic_sync"`
	PeriodicMinimum time.Duration `yaml:"periodic_minimum"`
}

// WorkerConfig configures the request interception layer.
type WorkerConfig struct {
	// ShellManifest lists the assets precached on install.
	ShellManifest []string `yaml:"shell_manifest"`

	// PeriodicContent lists URLs refreshed by the sync-content wake-up.
	PeriodicContent []string `yaml:"periodic_content"`

	DefaultNotificationTitle string `yaml:"default_notification_title"`
}

// FeaturesConfig declares platform capabilities reported by the feature
// probe. Background and periodic sync come from ConnectivityConfig.
type FeaturesConfig struct {
	Push          bool `yaml:"push"`
	Notification  bool `yaml:"notification"`
	InstallPrompt bool `yaml:"install_prompt"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		Listen:   "127.0.0.1:8090",
		LogLevel: "info",
		Origin:   "http://127.0.0.1:3000",
		API: APIConfig{
			BaseURL:           "http://127.0.0.1:3000",
			Timeout:           30 * time.Second,
			ProposalsEndpoint: "/api/proposals",
		},
		Store: StoreConfig{
			MaxRecordsPerCollection: 5000,
		},
		Cache: CacheConfig{
			Prefix:     "celebra",
			Version:    "v1",
			MaxEntries: 100,
			Expiration: 7 * 24 * time.Hour,
			NeverCache: []string{
				`/api/auth`,
				`/login`,
				`/logout`,
				`/api/token/refresh`,
				`/refresh-token`,
			},
			StaleWhileRevalidate: []string{
				`^/api/user/profile`,
				`^/api/proposals/status`,
				`^/api/dashboard`,
			},
			SWRExtensions:   []string{".css", ".js"},
			ImageExtensions: []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif"},
			FontExtensions:  []string{".woff", ".woff2", ".ttf", ".otf", ".eot"},
			APIPrefix:       "/api/",
			UserDataPrefix:  "/api/user",
		},
		Sync: SyncConfig{
			MaxRetries:        5,
			Concurrency:       4,
			StaleSyncingAfter: 5 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			PingURL:         "http://127.0.0.1:3000/api/health",
			ProbeInterval:   30 * time.Second,
			ProbeTimeout:    5 * time.Second,
			GoodLatency:     300 * time.Millisecond,
			FairLatency:     1000 * time.Millisecond,
			PeriodicCheck:   time.Hour,
			RetryInterval:   60 * time.Second,
			BackgroundSync:  true,
			PeriodicSync:    true,
			PeriodicMinimum: 12 * time.Hour,
		},
		Worker: WorkerConfig{
			ShellManifest: []string{
				"/",
				"/offline",
				"/manifest.json",
				"/icons/icon-192x192.png",
				"/icons/icon-512x512.png",
			},
			PeriodicContent:          []string{"/api/dashboard"},
			DefaultNotificationTitle: "Celebra Capital",
		},
		Features: FeaturesConfig{
			Push:          true,
			Notification:  true,
			InstallPrompt: false,
		},
	}
}

// Load reads the YAML file at path over Default(). An empty path falls back
// to the CELEBRA_OFFLINE_CONFIG environment variable; if both are empty the
// defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the components rely on.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := url.ParseRequestURI(c.Origin); err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	for class, n := range c.Cache.MaxEntriesByClass {
		if n <= 0 {
			return fmt.Errorf("cache.max_entries_by_class[%s] must be positive, got %d", class, n)
		}
	}
	if c.Cache.Expiration <= 0 {
		return fmt.Errorf("cache.expiration must be positive")
	}
	if c.Cache.Version == "" || c.Cache.Prefix == "" {
		return fmt.Errorf("cache.prefix and cache.version are required")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Connectivity.ProbeInterval <= 0 || c.Connectivity.PeriodicCheck <= 0 || c.Connectivity.RetryInterval <= 0 {
		return fmt.Errorf("connectivity intervals must be positive")
	}
	if c.Store.MaxRecordsPerCollection < 0 {
		return fmt.Errorf("store.max_records_per_collection must not be negative")
	}
	return nil
}

// MaxEntriesFor returns the cap for a resource class.
func (c *CacheConfig) MaxEntriesFor(class string) int {
	if n, ok := c.MaxEntriesByClass[class]; ok {
		return n
	}
	return c.MaxEntries
}
