package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// CatalogPath points at a remote-catalog file (yaml/json/toml) merged with
	// the local directory scan during discovery.
	CatalogPath string `json:"catalog_path" yaml:"catalog_path" toml:"catalog_path"`

	// Memory accounting. Budget 0 means "use detected available memory".
	MemoryBudgetBytes int64   `json:"memory_budget_bytes" yaml:"memory_budget_bytes" toml:"memory_budget_bytes"`
	MemorySlackFactor float64 `json:"memory_slack_factor" yaml:"memory_slack_factor" toml:"memory_slack_factor"`
	PressureThreshold float64 `json:"pressure_threshold" yaml:"pressure_threshold" toml:"pressure_threshold"`

	// Download pipeline. Delays are in milliseconds.
	MaxParallelDownloads int `json:"max_parallel_downloads" yaml:"max_parallel_downloads" toml:"max_parallel_downloads"`
	DownloadRetries      int `json:"download_retries" yaml:"download_retries" toml:"download_retries"`
	RetryBaseDelayMS     int `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms" toml:"retry_base_delay_ms"`

	// Generation admission. Waits are in milliseconds.
	MaxQueueDepth  int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS      int `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	DrainTimeoutMS int `json:"drain_timeout_ms" yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`

	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
}

// RetryBaseDelay returns the configured retry base delay as a duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// MaxWait returns the configured admission wait as a duration.
func (c Config) MaxWait() time.Duration { return time.Duration(c.MaxWaitMS) * time.Millisecond }

// DrainTimeout returns the configured drain timeout as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
