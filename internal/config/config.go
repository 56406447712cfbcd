// Package config implements TOML configuration loading with defaults and
// environment overrides for fetcharr. Every field can be overridden through
// a FETCHARR_-prefixed environment variable; the override chain is
// defaults -> config file -> environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration parsed from the TOML file.
type Config struct {
	Server        ServerConfig    `toml:"server"`
	Downloads     DownloadsConfig `toml:"downloads"`
	Host          HostConfig      `toml:"host"`
	SeriesManager ArrConfig       `toml:"series_manager"`
	MovieManager  ArrConfig       `toml:"movie_manager"`
	Indexer       IndexerConfig   `toml:"indexer"`
	Retry         RetryConfig     `toml:"retry"`
	Logging       LoggingConfig   `toml:"logging"`
}

// ServerConfig controls the HTTP listener and where state lives.
type ServerConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	DataDir string `toml:"data_dir"`
}

// DownloadsConfig controls the library root and engine concurrency.
// SegmentsPerDownload is informational only; the transfer engine is
// single-stream with range resume.
type DownloadsConfig struct {
	Directory           string `toml:"directory"`
	MaxConcurrent       int    `toml:"max_concurrent"`
	SegmentsPerDownload int    `toml:"segments_per_download"`
}

// HostConfig holds credentials and endpoints for the file host.
type HostConfig struct {
	BaseURL            string `toml:"base_url"`
	Email              string `toml:"email"`
	Password           string `toml:"password"`
	PreferSecondaryAPI bool   `toml:"prefer_secondary_api"`
	SessionID          string `toml:"session_id"`
}

// ArrConfig configures one downstream library manager instance.
type ArrConfig struct {
	Enabled          bool   `toml:"enabled"`
	URL              string `toml:"url"`
	APIKey           string `toml:"api_key"`
	AutoImport       bool   `toml:"auto_import"`
	QualityProfileID int    `toml:"quality_profile_id"`
}

// IndexerConfig configures the external catalog/indexer service.
type IndexerConfig struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"`
}

// RetryConfig controls the orchestrator's exponential backoff.
type RetryConfig struct {
	MaxRetries   int `toml:"max_retries"`
	BaseDelayMs  int `toml:"base_delay_ms"`
	MaxDelayMs   int `toml:"max_delay_ms"`
	MaxDelaySecs int `toml:"max_delay_secs"`
}

// LoggingConfig controls log level and the optional JSON log file.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8686,
			DataDir: filepath.Join(home, ".fetcharr"),
		},
		Downloads: DownloadsConfig{
			Directory:           filepath.Join(home, "downloads"),
			MaxConcurrent:       3,
			SegmentsPerDownload: 1,
		},
		Host:          HostConfig{},
		SeriesManager: ArrConfig{QualityProfileID: 1},
		MovieManager:  ArrConfig{QualityProfileID: 1},
		Retry: RetryConfig{
			MaxRetries:   3,
			BaseDelayMs:  1000,
			MaxDelayMs:   60000,
			MaxDelaySecs: 300,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path (if it exists), applies environment
// overrides, and validates the result. A missing file is not an error; the
// defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Downloads.MaxConcurrent < 1 {
		return fmt.Errorf("downloads.max_concurrent must be at least 1, got %d", c.Downloads.MaxConcurrent)
	}
	if c.Downloads.Directory == "" {
		return fmt.Errorf("downloads.directory must be set")
	}
	if c.SeriesManager.Enabled && c.SeriesManager.URL == "" {
		return fmt.Errorf("series_manager.url must be set when series_manager is enabled")
	}
	if c.MovieManager.Enabled && c.MovieManager.URL == "" {
		return fmt.Errorf("movie_manager.url must be set when movie_manager is enabled")
	}
	return nil
}

// DatabasePath returns the SQLite file location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Server.DataDir, "fetcharr.db")
}

// RetryBaseDelay returns the backoff base as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the backoff ceiling as a duration.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

// applyEnv overlays FETCHARR_* environment variables onto the config.
func (c *Config) applyEnv() {
	envString("FETCHARR_SERVER_HOST", &c.Server.Host)
	envInt("FETCHARR_SERVER_PORT", &c.Server.Port)
	envString("FETCHARR_SERVER_DATA_DIR", &c.Server.DataDir)

	envString("FETCHARR_DOWNLOADS_DIRECTORY", &c.Downloads.Directory)
	envInt("FETCHARR_DOWNLOADS_MAX_CONCURRENT", &c.Downloads.MaxConcurrent)
	envInt("FETCHARR_DOWNLOADS_SEGMENTS_PER_DOWNLOAD", &c.Downloads.SegmentsPerDownload)

	envString("FETCHARR_HOST_BASE_URL", &c.Host.BaseURL)
	envString("FETCHARR_HOST_EMAIL", &c.Host.Email)
	envString("FETCHARR_HOST_PASSWORD", &c.Host.Password)
	envBool("FETCHARR_HOST_PREFER_SECONDARY_API", &c.Host.PreferSecondaryAPI)
	envString("FETCHARR_HOST_SESSION_ID", &c.Host.SessionID)

	envBool("FETCHARR_SERIES_MANAGER_ENABLED", &c.SeriesManager.Enabled)
	envString("FETCHARR_SERIES_MANAGER_URL", &c.SeriesManager.URL)
	envString("FETCHARR_SERIES_MANAGER_API_KEY", &c.SeriesManager.APIKey)
	envBool("FETCHARR_SERIES_MANAGER_AUTO_IMPORT", &c.SeriesManager.AutoImport)
	envInt("FETCHARR_SERIES_MANAGER_QUALITY_PROFILE_ID", &c.SeriesManager.QualityProfileID)

	envBool("FETCHARR_MOVIE_MANAGER_ENABLED", &c.MovieManager.Enabled)
	envString("FETCHARR_MOVIE_MANAGER_URL", &c.MovieManager.URL)
	envString("FETCHARR_MOVIE_MANAGER_API_KEY", &c.MovieManager.APIKey)
	envBool("FETCHARR_MOVIE_MANAGER_AUTO_IMPORT", &c.MovieManager.AutoImport)
	envInt("FETCHARR_MOVIE_MANAGER_QUALITY_PROFILE_ID", &c.MovieManager.QualityProfileID)

	envBool("FETCHARR_INDEXER_ENABLED", &c.Indexer.Enabled)
	envString("FETCHARR_INDEXER_API_KEY", &c.Indexer.APIKey)

	envInt("FETCHARR_RETRY_MAX_RETRIES", &c.Retry.MaxRetries)
	envInt("FETCHARR_RETRY_BASE_DELAY_MS", &c.Retry.BaseDelayMs)
	envInt("FETCHARR_RETRY_MAX_DELAY_MS", &c.Retry.MaxDelayMs)
	envInt("FETCHARR_RETRY_MAX_DELAY_SECS", &c.Retry.MaxDelaySecs)

	envString("FETCHARR_LOGGING_LEVEL", &c.Logging.Level)
	envString("FETCHARR_LOGGING_FILE", &c.Logging.File)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
