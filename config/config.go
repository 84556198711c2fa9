// Package config loads partsync settings from .env files and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the MetaSync connection and the import pipeline
const (
	DefaultBaseURL         = "https://apis.metasync.com/Almacen"
	DefaultChannel         = "MURCIA"
	DefaultPageSize        = 1000
	MaxPageSize            = 1000
	DefaultTimeout         = 20 * time.Second
	DefaultAPIDelay        = 200 * time.Millisecond
	DefaultBatchSize       = 100
	DefaultReconcileMode   = "delete"
	DefaultMaxRemovalRatio = 0.10
)

// Config holds everything read from the environment
type Config struct {
	MetaSync MetaSyncConfig
	Import   ImportConfig

	LogLevel  string
	LogFormat string
}

// MetaSyncConfig holds the supplier API connection settings
type MetaSyncConfig struct {
	APIKey    string
	CompanyID int
	Channel   string
	BaseURL   string
	PageSize  int
	Timeout   time.Duration
	APIDelay  time.Duration
}

// ImportConfig holds pipeline tuning knobs
type ImportConfig struct {
	BatchSize        int
	ReconcileMode    string
	MaxRemovalRatio  float64
	SchedulerEnabled bool
}

// Load reads configuration with this precedence:
//  1. environment variables
//  2. .env.local (nearest, walking up from the working directory)
//  3. .env (nearest, walking up from the working directory)
//
// godotenv never overrides variables that are already set, so loading
// .env.local before .env gives it priority.
func Load() (*Config, error) {
	for _, name := range []string{".env.local", ".env"} {
		if path := findUp(name); path != "" {
			_ = godotenv.Load(path)
		}
	}

	cfg := &Config{
		MetaSync: MetaSyncConfig{
			APIKey:   strings.TrimSpace(os.Getenv("METASYNC_API_KEY")),
			Channel:  getEnv("METASYNC_CHANNEL", DefaultChannel),
			BaseURL:  strings.TrimRight(getEnv("METASYNC_BASE_URL", DefaultBaseURL), "/"),
			PageSize: DefaultPageSize,
			Timeout:  DefaultTimeout,
			APIDelay: DefaultAPIDelay,
		},
		Import: ImportConfig{
			BatchSize:        DefaultBatchSize,
			ReconcileMode:    getEnv("IMPORT_RECONCILE_MODE", DefaultReconcileMode),
			MaxRemovalRatio:  DefaultMaxRemovalRatio,
			SchedulerEnabled: true,
		},
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.MetaSync.CompanyID, err = getInt("METASYNC_COMPANY_ID", 0); err != nil {
		return nil, err
	}
	if cfg.MetaSync.PageSize, err = getInt("METASYNC_PAGE_SIZE", DefaultPageSize); err != nil {
		return nil, err
	}
	if cfg.MetaSync.PageSize <= 0 || cfg.MetaSync.PageSize > MaxPageSize {
		cfg.MetaSync.PageSize = MaxPageSize
	}
	if cfg.MetaSync.Timeout, err = getDuration("METASYNC_TIMEOUT", DefaultTimeout); err != nil {
		return nil, err
	}
	if cfg.MetaSync.APIDelay, err = getDuration("METASYNC_API_DELAY", DefaultAPIDelay); err != nil {
		return nil, err
	}
	if cfg.Import.BatchSize, err = getInt("IMPORT_BATCH_SIZE", DefaultBatchSize); err != nil {
		return nil, err
	}
	if cfg.Import.BatchSize <= 0 {
		cfg.Import.BatchSize = DefaultBatchSize
	}
	if v := os.Getenv("IMPORT_MAX_REMOVAL_RATIO"); v != "" {
		ratio, perr := strconv.ParseFloat(v, 64)
		if perr != nil || ratio <= 0 || ratio > 1 {
			return nil, fmt.Errorf("IMPORT_MAX_REMOVAL_RATIO must be in (0,1], got %q", v)
		}
		cfg.Import.MaxRemovalRatio = ratio
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("IMPORT_SCHEDULER_ENABLED"))); v == "false" || v == "0" {
		cfg.Import.SchedulerEnabled = false
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}

// getDuration accepts Go durations ("20s") or a bare number of milliseconds
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}

// findUp walks up from the working directory looking for name
func findUp(name string) string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
