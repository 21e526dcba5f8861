package model

import (
	"errors"
	"fmt"
	"time"
)

// Config is the complete runtime configuration
type Config struct {
	Archive  ArchiveConfig  `yaml:"archive" mapstructure:"archive"`
	Index    IndexConfig    `yaml:"index" mapstructure:"index"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Batch    BatchConfig    `yaml:"batch" mapstructure:"batch"`
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`
	Proxy    ProxyConfig    `yaml:"proxy" mapstructure:"proxy"`
}

// ArchiveConfig selects and configures the archive member source
type ArchiveConfig struct {
	Source string    `yaml:"source" mapstructure:"source"` // ftp, zip, dir, gcs
	FTP    FTPConfig `yaml:"ftp" mapstructure:"ftp"`
	Zip    string    `yaml:"zip" mapstructure:"zip"` // Local archive ZIP
	Dir    string    `yaml:"dir" mapstructure:"dir"` // Directory of extracted members
	GCS    GCSConfig `yaml:"gcs" mapstructure:"gcs"`
}

// FTPConfig configures the remote archive server
type FTPConfig struct {
	Host     string        `yaml:"host" mapstructure:"host"`
	User     string        `yaml:"user" mapstructure:"user"`
	Password string        `yaml:"password" mapstructure:"password"`
	ZipName  string        `yaml:"zip_name" mapstructure:"zip_name"` // Empty selects the latest comptes_annuels ZIP
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`   // Dial and control-connection timeout
}

// GCSConfig configures a bucket holding one object per member
type GCSConfig struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// IndexConfig locates the persisted range index
type IndexConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// StoreConfig configures the local relational store
type StoreConfig struct {
	Path           string `yaml:"path" mapstructure:"path"`
	BatchSize      int    `yaml:"batch_size" mapstructure:"batch_size"`
	RetentionYears int    `yaml:"retention_years" mapstructure:"retention_years"`
}

// CacheConfig configures the member cache and lookup result cache
type CacheConfig struct {
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	Keep      bool          `yaml:"keep" mapstructure:"keep"` // Persistent-cache mode, members are never evicted
	LookupTTL time.Duration `yaml:"lookup_ttl" mapstructure:"lookup_ttl"`
}

// FetchConfig configures remote member retrieval
type FetchConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
	MaxDelay       time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// BatchConfig configures the batch scheduler
type BatchConfig struct {
	Workers       int    `yaml:"workers" mapstructure:"workers"`
	MaxYears      int    `yaml:"max_years" mapstructure:"max_years"`
	FailurePolicy string `yaml:"failure_policy" mapstructure:"failure_policy"` // failed, not_found
}

// RegistryConfig configures the company identification API client
type RegistryConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
	CacheDir          string        `yaml:"cache_dir" mapstructure:"cache_dir"`
	CacheTTL          time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// ProxyConfig configures outbound proxies
type ProxyConfig struct {
	HTTP  string `yaml:"http" mapstructure:"http"`
	HTTPS string `yaml:"https" mapstructure:"https"`
	SOCKS string `yaml:"socks" mapstructure:"socks"` // socks5://host:port, used for FTP connections
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Archive: ArchiveConfig{
			Source: "ftp",
			FTP: FTPConfig{
				Host:    "www.inpi.net:21",
				Timeout: 30 * time.Second,
			},
			Dir: "rne_cache",
		},
		Index: IndexConfig{
			Path: "rne_siren_ranges.json",
		},
		Store: StoreConfig{
			Path:           "rne_finances.db",
			BatchSize:      10000,
			RetentionYears: 7,
		},
		Cache: CacheConfig{
			Dir:       ".sirenrich/members",
			LookupTTL: 30 * time.Minute,
		},
		Fetch: FetchConfig{
			AttemptTimeout: 2 * time.Minute,
			MaxAttempts:    3,
			BaseDelay:      2 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
			MaxDelay:       30 * time.Second,
		},
		Batch: BatchConfig{
			Workers:       3,
			MaxYears:      7,
			FailurePolicy: "failed",
		},
		Registry: RegistryConfig{
			BaseURL:           "https://recherche-entreprises.api.gouv.fr",
			RequestsPerSecond: 2,
			Burst:             1,
			Timeout:           10 * time.Second,
			UserAgent:         "sirenrich/0.3",
			CacheDir:          ".sirenrich/registry",
			CacheTTL:          24 * time.Hour,
		},
	}
}

// RetentionCutoff returns January 1st of the oldest retained year
func RetentionCutoff(now time.Time, years int) time.Time {
	if years <= 0 {
		return time.Time{}
	}
	return time.Date(now.Year()-years, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// Validate reports every setting that cannot work, joined into one error
func (c *Config) Validate() error {
	var errs []error

	switch c.Archive.Source {
	case "ftp":
		if c.Archive.FTP.Host == "" {
			errs = append(errs, errors.New("archive.ftp.host is empty"))
		}
	case "zip":
		if c.Archive.Zip == "" {
			errs = append(errs, errors.New("archive.zip is empty"))
		}
	case "dir", "cache":
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is empty"))
		}
	case "gcs":
		if c.Archive.GCS.Bucket == "" {
			errs = append(errs, errors.New("archive.gcs.bucket is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.source %q: want ftp, zip, dir or gcs", c.Archive.Source))
	}

	if c.Store.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("store.batch_size must be positive, got %d", c.Store.BatchSize))
	}
	if c.Store.RetentionYears < 0 {
		errs = append(errs, fmt.Errorf("store.retention_years must not be negative, got %d", c.Store.RetentionYears))
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_attempts must be at least 1, got %d", c.Fetch.MaxAttempts))
	}
	if c.Fetch.Jitter < 0 || c.Fetch.Jitter > 1 {
		errs = append(errs, fmt.Errorf("fetch.jitter must be within [0, 1], got %g", c.Fetch.Jitter))
	}
	if c.Batch.Workers < 1 {
		errs = append(errs, fmt.Errorf("batch.workers must be at least 1, got %d", c.Batch.Workers))
	}
	if c.Batch.MaxYears < 1 {
		errs = append(errs, fmt.Errorf("batch.max_years must be at least 1, got %d", c.Batch.MaxYears))
	}
	switch c.Batch.FailurePolicy {
	case "", "failed", "not_found":
	default:
		errs = append(errs, fmt.Errorf("batch.failure_policy %q: want failed or not_found", c.Batch.FailurePolicy))
	}
	if c.Registry.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("registry.requests_per_second must not be negative, got %g", c.Registry.RequestsPerSecond))
	}

	return errors.Join(errs...)
}
