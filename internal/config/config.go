// Package config loads and validates service configuration with viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Concurrency  ConcurrencyConfig  `mapstructure:"concurrency"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Block        BlockConfig        `mapstructure:"block"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Patterns     PatternsConfig     `mapstructure:"patterns"`
	Publisher    PublisherConfig    `mapstructure:"publisher"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type OrchestratorConfig struct {
	Workers      int  `mapstructure:"workers"`
	QueueSize    int  `mapstructure:"queue_size"`
	MaxPages     int  `mapstructure:"max_pages"`
	SeriesScan   bool `mapstructure:"series_scan"`
	MaxSeriesHop int  `mapstructure:"max_series_hop"`
}

type RateLimitConfig struct {
	GlobalRate        float64 `mapstructure:"global_rate"`
	GlobalBurst       int     `mapstructure:"global_burst"`
	PerDomainRate     float64 `mapstructure:"per_domain_rate"`
	PerDomainBurst    int     `mapstructure:"per_domain_burst"`
	MaxTrackedDomains int     `mapstructure:"max_tracked_domains"`
}

type ConcurrencyConfig struct {
	GlobalMax    int `mapstructure:"global_max"`
	PerDomainMax int `mapstructure:"per_domain_max"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type BlockConfig struct {
	SuccessesToRecover int `mapstructure:"successes_to_recover"`
}

type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type HeadlessConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	ProxyURL string        `mapstructure:"proxy_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type ProgressConfig struct {
	Dir         string `mapstructure:"dir"`
	CommitEvery int    `mapstructure:"commit_every"`
}

type PatternsConfig struct {
	// Backend is "memory", "file" or "postgres".
	Backend     string `mapstructure:"backend"`
	FilePath    string `mapstructure:"file_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type PublisherConfig struct {
	// Backend is "memory" or "pubsub".
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

type StorageConfig struct {
	// Backend is "local" or "gcs".
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given file (optional) and CRAWLD_*
// environment variables, applying defaults for everything unset.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CRAWLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("orchestrator.workers", 8)
	v.SetDefault("orchestrator.queue_size", 1024)
	v.SetDefault("orchestrator.max_pages", 100)
	v.SetDefault("orchestrator.series_scan", true)
	v.SetDefault("orchestrator.max_series_hop", 100)

	v.SetDefault("rate_limit.global_rate", 5.0)
	v.SetDefault("rate_limit.global_burst", 10)
	v.SetDefault("rate_limit.per_domain_rate", 1.0)
	v.SetDefault("rate_limit.per_domain_burst", 2)
	v.SetDefault("rate_limit.max_tracked_domains", 10000)

	v.SetDefault("concurrency.global_max", 16)
	v.SetDefault("concurrency.per_domain_max", 2)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 5*time.Second)
	v.SetDefault("retry.max_delay", 60*time.Second)
	v.SetDefault("retry.jitter", 0.1)

	v.SetDefault("block.successes_to_recover", 5)

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "")

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.timeout", 60*time.Second)

	v.SetDefault("progress.dir", "./progress")
	v.SetDefault("progress.commit_every", 5)

	v.SetDefault("patterns.backend", "memory")
	v.SetDefault("patterns.file_path", "./site_patterns.json")

	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.topic", "crawl-runs")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./artifacts")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be positive, got %d", c.Orchestrator.Workers)
	}
	if c.RateLimit.GlobalRate <= 0 || c.RateLimit.PerDomainRate <= 0 {
		return fmt.Errorf("rate_limit rates must be positive")
	}
	if c.RateLimit.GlobalBurst <= 0 || c.RateLimit.PerDomainBurst <= 0 {
		return fmt.Errorf("rate_limit bursts must be positive")
	}
	if c.Concurrency.GlobalMax <= 0 || c.Concurrency.PerDomainMax <= 0 {
		return fmt.Errorf("concurrency limits must be positive")
	}
	if c.Concurrency.PerDomainMax > c.Concurrency.GlobalMax {
		return fmt.Errorf("concurrency.per_domain_max %d exceeds global_max %d",
			c.Concurrency.PerDomainMax, c.Concurrency.GlobalMax)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0,1), got %g", c.Retry.Jitter)
	}
	if c.Progress.CommitEvery <= 0 {
		return fmt.Errorf("progress.commit_every must be positive, got %d", c.Progress.CommitEvery)
	}
	switch c.Patterns.Backend {
	case "memory", "file", "postgres":
	default:
		return fmt.Errorf("unknown patterns.backend %q", c.Patterns.Backend)
	}
	switch c.Publisher.Backend {
	case "memory", "pubsub":
	default:
		return fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend)
	}
	switch c.Storage.Backend {
	case "local", "gcs":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}
