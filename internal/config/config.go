package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/review-enrich/internal/batch"
	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/monitoring"
	"github.com/sells-group/review-enrich/internal/provider"
	"github.com/sells-group/review-enrich/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store     jobs.StoreConfig     `yaml:"store" mapstructure:"store"`
	Providers provider.Credentials `yaml:"providers" mapstructure:"providers"`
	Limits    LimitsConfig         `yaml:"limits" mapstructure:"limits"`
	Timeouts  TimeoutsConfig       `yaml:"timeouts" mapstructure:"timeouts"`
	Cache     CacheConfig          `yaml:"cache" mapstructure:"cache"`
	Runner    jobs.RunnerConfig    `yaml:"runner" mapstructure:"runner"`
	Batch     batch.Config         `yaml:"batch" mapstructure:"batch"`
	Fetch     FetchConfig          `yaml:"fetch" mapstructure:"fetch"`
	Server    ServerConfig         `yaml:"server" mapstructure:"server"`
	Monitor   monitoring.Config    `yaml:"monitoring" mapstructure:"monitoring"`
	Log       LogConfig            `yaml:"log" mapstructure:"log"`
	// WaterfallPath points at an optional YAML file of waterfall tiers and
	// thresholds. Empty uses the built-in defaults.
	WaterfallPath string `yaml:"waterfall_path" mapstructure:"waterfall_path"`
}

// LimitsConfig configures per-provider admission control.
type LimitsConfig struct {
	Default   resilience.LimitConfig            `yaml:"default" mapstructure:"default"`
	Providers map[string]resilience.LimitConfig `yaml:"providers" mapstructure:"providers"`
}

// TimeoutsConfig holds per-attempt provider call timeouts.
type TimeoutsConfig struct {
	Default   time.Duration            `yaml:"default" mapstructure:"default"`
	Providers map[string]time.Duration `yaml:"providers" mapstructure:"providers"`
}

// CacheConfig configures the result cache tiers.
type CacheConfig struct {
	TTL         time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxEntries  int           `yaml:"max_entries" mapstructure:"max_entries"`
	DurablePath string        `yaml:"durable_path" mapstructure:"durable_path"`
}

// FetchConfig configures downloads of remote input sources.
type FetchConfig struct {
	UserAgent  string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// ServerConfig configures the job API server.
type ServerConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	OutputTTL      time.Duration `yaml:"output_ttl" mapstructure:"output_ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", jobs.DriverSQLite)
	v.SetDefault("store.dsn", "data/jobs.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.poll_interval", jobs.DefaultPollInterval)
	v.SetDefault("server.output_ttl", 7*24*time.Hour)
	v.SetDefault("batch.concurrency", 6)
	v.SetDefault("batch.output_dir", "output")
	v.SetDefault("fetch.user_agent", "review-enrich/1.0")
	v.SetDefault("fetch.timeout", 60*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("limits.default.concurrency", 6)
	v.SetDefault("limits.providers", map[string]any{
		provider.FullEnrich: map[string]any{"concurrency": 4},
	})
	v.SetDefault("timeouts.default", 10*time.Second)
	v.SetDefault("timeouts.providers", map[string]any{
		provider.FullEnrich:  20 * time.Second,
		provider.WebsiteScan: 15 * time.Second,
	})
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.durable_path", "data/enrichment_cache.json")
	v.SetDefault("runner.job_timeout", jobs.DefaultJobTimeout)
	v.SetDefault("runner.log_enqueue_timeout", 50*time.Millisecond)
	v.SetDefault("runner.fail_orphans", true)
	v.SetDefault("runner.required_providers", []string{})
	v.SetDefault("monitoring.check_interval", monitoring.DefaultCheckInterval)
	v.SetDefault("monitoring.lookback_window", monitoring.DefaultLookbackWindow)
	v.SetDefault("monitoring.job_failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.entity_failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.stuck_after", 3*time.Hour)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("providers.website_scan", true)

	// Credentials are nested and have no defaults to trigger AutomaticEnv.
	for _, key := range []string{
		"providers.google_places_key", "providers.yelp_key", "providers.fullenrich_key",
		"providers.apollo_key", "providers.hunter_key", "providers.snov_client_id",
		"providers.snov_client_secret", "providers.opencorporates_token",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the values a command needs before it touches any
// backend. mode is "serve", "enrich" or "jobs".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case jobs.DriverPostgres, jobs.DriverSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Sprintf("store.dsn is required for driver %q", c.Store.Driver))
		}
	case jobs.DriverMemory:
	default:
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
		for name, r := range map[string]float64{
			"job_failure_rate_threshold":    c.Monitor.JobFailureRateThreshold,
			"entity_failure_rate_threshold": c.Monitor.EntityFailureRateThreshold,
		} {
			if r < 0 || r > 1 {
				errs = append(errs, fmt.Sprintf("monitoring.%s must be between 0 and 1", name))
			}
		}
		fallthrough
	case "enrich":
		if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 64 {
			errs = append(errs, "batch.concurrency must be between 1 and 64")
		}
		if c.Batch.OutputDir == "" {
			errs = append(errs, "batch.output_dir is required")
		}
		if c.Limits.Default.Concurrency < 0 || c.Limits.Default.RPS < 0 {
			errs = append(errs, "limits.default values must be >= 0")
		}
		for name, l := range c.Limits.Providers {
			if l.Concurrency < 0 || l.RPS < 0 {
				errs = append(errs, fmt.Sprintf("limits.providers.%s values must be >= 0", name))
			}
		}
	case "jobs":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ClientOptions turns the timeout settings into resilient client options.
func (c *Config) ClientOptions() []resilience.ClientOption {
	var opts []resilience.ClientOption
	if c.Timeouts.Default > 0 {
		opts = append(opts, resilience.WithTimeout(c.Timeouts.Default))
	}
	for name, d := range c.Timeouts.Providers {
		opts = append(opts, resilience.WithProviderTimeout(name, d))
	}
	return opts
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
