// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/JakeFAU/policy-ingest/internal/content"
	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/discovery"
	collyfetcher "github.com/JakeFAU/policy-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/policy-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/policy-ingest/internal/headless/detector"
	"github.com/JakeFAU/policy-ingest/internal/lifecycle"
	"github.com/JakeFAU/policy-ingest/internal/logging"
	"github.com/JakeFAU/policy-ingest/internal/pipeline"
	"github.com/JakeFAU/policy-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/policy-ingest/internal/progress"
	"github.com/JakeFAU/policy-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/policy-ingest/internal/storage"
	"github.com/JakeFAU/policy-ingest/internal/storage/postgres"
)

// EnvPrefix prefixes every environment override, e.g. POLICY_SERVER_PORT.
const EnvPrefix = "POLICY"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Logging   logging.Config      `mapstructure:"logging"`
	Fetcher   collyfetcher.Config `mapstructure:"fetcher"`
	RateLimit ratelimit.Config    `mapstructure:"rate_limit"`
	Renderer  headless.Config     `mapstructure:"renderer"`
	Content   content.Config      `mapstructure:"content"`
	Detector  detector.Config     `mapstructure:"detector"`
	Discovery discovery.Config    `mapstructure:"discovery"`
	Lifecycle lifecycle.Config    `mapstructure:"lifecycle"`
	Pipeline  pipeline.Config     `mapstructure:"pipeline"`
	Storage   storage.Config      `mapstructure:"storage"`
	DB        postgres.Config     `mapstructure:"db"`
	PubSub    pubsub.Config       `mapstructure:"pubsub"`
	Progress  progress.Config     `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Lifecycle.Policies) == 0 {
		cfg.Lifecycle.Policies = lifecycle.DefaultPolicies()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "2m")
	v.SetDefault("server.shutdown_timeout", "20s")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("fetcher.user_agent", "policy-ingest/1.0")
	v.SetDefault("fetcher.timeout", "15s")
	v.SetDefault("fetcher.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetcher.retry.max_attempts", 3)
	v.SetDefault("fetcher.retry.base_delay", "250ms")
	v.SetDefault("fetcher.retry.max_delay", "4s")

	v.SetDefault("rate_limit.default_rps", 2.0)
	v.SetDefault("rate_limit.default_burst", 2)

	v.SetDefault("renderer.enabled", false)
	v.SetDefault("renderer.max_sessions", 2)
	v.SetDefault("renderer.navigation_timeout", "30s")
	v.SetDefault("renderer.capture_timeout", "5s")
	v.SetDefault("renderer.settle_delay", "500ms")

	v.SetDefault("content.min_language_confidence", 0.5)
	v.SetDefault("content.min_language_runes", 20)

	v.SetDefault("detector.min_text_chars", 400)
	v.SetDefault("detector.min_text_ratio", 0.02)

	v.SetDefault("discovery.max_pages", 50)
	v.SetDefault("discovery.max_depth", 3)
	v.SetDefault("discovery.concurrency", 4)
	v.SetDefault("discovery.user_agent", "policy-ingest/1.0")
	v.SetDefault("discovery.sitemap_paths", []string{"/sitemap.xml"})
	v.SetDefault("discovery.max_sitemaps", 10)
	v.SetDefault("discovery.max_sitemap_urls", 5000)

	v.SetDefault("lifecycle.enabled", true)

	v.SetDefault("pipeline.scrape_concurrency", 4)
	v.SetDefault("pipeline.archive_prefix", "snapshots")
	v.SetDefault("pipeline.min_confidence", 0.5)

	v.SetDefault("storage.backend", storage.BackendMemory)
	v.SetDefault("storage.local.base_dir", "data/snapshots")
	v.SetDefault("storage.gcs.verify_bucket", true)

	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", true)

	v.SetDefault("pubsub.topic", "policy-documents")

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
}

// Validate checks struct tags and then the rules that span sections.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Fetcher.Timeout <= 0 {
		errs = append(errs, errors.New("fetcher.timeout must be > 0"))
	}
	if c.Renderer.Enabled && c.Renderer.MaxSessions <= 0 {
		errs = append(errs, errors.New("renderer.max_sessions must be > 0 when the renderer is enabled"))
	}
	switch c.Storage.Backend {
	case storage.BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required for the local backend"))
		}
	case storage.BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket is required for the gcs backend"))
		}
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		errs = append(errs, errors.New("pubsub.topic is required when pubsub.project_id is set"))
	}
	if c.DB.MinConns > c.DB.MaxConns && c.DB.MaxConns > 0 {
		errs = append(errs, errors.New("db.min_conns must not exceed db.max_conns"))
	}
	seen := make(map[crawler.JobKind]bool)
	for _, p := range c.Lifecycle.Policies {
		if p.Kind != crawler.JobKindScrape && p.Kind != crawler.JobKindAnalysis {
			errs = append(errs, fmt.Errorf("lifecycle policy kind %q is unknown", p.Kind))
		}
		if seen[p.Kind] {
			errs = append(errs, fmt.Errorf("lifecycle policy kind %q is configured twice", p.Kind))
		}
		seen[p.Kind] = true
	}
	return errors.Join(errs...)
}

// DiscoveryDefaults returns the discovery bounds with the fetcher's user agent
// filled in when discovery does not name its own.
func (c Config) DiscoveryDefaults() discovery.Config {
	d := c.Discovery
	if d.UserAgent == "" {
		d.UserAgent = c.Fetcher.UserAgent
	}
	return d.WithDefaults()
}
