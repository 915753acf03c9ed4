// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. Each
// stage has its own flat record; shared stage settings are composed from
// StageConfig.
type Config struct {
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Robots       RobotsConfig       `mapstructure:"robots"`
	Ingester     IngesterConfig     `mapstructure:"ingester"`
	Parser       ParserConfig       `mapstructure:"parser"`
	Seeder       SeederConfig       `mapstructure:"seeder"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Distribution DistributionConfig `mapstructure:"distribution"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Manager      ManagerConfig      `mapstructure:"manager"`
}

// StageConfig holds the settings every pipeline stage shares.
type StageConfig struct {
	QueueItemTimeoutSeconds int `mapstructure:"queue_item_timeout_seconds"`
	MaxConcurrentItems      int `mapstructure:"max_concurrent_items"`
}

// ItemTimeout converts QueueItemTimeoutSeconds to a duration.
func (s StageConfig) ItemTimeout() time.Duration {
	return time.Duration(s.QueueItemTimeoutSeconds) * time.Second
}

func (s StageConfig) validate(stage string) error {
	if s.QueueItemTimeoutSeconds <= 0 {
		return fmt.Errorf("%s.queue_item_timeout_seconds must be > 0", stage)
	}
	if s.MaxConcurrentItems <= 0 {
		return fmt.Errorf("%s.max_concurrent_items must be > 0", stage)
	}
	return nil
}

// SchedulerConfig governs crawl politeness and admission.
type SchedulerConfig struct {
	StageConfig `mapstructure:",squash"`
	// RespectsRobotsTxt has no default and must be set explicitly.
	RespectsRobotsTxt *bool `mapstructure:"respects_robots_txt"`
	// MaxCrawlDepth is unlimited when unset.
	MaxCrawlDepth               *int     `mapstructure:"max_crawl_depth"`
	SameDomainCrawlDelayMillis  int      `mapstructure:"same_domain_crawl_delay_millis"`
	ExcludeDomains              []string `mapstructure:"exclude_domains"`
	IncludeDomains              []string `mapstructure:"include_domains"`
	MaxConcurrentRobotsRequests int      `mapstructure:"max_concurrent_robots_requests"`
	PriorityQueue               bool     `mapstructure:"priority_queue"`
}

// CrawlDelay converts SameDomainCrawlDelayMillis to a duration.
func (s SchedulerConfig) CrawlDelay() time.Duration {
	return time.Duration(s.SameDomainCrawlDelayMillis) * time.Millisecond
}

// RobotsConfig configures the robots downloader and cache.
type RobotsConfig struct {
	StageConfig          `mapstructure:",squash"`
	CacheIntervalSeconds int `mapstructure:"cache_interval_seconds"`
	// FailOpenSeconds is the lifetime of allow-all rules after a failed fetch.
	FailOpenSeconds int    `mapstructure:"fail_open_seconds"`
	UserAgent       string `mapstructure:"user_agent"`
	MaxBytes        int64  `mapstructure:"max_bytes"`
}

// CacheInterval converts CacheIntervalSeconds to the robots cache TTL.
func (r RobotsConfig) CacheInterval() time.Duration {
	return time.Duration(r.CacheIntervalSeconds) * time.Second
}

// IngesterConfig bounds document fetching.
type IngesterConfig struct {
	StageConfig       `mapstructure:",squash"`
	MaxDomainsToCrawl int      `mapstructure:"max_domains_to_crawl"`
	MaxRedirects      int      `mapstructure:"max_redirects"`
	MaxContentBytes   int64    `mapstructure:"max_content_bytes"`
	AllowedMediaTypes []string `mapstructure:"allowed_media_types"`
	UserAgent         string   `mapstructure:"user_agent"`
}

// ParserConfig configures link extraction.
type ParserConfig struct {
	StageConfig     `mapstructure:",squash"`
	MaxLinksPerPage int `mapstructure:"max_links_per_page"`
}

// SeederConfig selects the seed source.
type SeederConfig struct {
	Source   string   `mapstructure:"source"`
	FilePath string   `mapstructure:"file_path"`
	URIs     []string `mapstructure:"uris"`
}

// StreamConfig tunes outbound connections.
type StreamConfig struct {
	// DNSOverrides maps host names to comma-separated IP addresses.
	DNSOverrides map[string]string `mapstructure:"dns_overrides"`
	DialTimeout  time.Duration     `mapstructure:"dial_timeout"`
	KeepAlive    time.Duration     `mapstructure:"keep_alive"`
	HTTPTimeout  time.Duration     `mapstructure:"http_timeout"`
}

// StorageConfig selects where ingested content is kept.
type StorageConfig struct {
	Kind      string `mapstructure:"kind"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DistributionConfig selects the queue and key-value backends.
type DistributionConfig struct {
	Queue         string `mapstructure:"queue"`
	NATSURL       string `mapstructure:"nats_url"`
	NATSStream    string `mapstructure:"nats_stream"`
	KV            string `mapstructure:"kv"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
	// RunID scopes shared state such as the seen set; generated when empty.
	RunID string `mapstructure:"run_id"`
}

// LedgerConfig configures the optional Postgres result ledger.
type LedgerConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// AdminConfig controls the admin HTTP server. Port 0 disables it.
type AdminConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ManagerConfig controls orchestration.
type ManagerConfig struct {
	CompletionCheckInterval time.Duration `mapstructure:"completion_check_interval"`
	StatusInterval          time.Duration `mapstructure:"status_interval"`
	InitialState            string        `mapstructure:"initial_state"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STAGECRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// keys without defaults are only visible to Unmarshal once bound
	for _, key := range []string{"scheduler.respects_robots_txt", "scheduler.max_crawl_depth", "ledger.dsn", "distribution.run_id"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	const userAgent = "stagecrawler/0.1 (+https://github.com/JakeFAU/stagecrawler)"
	for stage, workers := range map[string]int{"scheduler": 4, "robots": 4, "ingester": 8, "parser": 4} {
		v.SetDefault(stage+".queue_item_timeout_seconds", 30)
		v.SetDefault(stage+".max_concurrent_items", workers)
	}
	v.SetDefault("scheduler.same_domain_crawl_delay_millis", 1000)
	v.SetDefault("scheduler.exclude_domains", []string{})
	v.SetDefault("scheduler.include_domains", []string{})
	v.SetDefault("scheduler.max_concurrent_robots_requests", 10)
	v.SetDefault("scheduler.priority_queue", false)
	v.SetDefault("robots.cache_interval_seconds", 86400)
	v.SetDefault("robots.fail_open_seconds", 60)
	v.SetDefault("robots.user_agent", userAgent)
	v.SetDefault("robots.max_bytes", 512*1024)
	v.SetDefault("ingester.max_domains_to_crawl", 0)
	v.SetDefault("ingester.max_redirects", 10)
	v.SetDefault("ingester.max_content_bytes", 10*1024*1024)
	v.SetDefault("ingester.allowed_media_types", []string{"text/html", "application/xhtml+xml"})
	v.SetDefault("ingester.user_agent", userAgent)
	v.SetDefault("parser.max_links_per_page", 500)
	v.SetDefault("seeder.source", "config")
	v.SetDefault("seeder.file_path", "")
	v.SetDefault("seeder.uris", []string{})
	v.SetDefault("stream.dns_overrides", map[string]string{})
	v.SetDefault("stream.dial_timeout", "10s")
	v.SetDefault("stream.keep_alive", "30s")
	v.SetDefault("stream.http_timeout", "20s")
	v.SetDefault("storage.kind", "memory")
	v.SetDefault("storage.base_dir", "data/content")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("distribution.queue", "memory")
	v.SetDefault("distribution.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("distribution.nats_stream", "STAGECRAWLER")
	v.SetDefault("distribution.kv", "memory")
	v.SetDefault("distribution.redis_addr", "127.0.0.1:6379")
	v.SetDefault("distribution.redis_password", "")
	v.SetDefault("distribution.redis_db", 0)
	v.SetDefault("distribution.redis_prefix", "stagecrawler:")
	v.SetDefault("ledger.table", "crawl_results")
	v.SetDefault("admin.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("manager.completion_check_interval", "200ms")
	v.SetDefault("manager.status_interval", "1s")
	v.SetDefault("manager.initial_state", "running")
}

// Validate enforces required values and reasonable limits. Any error is a
// startup error.
func (c Config) Validate() error {
	if c.Scheduler.RespectsRobotsTxt == nil {
		return fmt.Errorf("scheduler.respects_robots_txt must be set")
	}
	if c.Scheduler.MaxCrawlDepth != nil && *c.Scheduler.MaxCrawlDepth < 0 {
		return fmt.Errorf("scheduler.max_crawl_depth must be >= 0")
	}
	if c.Scheduler.SameDomainCrawlDelayMillis < 0 {
		return fmt.Errorf("scheduler.same_domain_crawl_delay_millis must be >= 0")
	}
	stages := []struct {
		name  string
		stage StageConfig
	}{
		{"scheduler", c.Scheduler.StageConfig},
		{"robots", c.Robots.StageConfig},
		{"ingester", c.Ingester.StageConfig},
		{"parser", c.Parser.StageConfig},
	}
	for _, s := range stages {
		if err := s.stage.validate(s.name); err != nil {
			return err
		}
	}
	if c.Robots.CacheIntervalSeconds <= 0 {
		return fmt.Errorf("robots.cache_interval_seconds must be > 0")
	}
	if c.Ingester.MaxDomainsToCrawl < 0 {
		return fmt.Errorf("ingester.max_domains_to_crawl must be >= 0")
	}
	if c.Ingester.MaxRedirects < 0 {
		return fmt.Errorf("ingester.max_redirects must be >= 0")
	}
	switch c.Seeder.Source {
	case "file":
		if strings.TrimSpace(c.Seeder.FilePath) == "" {
			return fmt.Errorf("seeder.file_path is required when seeder.source is file")
		}
	case "config":
		if len(c.Seeder.URIs) == 0 {
			return fmt.Errorf("seeder.uris must list at least one uri when seeder.source is config")
		}
	default:
		return fmt.Errorf("seeder.source must be file or config, got %q", c.Seeder.Source)
	}
	switch c.Storage.Kind {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for local storage")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.kind must be memory, local or gcs, got %q", c.Storage.Kind)
	}
	switch c.Distribution.Queue {
	case "memory", "nats":
	default:
		return fmt.Errorf("distribution.queue must be memory or nats, got %q", c.Distribution.Queue)
	}
	switch c.Distribution.KV {
	case "memory", "redis":
	default:
		return fmt.Errorf("distribution.kv must be memory or redis, got %q", c.Distribution.KV)
	}
	if c.Admin.Port < 0 {
		return fmt.Errorf("admin.port must be >= 0")
	}
	switch c.Manager.InitialState {
	case "running", "paused":
	default:
		return fmt.Errorf("manager.initial_state must be running or paused, got %q", c.Manager.InitialState)
	}
	return nil
}
