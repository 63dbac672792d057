package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const EnvPrefix = "CATALOGD"

type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Images  ImagesConfig  `mapstructure:"images"`
	Search  SearchConfig  `mapstructure:"search"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Push    PushConfig    `mapstructure:"push"`
	Log     LogConfig     `mapstructure:"log"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RemoteConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	PageSize int           `mapstructure:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Types    []string      `mapstructure:"types"`
}

type SyncConfig struct {
	RetryBase           time.Duration `mapstructure:"retry_base"`
	RetryFactor         float64       `mapstructure:"retry_factor"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	IncrementalInterval time.Duration `mapstructure:"incremental_interval"`
	IntervalJitter      float64       `mapstructure:"interval_jitter"`
}

type WebhookConfig struct {
	DedupeWindow     time.Duration `mapstructure:"dedupe_window"`
	DedupeMaxEntries int           `mapstructure:"dedupe_max_entries"`
	QueueDSN         string        `mapstructure:"queue_dsn"`
	QueueSize        int           `mapstructure:"queue_size"`
	Workers          int           `mapstructure:"workers"`
	SignatureKey     string        `mapstructure:"signature_key"`
	NotificationURL  string        `mapstructure:"notification_url"`
	RequeueDelay     time.Duration `mapstructure:"requeue_delay"`
}

type ImagesConfig struct {
	Dir          string        `mapstructure:"dir"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
	Concurrency  int           `mapstructure:"concurrency"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

type SearchConfig struct {
	QuietPeriod  time.Duration `mapstructure:"quiet_period"`
	PageSize     int           `mapstructure:"page_size"`
	CacheEntries int           `mapstructure:"cache_entries"`
}

type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	AdminToken   string `mapstructure:"admin_token"`
	RateLimitRPM int    `mapstructure:"rate_limit_rpm"`
	// TrustForwardedFor honours X-Forwarded-For when keying the rate limiter.
	TrustForwardedFor bool `mapstructure:"trust_forwarded_for"`
}

type PushConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "data/catalog.db")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.page_size", 100)
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.types", []string{})

	v.SetDefault("sync.retry_base", 500*time.Millisecond)
	v.SetDefault("sync.retry_factor", 2.0)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.retry_max_delay", 30*time.Second)
	v.SetDefault("sync.fetch_timeout", 20*time.Second)
	v.SetDefault("sync.incremental_interval", 5*time.Minute)
	v.SetDefault("sync.interval_jitter", 0.2)

	v.SetDefault("webhook.dedupe_window", 10*time.Minute)
	v.SetDefault("webhook.dedupe_max_entries", 4096)
	v.SetDefault("webhook.queue_dsn", "")
	v.SetDefault("webhook.queue_size", 1024)
	v.SetDefault("webhook.workers", 2)
	v.SetDefault("webhook.signature_key", "")
	v.SetDefault("webhook.notification_url", "")
	v.SetDefault("webhook.requeue_delay", 2*time.Second)

	v.SetDefault("images.dir", "data/images")
	v.SetDefault("images.max_bytes", int64(256<<20))
	v.SetDefault("images.concurrency", 4)
	v.SetDefault("images.fetch_timeout", 15*time.Second)

	v.SetDefault("search.quiet_period", 250*time.Millisecond)
	v.SetDefault("search.page_size", 50)
	v.SetDefault("search.cache_entries", 128)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("http.admin_token", "")
	v.SetDefault("http.rate_limit_rpm", 0)
	v.SetDefault("http.trust_forwarded_for", false)

	v.SetDefault("push.url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Loader reads configuration from an optional YAML file with CATALOGD_*
// environment overrides.
type Loader struct {
	logger *zap.Logger
	path   string
	v      *viper.Viper

	mu      sync.Mutex
	current Config
}

func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger.Named("config"), path: strings.TrimSpace(path), v: newViper()}
}

func (l *Loader) Load() (Config, error) {
	if l.path != "" {
		l.v.SetConfigFile(l.path)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := decode(l.v)
	if err != nil {
		return Config{}, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Watch calls onChange with the re-read configuration whenever the file
// changes. Invalid edits are logged and ignored. It is a no-op without a
// config file.
func (l *Loader) Watch(onChange func(previous, next Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		next, err := decode(l.v)
		if err != nil {
			l.logger.Warn("ignoring invalid config change", zap.String("path", ev.Name), zap.Error(err))
			return
		}
		l.mu.Lock()
		previous := l.current
		l.current = next
		l.mu.Unlock()
		l.logger.Info("config reloaded", zap.String("path", ev.Name))
		if onChange != nil {
			onChange(previous, next)
		}
	})
	l.v.WatchConfig()
}

func (l *Loader) Current() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	c.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(c.Remote.BaseURL), "/")
	c.Webhook.QueueDSN = strings.TrimSpace(c.Webhook.QueueDSN)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	types := c.Remote.Types[:0]
	for _, t := range c.Remote.Types {
		for _, part := range strings.Split(t, ",") {
			if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
				types = append(types, part)
			}
		}
	}
	c.Remote.Types = types
}

func (c Config) Validate() error {
	var errs []error
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Remote.PageSize <= 0 {
		errs = append(errs, errors.New("remote.page_size must be positive"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, errors.New("sync.max_attempts must be positive"))
	}
	if c.Sync.RetryFactor < 1 {
		errs = append(errs, errors.New("sync.retry_factor must be at least 1"))
	}
	if c.Sync.IntervalJitter < 0 || c.Sync.IntervalJitter > 1 {
		errs = append(errs, errors.New("sync.interval_jitter must be within [0,1]"))
	}
	if c.Webhook.Workers <= 0 {
		errs = append(errs, errors.New("webhook.workers must be positive"))
	}
	if c.Images.MaxBytes <= 0 {
		errs = append(errs, errors.New("images.max_bytes must be positive"))
	}
	if c.Images.Concurrency <= 0 {
		errs = append(errs, errors.New("images.concurrency must be positive"))
	}
	if c.Search.QuietPeriod <= 0 {
		errs = append(errs, errors.New("search.quiet_period must be positive"))
	}
	if _, err := zapLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RequireRemote reports whether the remote catalog is configured; sync
// commands need it, search alone does not.
func (c Config) RequireRemote() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	return nil
}
