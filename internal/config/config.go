// Package config loads and validates pagesnap configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/pagesnap/internal/cache/gcs"
	"github.com/JakeFAU/pagesnap/internal/cache/postgres"
	"github.com/JakeFAU/pagesnap/internal/crawlerr"
	"github.com/JakeFAU/pagesnap/internal/escalation"
	"github.com/JakeFAU/pagesnap/internal/logging"
	"github.com/JakeFAU/pagesnap/internal/readiness"
	"github.com/JakeFAU/pagesnap/internal/remote"
	"github.com/JakeFAU/pagesnap/internal/renderer"
	"github.com/JakeFAU/pagesnap/internal/strategy"
)

// EnvPrefix prefixes every environment override, e.g. PAGESNAP_SERVER_PORT.
const EnvPrefix = "PAGESNAP"

// Cache backends.
const (
	BackendLocal    = "local"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

// Config captures all pagesnap configuration knobs loaded via Viper.
type Config struct {
	Strategy  string            `mapstructure:"strategy"`
	Renderer  RendererConfig    `mapstructure:"renderer"`
	Readiness readiness.Config  `mapstructure:"readiness"`
	Fallback  escalation.Config `mapstructure:"fallback"`
	Cache     CacheConfig       `mapstructure:"cache"`
	Remote    remote.Config     `mapstructure:"remote"`
	Server    ServerConfig      `mapstructure:"server"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Logging   logging.Config    `mapstructure:"logging"`
}

// RendererConfig describes the browser sessions the local strategy creates.
type RendererConfig struct {
	Headless          bool              `mapstructure:"headless"`
	WindowWidth       int               `mapstructure:"window_width"`
	WindowHeight      int               `mapstructure:"window_height"`
	UserAgent         string            `mapstructure:"user_agent"`
	Headers           map[string]string `mapstructure:"headers"`
	Cookies           []renderer.Cookie `mapstructure:"cookies"`
	Flags             map[string]any    `mapstructure:"flags"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout"`
	HideAutomation    bool              `mapstructure:"hide_automation"`
	JSCode            []string          `mapstructure:"js_code"`
	ScriptTimeout     time.Duration     `mapstructure:"script_timeout"`
}

// Options converts the section into session options.
func (r RendererConfig) Options() renderer.Options {
	return renderer.Options{
		Headless:          r.Headless,
		WindowWidth:       r.WindowWidth,
		WindowHeight:      r.WindowHeight,
		UserAgent:         r.UserAgent,
		Headers:           r.Headers,
		Cookies:           r.Cookies,
		Flags:             r.Flags,
		NavigationTimeout: r.NavigationTimeout,
		HideAutomation:    r.HideAutomation,
	}.Clone()
}

// CacheConfig selects and configures the cache store.
type CacheConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Backend  string          `mapstructure:"backend"`
	Dir      string          `mapstructure:"dir"`
	Postgres postgres.Config `mapstructure:"postgres"`
	GCS      gcs.Config      `mapstructure:"gcs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MaxSessions     int           `mapstructure:"max_sessions"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DefaultCacheDir is where the local cache lives unless configured otherwise.
func DefaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, "pagesnap", "cache")
}

// Load builds a Config from disk/environment.
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	opts := renderer.DefaultOptions()
	ready := readiness.DefaultConfig()
	fallback := escalation.DefaultConfig()
	rem := remote.DefaultConfig()

	v.SetDefault("strategy", strategy.Local)
	v.SetDefault("renderer.headless", opts.Headless)
	v.SetDefault("renderer.window_width", opts.WindowWidth)
	v.SetDefault("renderer.window_height", opts.WindowHeight)
	v.SetDefault("renderer.user_agent", opts.UserAgent)
	v.SetDefault("renderer.navigation_timeout", opts.NavigationTimeout)
	v.SetDefault("renderer.hide_automation", opts.HideAutomation)
	v.SetDefault("renderer.js_code", []string{})
	v.SetDefault("renderer.script_timeout", 10*time.Second)
	v.SetDefault("readiness.ready_state_timeout", ready.ReadyStateTimeout)
	v.SetDefault("readiness.element_timeout", ready.ElementTimeout)
	v.SetDefault("readiness.baseline_tag", ready.BaselineTag)
	v.SetDefault("readiness.stability_checks", ready.StabilityChecks)
	v.SetDefault("readiness.stability_interval", ready.StabilityInterval)
	v.SetDefault("readiness.poll_interval", ready.PollInterval)
	v.SetDefault("fallback.window_width", fallback.WindowWidth)
	v.SetDefault("fallback.window_height", fallback.WindowHeight)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.backend", BackendLocal)
	v.SetDefault("cache.dir", DefaultCacheDir())
	v.SetDefault("cache.postgres.dsn", "")
	v.SetDefault("cache.postgres.table", "page_cache")
	v.SetDefault("cache.gcs.bucket", "")
	v.SetDefault("cache.gcs.prefix", "pagesnap")
	v.SetDefault("remote.endpoint", rem.Endpoint)
	v.SetDefault("remote.timeout", rem.Timeout)
	v.SetDefault("remote.requests_per_second", rem.RequestsPerSecond)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_sessions", 2)
	v.SetDefault("server.request_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Strategy {
	case strategy.Local, strategy.Remote:
	default:
		return crawlerr.Configf("strategy must be %q or %q, got %q", strategy.Local, strategy.Remote, c.Strategy)
	}
	if err := c.Renderer.Options().Validate(); err != nil {
		return crawlerr.Configf("renderer: %v", err)
	}
	if err := c.Readiness.Validate(); err != nil {
		return err
	}
	if c.Fallback.WindowWidth <= 0 || c.Fallback.WindowHeight <= 0 {
		return crawlerr.Configf("fallback window size must be positive")
	}
	switch c.Cache.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Cache.Dir) == "" {
			return crawlerr.Configf("cache.dir is required for the local backend")
		}
	case BackendMemory:
	case BackendPostgres:
		if c.Cache.Postgres.DSN == "" {
			return crawlerr.Configf("cache.postgres.dsn is required for the postgres backend")
		}
	case BackendGCS:
		if c.Cache.GCS.Bucket == "" {
			return crawlerr.Configf("cache.gcs.bucket is required for the gcs backend")
		}
	default:
		return crawlerr.Configf("unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Strategy == strategy.Remote && strings.TrimSpace(c.Remote.Endpoint) == "" {
		return crawlerr.Configf("remote.endpoint is required for the remote strategy")
	}
	if c.Server.Port <= 0 {
		return crawlerr.Configf("server.port must be > 0")
	}
	if c.Server.MaxSessions <= 0 {
		return crawlerr.Configf("server.max_sessions must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return crawlerr.Configf("auth.api_key must be set when auth is enabled")
	}
	return nil
}
