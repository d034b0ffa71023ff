// Package config loads embedfix configuration from a YAML file, then lets
// EMBEDFIX_* environment variables override individual scalar settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/embedfix/rebuild"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "EMBEDFIX_"

// Config is the top-level configuration shared by every command.
type Config struct {
	Rebuild  RebuildConfig  `yaml:"rebuild" envPrefix:"REBUILD_"`
	Browser  BrowserConfig  `yaml:"browser" envPrefix:"BROWSER_"`
	Pages    []PageConfig   `yaml:"pages"`
	Debounce DebounceConfig `yaml:"debounce" envPrefix:"DEBOUNCE_"`
	Sinks    []SinkConfig   `yaml:"sinks"`
	Proxy    ProxyConfig    `yaml:"proxy" envPrefix:"PROXY_"`
	Watch    WatchConfig    `yaml:"watch" envPrefix:"WATCH_"`
}

// RebuildConfig overrides rebuild.DefaultOptions field by field. Empty
// values keep the default.
type RebuildConfig struct {
	TagName           string `yaml:"tag_name" env:"TAG_NAME"`
	ClassMarker       string `yaml:"class_marker" env:"CLASS_MARKER"`
	ProviderPattern   string `yaml:"provider_pattern" env:"PROVIDER_PATTERN"`
	IdentifierPattern string `yaml:"identifier_pattern" env:"IDENTIFIER_PATTERN"`
	EmbedBase         string `yaml:"embed_base" env:"EMBED_BASE"`
	ForcedQuery       string `yaml:"forced_query" env:"FORCED_QUERY"`
	MarkerAttr        string `yaml:"marker_attr" env:"MARKER_ATTR"`
	MarkerValue       string `yaml:"marker_value" env:"MARKER_VALUE"`
	DefaultWidth      string `yaml:"default_width" env:"DEFAULT_WIDTH"`
	DefaultHeight     string `yaml:"default_height" env:"DEFAULT_HEIGHT"`
}

// Options converts the section into rebuild options.
func (c RebuildConfig) Options() rebuild.Options {
	return rebuild.Options{
		TagName:           c.TagName,
		ClassMarker:       c.ClassMarker,
		ProviderPattern:   c.ProviderPattern,
		IdentifierPattern: c.IdentifierPattern,
		EmbedBase:         c.EmbedBase,
		ForcedQuery:       c.ForcedQuery,
		MarkerAttr:        c.MarkerAttr,
		MarkerValue:       c.MarkerValue,
		DefaultWidth:      c.DefaultWidth,
		DefaultHeight:     c.DefaultHeight,
	}
}

// BrowserConfig controls the Chrome instance used by the observe command.
type BrowserConfig struct {
	Remote           string        `yaml:"remote" env:"REMOTE"`
	MemoryLimit      int64         `yaml:"memory_limit" env:"MEMORY_LIMIT"`
	RecycleInterval  time.Duration `yaml:"recycle_interval" env:"RECYCLE_INTERVAL"`
	ResourceBlocking []string      `yaml:"resource_blocking" env:"RESOURCE_BLOCKING" envSeparator:","`
	Stealth          string        `yaml:"stealth" env:"STEALTH"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display" env:"XVFB_DISPLAY"`
}

// PageConfig is a page to open and keep fixed.
type PageConfig struct {
	ID               string        `yaml:"id"`
	URL              string        `yaml:"url"`
	StealthLevel     string        `yaml:"stealth_level"` // 0 | 1 | 2 | auto
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// DebounceConfig groups browser DOM events into mutation batches.
type DebounceConfig struct {
	Window    time.Duration `yaml:"window" env:"WINDOW"`
	MaxBuffer int           `yaml:"max_buffer" env:"MAX_BUFFER"`
}

// SinkConfig is an output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook
	URL  string `yaml:"url"`
}

// ProxyConfig drives the serve command.
type ProxyConfig struct {
	Listen       string `yaml:"listen" env:"LISTEN"`
	Upstream     string `yaml:"upstream" env:"UPSTREAM"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// WatchConfig drives the watch command.
type WatchConfig struct {
	Dirs       []string      `yaml:"dirs" env:"DIRS" envSeparator:","`
	Extensions []string      `yaml:"extensions" env:"EXTENSIONS" envSeparator:","`
	Debounce   time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (skipped when empty), applies environment overrides and
// fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Debounce.Window <= 0 {
		c.Debounce.Window = 100 * time.Millisecond
	}
	if c.Debounce.MaxBuffer <= 0 {
		c.Debounce.MaxBuffer = 500
	}
	for i := range c.Pages {
		if c.Pages[i].StealthLevel == "" {
			c.Pages[i].StealthLevel = "auto"
		}
		if c.Pages[i].SnapshotInterval <= 0 {
			c.Pages[i].SnapshotInterval = time.Hour
		}
	}
	if c.Proxy.Listen == "" {
		c.Proxy.Listen = ":8080"
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		c.Proxy.MaxBodyBytes = 10 << 20
	}
	if len(c.Watch.Extensions) == 0 {
		c.Watch.Extensions = []string{".html", ".htm"}
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 300 * time.Millisecond
	}
}

func (c *Config) validate() error {
	for i, p := range c.Pages {
		if p.URL == "" {
			return fmt.Errorf("config: pages[%d]: url is required", i)
		}
		switch p.StealthLevel {
		case "0", "1", "2", "auto":
		default:
			return fmt.Errorf("config: pages[%d]: unknown stealth_level %q", i, p.StealthLevel)
		}
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook needs a url", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	switch c.Browser.Stealth {
	case "headless", "headful":
	default:
		return fmt.Errorf("config: browser.stealth must be headless or headful, got %q", c.Browser.Stealth)
	}
	return nil
}
