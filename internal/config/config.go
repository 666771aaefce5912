// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Extraction() ExtractionConfig
	Observe() ObserveConfig
	SetObserveConfig(oc ObserveConfig)

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserIgnoreTLSErrors(bool)
	SetBrowserDebug(bool)

	// Extraction Setters
	SetExtractionMaxFrameDepth(int)
	SetExtractionCrossOriginFrames(bool)
}

// Config holds the entire application configuration. Observe config gets its
// marching orders from CLI flags, not the config file.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	ExtractionCfg ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	ObserveCfg    ObserveConfig    `mapstructure:"-" yaml:"-"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Extraction() ExtractionConfig { return c.ExtractionCfg }
func (c *Config) Observe() ObserveConfig       { return c.ObserveCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetObserveConfig(oc ObserveConfig) { c.ObserveCfg = oc }

// Browser Setters
func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserIgnoreTLSErrors(b bool) { c.BrowserCfg.IgnoreTLSErrors = b }
func (c *Config) SetBrowserDebug(b bool)           { c.BrowserCfg.Debug = b }

// Extraction Setters
func (c *Config) SetExtractionMaxFrameDepth(d int) { c.ExtractionCfg.MaxFrameDepth = d }
func (c *Config) SetExtractionCrossOriginFrames(b bool) {
	c.ExtractionCfg.CrossOriginFrames = b
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ViewportConfig fixes the browser window size, in CSS pixels.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless           bool              `mapstructure:"headless" yaml:"headless"`
	DisableCache       bool              `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors    bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug              bool              `mapstructure:"debug" yaml:"debug"`
	ExecPath           string            `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent          string            `mapstructure:"user_agent" yaml:"user_agent"`
	RemoteDebuggingURL string            `mapstructure:"remote_debugging_url" yaml:"remote_debugging_url"`
	Args               []string          `mapstructure:"args" yaml:"args"`
	Viewport           ViewportConfig    `mapstructure:"viewport" yaml:"viewport"`
	Headers            map[string]string `mapstructure:"headers" yaml:"headers"`
	NavigationTimeout  time.Duration     `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait       time.Duration     `mapstructure:"post_load_wait" yaml:"post_load_wait"`
}

// ExtractionConfig tunes the DOM extraction engine.
type ExtractionConfig struct {
	MaxFrameDepth     int           `mapstructure:"max_frame_depth" yaml:"max_frame_depth"`
	CrossOriginFrames bool          `mapstructure:"cross_origin_frames" yaml:"cross_origin_frames"`
	MaxRenderText     int           `mapstructure:"max_render_text" yaml:"max_render_text"`
	BuildTimeout      time.Duration `mapstructure:"build_timeout" yaml:"build_timeout"`
}

// ObserveConfig holds settings populated from CLI flags for one observe run.
type ObserveConfig struct {
	URL       string
	JSON      bool
	Highlight bool
	Watch     bool
	Interval  time.Duration
	Output    string
}

// NewDefaultConfig creates a new configuration struct populated with default
// values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "domatlas")
	v.SetDefault("logger.log_file", "domatlas.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 800)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.post_load_wait", "2s")

	// -- Extraction --
	v.SetDefault("extraction.max_frame_depth", 10)
	v.SetDefault("extraction.cross_origin_frames", true)
	v.SetDefault("extraction.max_render_text", 100)
	v.SetDefault("extraction.build_timeout", "30s")
}

// NewConfigFromViper creates a new configuration instance from a viper
// object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// An already running browser is usually pointed at per environment, not
	// per config file.
	v.BindEnv("browser.remote_debugging_url", "DOMATLAS_REMOTE_DEBUGGING_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport dimensions must be positive integers")
	}
	if c.BrowserCfg.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if err := c.ExtractionCfg.Validate(); err != nil {
		return fmt.Errorf("extraction configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the extraction engine settings.
func (e *ExtractionConfig) Validate() error {
	if e.MaxFrameDepth <= 0 {
		return fmt.Errorf("max_frame_depth must be greater than 0")
	}
	if e.MaxRenderText <= 0 {
		return fmt.Errorf("max_render_text must be greater than 0")
	}
	if e.BuildTimeout < 0 {
		return fmt.Errorf("build_timeout must not be negative")
	}
	return nil
}

// Validate checks the CLI-populated observe settings.
func (o *ObserveConfig) Validate() error {
	if o.URL == "" {
		return fmt.Errorf("a target URL is required")
	}
	if o.Watch && o.Interval <= 0 {
		return fmt.Errorf("watch mode requires a positive interval")
	}
	return nil
}
