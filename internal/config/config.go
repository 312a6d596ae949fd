// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Backend names accepted by browser.backend.
const (
	BackendChromedp = "chromedp"
	BackendRod      = "rod"
)

// Locator modes accepted by locator.mode.
const (
	LocatorModeSource    = "source"
	LocatorModeAttribute = "attribute"
	LocatorModeAny       = "any"
)

// Missing-frame policies accepted by resolver.missing_frame.
const (
	MissingFrameRetry = "retry"
	MissingFrameFail  = "fail"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	Detector DetectorConfig `mapstructure:"detector" yaml:"detector"`
	Locator  LocatorConfig  `mapstructure:"locator" yaml:"locator"`
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

// BrowserConfig controls how the CLI launches and drives the browser.
type BrowserConfig struct {
	Backend           string         `mapstructure:"backend" yaml:"backend"`
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	Stealth           bool           `mapstructure:"stealth" yaml:"stealth"`
	Concurrency       int            `mapstructure:"concurrency" yaml:"concurrency"`
	TabsPerSecond     float64        `mapstructure:"tabs_per_second" yaml:"tabs_per_second"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Humanoid          HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
}

// ResolverConfig mirrors challenge.Options.
type ResolverConfig struct {
	MaxAttempts           int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Interval              time.Duration `mapstructure:"interval" yaml:"interval"`
	ReloadEvery           int           `mapstructure:"reload_every" yaml:"reload_every"`
	Debug                 bool          `mapstructure:"debug" yaml:"debug"`
	MissingFrame          string        `mapstructure:"missing_frame" yaml:"missing_frame"`
	ReloadConsumesAttempt bool          `mapstructure:"reload_consumes_attempt" yaml:"reload_consumes_attempt"`
}

// DetectorConfig tunes challenge detection.
type DetectorConfig struct {
	TitleMarkers     []string      `mapstructure:"title_markers" yaml:"title_markers"`
	ScriptSignatures []string      `mapstructure:"script_signatures" yaml:"script_signatures"`
	Retries          int           `mapstructure:"retries" yaml:"retries"`
	FetchAttempts    int           `mapstructure:"fetch_attempts" yaml:"fetch_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	SurfaceFaults    bool          `mapstructure:"surface_faults" yaml:"surface_faults"`
	RetryOnNoMatch   bool          `mapstructure:"retry_on_no_match" yaml:"retry_on_no_match"`
}

// LocatorConfig tunes challenge frame location.
type LocatorConfig struct {
	Mode            string   `mapstructure:"mode" yaml:"mode"`
	FrameSignatures []string `mapstructure:"frame_signatures" yaml:"frame_signatures"`
	IDMarkers       []string `mapstructure:"id_markers" yaml:"id_markers"`
	ClassMarkers    []string `mapstructure:"class_markers" yaml:"class_markers"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
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
	v.SetDefault("logger.service_name", "cfverify")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.backend", BackendChromedp)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.concurrency", 2)
	v.SetDefault("browser.tabs_per_second", 1.0)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 768})
	setHumanoidDefaults(v)

	// -- Resolver --
	v.SetDefault("resolver.max_attempts", 10)
	v.SetDefault("resolver.interval", "1s")
	v.SetDefault("resolver.reload_every", 0)
	v.SetDefault("resolver.debug", false)
	v.SetDefault("resolver.missing_frame", MissingFrameRetry)
	v.SetDefault("resolver.reload_consumes_attempt", true)

	// -- Detector --
	v.SetDefault("detector.title_markers", []string{"turnstile"})
	v.SetDefault("detector.script_signatures", []string{
		"challenges.cloudflare.com",
		"cdn-cgi/challenge-platform",
		"turnstile/v0/api.js",
		"cdn-cgi/challenge-platform/h/g/orchestrate/chl_page",
	})
	v.SetDefault("detector.retries", 5)
	v.SetDefault("detector.fetch_attempts", 5)
	v.SetDefault("detector.retry_delay", "100ms")
	v.SetDefault("detector.surface_faults", false)
	v.SetDefault("detector.retry_on_no_match", true)

	// -- Locator --
	v.SetDefault("locator.mode", LocatorModeAny)
	v.SetDefault("locator.frame_signatures", []string{
		"challenges.cloudflare.com/cdn-cgi/challenge-platform",
	})
	v.SetDefault("locator.id_markers", []string{"cf-", "turnstile"})
	v.SetDefault("locator.class_markers", []string{"cf-"})
}

// Load reads configuration from cfgFile (or ./cfverify.yaml when empty),
// the CFVERIFY_* environment and the defaults, in that order of precedence.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		expanded, err := homedir.Expand(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("error expanding config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("cfverify")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CFVERIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	return NewConfigFromViper(v)
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Logger.LogFile != "" {
		expanded, err := homedir.Expand(cfg.Logger.LogFile)
		if err != nil {
			return nil, fmt.Errorf("error expanding logger.log_file: %w", err)
		}
		cfg.Logger.LogFile = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Backend {
	case BackendChromedp, BackendRod:
	default:
		return fmt.Errorf("browser.backend must be %q or %q, got %q", BackendChromedp, BackendRod, c.Browser.Backend)
	}
	if c.Browser.Concurrency <= 0 {
		return fmt.Errorf("browser.concurrency must be a positive integer")
	}
	if c.Browser.TabsPerSecond <= 0 {
		return fmt.Errorf("browser.tabs_per_second must be positive")
	}
	if err := c.Browser.Humanoid.Validate(); err != nil {
		return fmt.Errorf("browser.humanoid configuration invalid: %w", err)
	}
	if err := c.Resolver.Validate(); err != nil {
		return fmt.Errorf("resolver configuration invalid: %w", err)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector configuration invalid: %w", err)
	}
	if err := c.Locator.Validate(); err != nil {
		return fmt.Errorf("locator configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the resolver settings.
func (r *ResolverConfig) Validate() error {
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be a positive integer")
	}
	if r.Interval <= 0 {
		return fmt.Errorf("interval must be a positive duration")
	}
	if r.ReloadEvery < 0 {
		return fmt.Errorf("reload_every must not be negative")
	}
	switch r.MissingFrame {
	case MissingFrameRetry, MissingFrameFail:
	default:
		return fmt.Errorf("missing_frame must be %q or %q", MissingFrameRetry, MissingFrameFail)
	}
	return nil
}

// Validate checks the detector settings.
func (d *DetectorConfig) Validate() error {
	if len(d.ScriptSignatures) == 0 && len(d.TitleMarkers) == 0 {
		return fmt.Errorf("at least one title marker or script signature is required")
	}
	if d.Retries <= 0 || d.FetchAttempts <= 0 {
		return fmt.Errorf("retries and fetch_attempts must be positive")
	}
	if d.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative")
	}
	return nil
}

// Validate checks the locator settings.
func (l *LocatorConfig) Validate() error {
	switch l.Mode {
	case LocatorModeSource:
		if len(l.FrameSignatures) == 0 {
			return fmt.Errorf("mode %q needs frame_signatures", l.Mode)
		}
	case LocatorModeAttribute:
		if len(l.IDMarkers) == 0 && len(l.ClassMarkers) == 0 {
			return fmt.Errorf("mode %q needs id_markers or class_markers", l.Mode)
		}
	case LocatorModeAny:
	default:
		return fmt.Errorf("mode must be one of %q, %q, %q", LocatorModeSource, LocatorModeAttribute, LocatorModeAny)
	}
	return nil
}
