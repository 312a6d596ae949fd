// File: internal/config/humanoid_config.go
// HumanoidConfig holds the tunables for the pointer press the probes dispatch
// when clicking a challenge frame. A real user holds the button for a short,
// variable time and does not hit the exact geometric centre.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// HumanoidConfig controls the shape of a dispatched click.
type HumanoidConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	ClickHoldMinMs int     `mapstructure:"click_hold_min_ms" yaml:"click_hold_min_ms"`
	ClickHoldMaxMs int     `mapstructure:"click_hold_max_ms" yaml:"click_hold_max_ms"`
	ClickJitterPx  float64 `mapstructure:"click_jitter_px" yaml:"click_jitter_px"`
}

func setHumanoidDefaults(v *viper.Viper) {
	v.SetDefault("browser.humanoid.enabled", true)
	v.SetDefault("browser.humanoid.click_hold_min_ms", 60)
	v.SetDefault("browser.humanoid.click_hold_max_ms", 140)
	v.SetDefault("browser.humanoid.click_jitter_px", 3.0)
}

// Validate checks the hold window and jitter.
func (h *HumanoidConfig) Validate() error {
	if !h.Enabled {
		return nil
	}
	if h.ClickHoldMinMs < 0 || h.ClickHoldMaxMs < h.ClickHoldMinMs {
		return fmt.Errorf("click_hold_min_ms must be >= 0 and <= click_hold_max_ms")
	}
	if h.ClickJitterPx < 0 {
		return fmt.Errorf("click_jitter_px must not be negative")
	}
	return nil
}
