// Package config loads the JSON tuning file: activation timing, strip
// geometry and serial port settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/picklight/internal/engine"
	"github.com/banshee-data/picklight/internal/serialmux"
)

// TuningConfig is the root tuning document. All fields are optional; the
// Get* accessors fall back to the engine defaults, so partial configs are
// safe. Durations are strings like "500ms".
type TuningConfig struct {
	// Activation timing
	Debounce                *string `json:"debounce,omitempty"`
	PerLEDCooldown          *string `json:"per_led_cooldown,omitempty"`
	BlockCooldown           *string `json:"block_cooldown,omitempty"`
	ProcessedExpiry         *string `json:"processed_expiry,omitempty"`
	IncorrectBlinkInterval  *string `json:"incorrect_blink_interval,omitempty"`
	IncorrectIdleTimeout    *string `json:"incorrect_idle_timeout,omitempty"`
	BlinkInterval           *string `json:"blink_interval,omitempty"`
	SingleTimeout           *string `json:"single_timeout,omitempty"`
	CompletionFlashInterval *string `json:"completion_flash_interval,omitempty"`
	CompletionFlashCycles   *int    `json:"completion_flash_cycles,omitempty"`

	// Strip geometry
	ShelfLEDCount *int `json:"shelf_led_count,omitempty"`
	LEDsPerStrip  *int `json:"leds_per_strip,omitempty"`
	StripCount    *int `json:"strip_count,omitempty"`

	// Serial port
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`

	// Completion notification endpoint. Empty disables posting.
	NotifyURL *string `json:"notify_url,omitempty"`
}

// Empty returns a TuningConfig with all fields unset.
func Empty() *TuningConfig {
	return &TuningConfig{}
}

// Load reads a TuningConfig from a JSON file. Fields omitted from the file
// keep their defaults.
func Load(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every set field parses and is in range.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"debounce":                  c.Debounce,
		"per_led_cooldown":          c.PerLEDCooldown,
		"block_cooldown":            c.BlockCooldown,
		"processed_expiry":          c.ProcessedExpiry,
		"incorrect_blink_interval":  c.IncorrectBlinkInterval,
		"incorrect_idle_timeout":    c.IncorrectIdleTimeout,
		"blink_interval":            c.BlinkInterval,
		"single_timeout":            c.SingleTimeout,
		"completion_flash_interval": c.CompletionFlashInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.CompletionFlashCycles != nil && *c.CompletionFlashCycles < 0 {
		return fmt.Errorf("completion_flash_cycles must be non-negative, got %d", *c.CompletionFlashCycles)
	}
	if c.ShelfLEDCount != nil && *c.ShelfLEDCount <= 0 {
		return fmt.Errorf("shelf_led_count must be positive, got %d", *c.ShelfLEDCount)
	}
	if c.LEDsPerStrip != nil && *c.LEDsPerStrip <= 0 {
		return fmt.Errorf("leds_per_strip must be positive, got %d", *c.LEDsPerStrip)
	}
	if c.StripCount != nil && *c.StripCount <= 0 {
		return fmt.Errorf("strip_count must be positive, got %d", *c.StripCount)
	}

	if _, err := c.PortOptions().Normalize(); err != nil {
		return err
	}
	return nil
}

// EngineConfig resolves the activation timing into an engine.Config,
// defaults applied for anything unset.
func (c *TuningConfig) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Debounce = c.duration(c.Debounce, cfg.Debounce)
	cfg.PerLEDCooldown = c.duration(c.PerLEDCooldown, cfg.PerLEDCooldown)
	cfg.BlockCooldown = c.duration(c.BlockCooldown, cfg.BlockCooldown)
	cfg.ProcessedExpiry = c.duration(c.ProcessedExpiry, cfg.ProcessedExpiry)
	cfg.IncorrectBlinkInterval = c.duration(c.IncorrectBlinkInterval, cfg.IncorrectBlinkInterval)
	cfg.IncorrectIdleTimeout = c.duration(c.IncorrectIdleTimeout, cfg.IncorrectIdleTimeout)
	cfg.BlinkInterval = c.duration(c.BlinkInterval, cfg.BlinkInterval)
	cfg.SingleTimeout = c.duration(c.SingleTimeout, cfg.SingleTimeout)
	cfg.CompletionFlashInterval = c.duration(c.CompletionFlashInterval, cfg.CompletionFlashInterval)
	if c.CompletionFlashCycles != nil {
		cfg.CompletionFlashCycles = *c.CompletionFlashCycles
	}
	cfg.ShelfLEDCount = c.GetShelfLEDCount()
	return cfg
}

// PortOptions returns the serial port settings from the config. Zero values
// are filled in by Normalize.
func (c *TuningConfig) PortOptions() serialmux.PortOptions {
	opts := serialmux.PortOptions{}
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetShelfLEDCount returns the shelf LED count or the default.
func (c *TuningConfig) GetShelfLEDCount() int {
	if c.ShelfLEDCount == nil {
		return engine.DefaultConfig().ShelfLEDCount
	}
	return *c.ShelfLEDCount
}

// GetLEDsPerStrip returns the per-strip pixel count or the default.
func (c *TuningConfig) GetLEDsPerStrip() int {
	if c.LEDsPerStrip == nil {
		return 69
	}
	return *c.LEDsPerStrip
}

// GetStripCount returns the strip count or the default.
func (c *TuningConfig) GetStripCount() int {
	if c.StripCount == nil {
		return 2
	}
	return *c.StripCount
}

// GetNotifyURL returns the completion notification URL, or "".
func (c *TuningConfig) GetNotifyURL() string {
	if c.NotifyURL == nil {
		return ""
	}
	return *c.NotifyURL
}

func (c *TuningConfig) duration(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}
