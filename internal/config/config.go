// Package config loads the optional YAML service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"torch-service/internal/dispatch"
	"torch-service/internal/fsm"
	"torch-service/internal/hardware"
	"torch-service/internal/input"
	"torch-service/internal/safety"
	"torch-service/internal/types"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Input    InputConfig    `yaml:"input"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Engine   EngineConfig   `yaml:"engine"`
	Safety   SafetyConfig   `yaml:"safety"`
	Hardware HardwareConfig `yaml:"hardware"`
	Redis    RedisConfig    `yaml:"redis"`
}

type InputConfig struct {
	ClickTimeoutMs int `yaml:"click_timeout_ms"`
	HoldDurationMs int `yaml:"hold_duration_ms"`
}

type DispatchConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

type EngineConfig struct {
	MaxSlots int `yaml:"max_slots"`
}

type SafetyConfig struct {
	RateHz          int `yaml:"rate_hz"`
	TempWarnC10     int `yaml:"temp_warn_c10"`
	TempShutdownC10 int `yaml:"temp_shutdown_c10"`
	CurrentMaxMA    int `yaml:"current_max_ma"`
	VoltageMinMV    int `yaml:"voltage_min_mv"`
	VoltageMaxMV    int `yaml:"voltage_max_mv"`
}

type LineConfig struct {
	Chip   string `yaml:"chip"`
	Offset int    `yaml:"offset"`
}

type HardwareConfig struct {
	Button      string     `yaml:"button"` // evdev, gpio or none
	InputDevice string     `yaml:"input_device"`
	KeyCode     int        `yaml:"key_code"`
	ButtonLine  LineConfig `yaml:"button_line"`
	ActiveLow   bool       `yaml:"active_low"`
	DebounceMs  int        `yaml:"debounce_ms"`
	PwmChip     string     `yaml:"pwm_chip"`
	PwmChannel  int        `yaml:"pwm_channel"`
	PwmPeriodNs int        `yaml:"pwm_period_ns"`
	LedEnable   LineConfig `yaml:"led_enable"`
	IIODevice   string     `yaml:"iio_device"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func Default() Config {
	th := safety.DefaultThresholds()
	button := hardware.DefaultLines["button"]
	enable := hardware.DefaultLines["led_enable"]
	return Config{
		Input: InputConfig{
			ClickTimeoutMs: int(input.DefaultClickTimeout / time.Millisecond),
			HoldDurationMs: int(input.DefaultHoldDuration / time.Millisecond),
		},
		Dispatch: DispatchConfig{QueueDepth: dispatch.DefaultDepth},
		Engine:   EngineConfig{MaxSlots: fsm.DefaultSlots},
		Safety: SafetyConfig{
			RateHz:          safety.DefaultRateHz,
			TempWarnC10:     th.TempWarnC10,
			TempShutdownC10: th.TempShutdownC10,
			CurrentMaxMA:    th.CurrentMaxMA,
			VoltageMinMV:    th.VoltageMinMV,
			VoltageMaxMV:    th.VoltageMaxMV,
		},
		Hardware: HardwareConfig{
			Button:      "evdev",
			InputDevice: hardware.GpioKeysInput,
			KeyCode:     hardware.KEY_POWER,
			ButtonLine:  LineConfig{Chip: button.Chip, Offset: button.Offset},
			ActiveLow:   true,
			DebounceMs:  int(hardware.DefaultButtonDebounce / time.Millisecond),
			PwmChip:     hardware.DefaultPwmChip,
			PwmChannel:  hardware.DefaultPwmChannel,
			PwmPeriodNs: hardware.DefaultPwmPeriodNs,
			LedEnable:   LineConfig{Chip: enable.Chip, Offset: enable.Offset},
			IIODevice:   hardware.DefaultIIODevice,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s parse failed: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Input.ClickTimeoutMs > 0, "click_timeout_ms must be positive")
	check(c.Input.HoldDurationMs > 0, "hold_duration_ms must be positive")
	check(c.Dispatch.QueueDepth > 0, "queue_depth must be positive")
	check(c.Engine.MaxSlots >= 1 && c.Engine.MaxSlots <= fsm.MaxSlots,
		"max_slots %d outside [1, %d]", c.Engine.MaxSlots, fsm.MaxSlots)
	check(c.Safety.RateHz > 0, "rate_hz must be positive")
	check(c.Safety.VoltageMinMV < c.Safety.VoltageMaxMV,
		"voltage window %d..%d mV is inverted", c.Safety.VoltageMinMV, c.Safety.VoltageMaxMV)
	check(c.Safety.TempWarnC10 < c.Safety.TempShutdownC10,
		"temp_warn_c10 %d must be below temp_shutdown_c10 %d", c.Safety.TempWarnC10, c.Safety.TempShutdownC10)
	switch c.Hardware.Button {
	case "evdev", "gpio", "none":
	default:
		check(false, "unknown button source %q", c.Hardware.Button)
	}

	return errors.Join(errs...)
}

func (c Config) ClickTimeout() time.Duration {
	return time.Duration(c.Input.ClickTimeoutMs) * time.Millisecond
}

func (c Config) HoldDuration() time.Duration {
	return time.Duration(c.Input.HoldDurationMs) * time.Millisecond
}

// ApplySettings overrides the input timings with persisted values.
// Unset values are left alone.
func (c *Config) ApplySettings(s types.Settings) {
	if s.ClickTimeout > 0 {
		c.Input.ClickTimeoutMs = int(s.ClickTimeout / time.Millisecond)
	}
	if s.HoldDuration > 0 {
		c.Input.HoldDurationMs = int(s.HoldDuration / time.Millisecond)
	}
}

func (c Config) Thresholds() safety.Thresholds {
	return safety.Thresholds{
		TempWarnC10:     c.Safety.TempWarnC10,
		TempShutdownC10: c.Safety.TempShutdownC10,
		CurrentMaxMA:    c.Safety.CurrentMaxMA,
		VoltageMinMV:    c.Safety.VoltageMinMV,
		VoltageMaxMV:    c.Safety.VoltageMaxMV,
	}
}

func (c Config) LedConfig() hardware.LedConfig {
	cfg := hardware.DefaultLedConfig()
	cfg.Chip = c.Hardware.PwmChip
	cfg.Channel = c.Hardware.PwmChannel
	cfg.PeriodNs = c.Hardware.PwmPeriodNs
	cfg.Enable = hardware.Line{Chip: c.Hardware.LedEnable.Chip, Offset: c.Hardware.LedEnable.Offset}
	return cfg
}

func (c Config) AdcConfig() hardware.AdcConfig {
	cfg := hardware.DefaultAdcConfig()
	cfg.Device = c.Hardware.IIODevice
	return cfg
}

func (c Config) ButtonLine() hardware.Line {
	return hardware.Line{Chip: c.Hardware.ButtonLine.Chip, Offset: c.Hardware.ButtonLine.Offset}
}

func (c Config) Debounce() time.Duration {
	return time.Duration(c.Hardware.DebounceMs) * time.Millisecond
}
