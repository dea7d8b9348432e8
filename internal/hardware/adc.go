package hardware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"torch-service/internal/safety"
)

// ReadAdcValue reads one raw IIO voltage channel below root.
func ReadAdcValue(root, device string, channel int) (int, error) {
	path := filepath.Join(root, device, fmt.Sprintf("in_voltage%d_raw", channel))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return -1, fmt.Errorf("ADC sysfs not found: %s", path)
		}
		return -1, fmt.Errorf("failed reading %s: %w", path, err)
	}

	value, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1, fmt.Errorf("failed parsing ADC value: %w", err)
	}
	return value, nil
}

func InRange(v, min, max int) bool {
	return v >= min && v <= max
}

func (c AdcChannel) Convert(raw int) int {
	return raw*c.Scale/AdcMax + c.Offset
}

type AdcConfig struct {
	Root        string
	Device      string
	Temperature AdcChannel
	Current     AdcChannel
	Voltage     AdcChannel
}

func DefaultAdcConfig() AdcConfig {
	return AdcConfig{
		Root:        IIORoot,
		Device:      DefaultIIODevice,
		Temperature: DefaultTempChannel,
		Current:     DefaultCurrentChannel,
		Voltage:     DefaultVoltageChannel,
	}
}

// AdcSensors samples the safety inputs from an IIO ADC.
type AdcSensors struct {
	cfg AdcConfig
}

func NewAdcSensors(cfg AdcConfig) *AdcSensors {
	if cfg.Root == "" {
		cfg.Root = IIORoot
	}
	return &AdcSensors{cfg: cfg}
}

func (s *AdcSensors) read(name string, ch AdcChannel) (int, error) {
	raw, err := ReadAdcValue(s.cfg.Root, s.cfg.Device, ch.Index)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if !InRange(raw, 0, AdcMax) {
		return 0, fmt.Errorf("%s: raw value %d out of range", name, raw)
	}
	return ch.Convert(raw), nil
}

func (s *AdcSensors) Read() (safety.Readings, error) {
	var r safety.Readings
	var err error
	if r.TemperatureC10, err = s.read("temperature", s.cfg.Temperature); err != nil {
		return safety.Readings{}, err
	}
	if r.CurrentMA, err = s.read("current", s.cfg.Current); err != nil {
		return safety.Readings{}, err
	}
	if r.VoltageMV, err = s.read("voltage", s.cfg.Voltage); err != nil {
		return safety.Readings{}, err
	}
	return r, nil
}
