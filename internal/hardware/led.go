package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"torch-service/internal/logger"
)

type LedConfig struct {
	PwmRoot  string // normally PwmRoot
	Chip     string
	Channel  int
	PeriodNs int
	// Enable is the driver enable line; an empty chip leaves the driver
	// always enabled.
	Enable Line
}

func DefaultLedConfig() LedConfig {
	return LedConfig{
		PwmRoot:  PwmRoot,
		Chip:     DefaultPwmChip,
		Channel:  DefaultPwmChannel,
		PeriodNs: DefaultPwmPeriodNs,
		Enable:   DefaultLines["led_enable"],
	}
}

// PwmLed drives the emitter through a sysfs PWM channel. The driver
// enable line is held low whenever the level is zero.
type PwmLed struct {
	logger *logger.Logger
	cfg    LedConfig

	mu     sync.Mutex
	enable *gpiocdev.Line
	level  uint8
	ready  bool
}

func NewPwmLed(cfg LedConfig, l *logger.Logger) *PwmLed {
	if cfg.PwmRoot == "" {
		cfg.PwmRoot = PwmRoot
	}
	if cfg.PeriodNs <= 0 {
		cfg.PeriodNs = DefaultPwmPeriodNs
	}
	return &PwmLed{logger: l, cfg: cfg}
}

func (p *PwmLed) chipDir() string {
	return filepath.Join(p.cfg.PwmRoot, p.cfg.Chip)
}

func (p *PwmLed) channelDir() string {
	return filepath.Join(p.chipDir(), fmt.Sprintf("pwm%d", p.cfg.Channel))
}

func writeSysfs(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0); err != nil {
		return fmt.Errorf("failed writing %s: %w", path, err)
	}
	return nil
}

func (p *PwmLed) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Infof("Initializing PWM LED %s channel %d", p.cfg.Chip, p.cfg.Channel)
	if _, err := os.Stat(p.chipDir()); err != nil {
		return fmt.Errorf("PWM chip not found: %w", err)
	}
	if _, err := os.Stat(p.channelDir()); os.IsNotExist(err) {
		if err := writeSysfs(filepath.Join(p.chipDir(), "export"), strconv.Itoa(p.cfg.Channel)); err != nil {
			return err
		}
	}

	dir := p.channelDir()
	if err := writeSysfs(filepath.Join(dir, "duty_cycle"), "0"); err != nil {
		return err
	}
	if err := writeSysfs(filepath.Join(dir, "period"), strconv.Itoa(p.cfg.PeriodNs)); err != nil {
		return err
	}
	if err := writeSysfs(filepath.Join(dir, "enable"), "1"); err != nil {
		return err
	}

	if p.cfg.Enable.Chip != "" {
		line, err := gpiocdev.RequestLine(p.cfg.Enable.Chip, p.cfg.Enable.Offset,
			gpiocdev.AsOutput(0),
			gpiocdev.WithConsumer(Consumer))
		if err != nil {
			return fmt.Errorf("failed to request LED enable line %s:%d: %w",
				p.cfg.Enable.Chip, p.cfg.Enable.Offset, err)
		}
		p.enable = line
		p.logger.Infof("Configured LED enable: %s:%d", p.cfg.Enable.Chip, p.cfg.Enable.Offset)
	}

	p.level = 0
	p.ready = true
	return nil
}

// DutyCycle maps a 0-255 level onto the PWM period.
func DutyCycle(periodNs int, level uint8) int {
	return periodNs * int(level) / 255
}

// SetLevel sets the output level, 0 switches the emitter off.
func (p *PwmLed) SetLevel(level uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready {
		return fmt.Errorf("PWM LED not initialized")
	}

	duty := DutyCycle(p.cfg.PeriodNs, level)
	if err := writeSysfs(filepath.Join(p.channelDir(), "duty_cycle"), strconv.Itoa(duty)); err != nil {
		return err
	}
	if p.enable != nil {
		on := 0
		if level > 0 {
			on = 1
		}
		if err := p.enable.SetValue(on); err != nil {
			return fmt.Errorf("failed to set LED enable=%d: %w", on, err)
		}
	}

	p.level = level
	p.logger.Debugf("LED level %d (duty %d/%d ns)", level, duty, p.cfg.PeriodNs)
	return nil
}

func (p *PwmLed) Level() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *PwmLed) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Infof("Cleaning up PWM LED")
	if p.ready {
		dir := p.channelDir()
		if err := writeSysfs(filepath.Join(dir, "duty_cycle"), "0"); err != nil {
			p.logger.Warnf("%v", err)
		}
		if err := writeSysfs(filepath.Join(dir, "enable"), "0"); err != nil {
			p.logger.Warnf("%v", err)
		}
	}
	if p.enable != nil {
		p.enable.SetValue(0)
		p.enable.Close()
		p.enable = nil
	}
	p.ready = false
}
