package hardware

import "time"

const (
	// Consumer is the label shown for requested GPIO lines.
	Consumer = "torch-service"

	GpioKeysInput = "/dev/input/by-path/platform-gpio-keys-event"

	EV_SYN    = 0x00
	EV_KEY    = 0x01
	KEY_POWER = 116

	DefaultButtonDebounce = 5 * time.Millisecond

	PwmRoot            = "/sys/class/pwm"
	DefaultPwmChip     = "pwmchip0"
	DefaultPwmChannel  = 0
	DefaultPwmPeriodNs = 50000 // 20 kHz, above audible range

	IIORoot          = "/sys/bus/iio/devices"
	DefaultIIODevice = "iio:device0"
	AdcMax           = 4095 // 12-bit
)

// Line identifies one GPIO line.
type Line struct {
	Chip   string
	Offset int
}

var DefaultLines = map[string]Line{
	"button":     {"gpiochip0", 5},
	"led_enable": {"gpiochip0", 6},
}

// AdcChannel converts raw samples of one IIO channel linearly:
// value = raw*Scale/AdcMax + Offset.
type AdcChannel struct {
	Index  int
	Scale  int
	Offset int
}

var (
	// NTC front end, result in 0.1 °C.
	DefaultTempChannel = AdcChannel{Index: 1, Scale: 1500, Offset: -200}
	// 10 mΩ shunt with x50 amplifier, result in mA.
	DefaultCurrentChannel = AdcChannel{Index: 2, Scale: 3600, Offset: 0}
	// 1:3 divider at 1.8 V reference, result in mV.
	DefaultVoltageChannel = AdcChannel{Index: 0, Scale: 5400, Offset: 0}
)
