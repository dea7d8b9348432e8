package ui

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"torch-service/internal/clock"
	"torch-service/internal/logger"
)

const (
	DefaultFloor     uint8 = 1
	DefaultCeiling   uint8 = 200
	DefaultMemorized uint8 = 128
	// One full floor-to-ceiling sweep takes about two seconds.
	DefaultRampStep = 8 * time.Millisecond

	blinkLevel uint8 = 100
	blinkOn          = 100 * time.Millisecond
	blinkOff         = 300 * time.Millisecond
	blinkPause       = 800 * time.Millisecond
)

// Driver sets the emitter level; 0 is off.
type Driver interface {
	SetLevel(level uint8) error
}

// ThrottleFactor maps a thermal warning severity to an output factor,
// 255 being full output.
func ThrottleFactor(severity uint8) uint8 {
	reduction := 16 * int(severity)
	if reduction > 200 {
		reduction = 200
	}
	return uint8(255 - reduction)
}

type step struct {
	level uint8
	hold  time.Duration
}

// Output is the brightness stage between the UI and the driver: floor and
// ceiling, the memorized level, a one-shot override, thermal throttling,
// the ramp ticker and timed blink sequences.
type Output struct {
	driver Driver
	clock  clock.Clock
	logger *logger.Logger

	// OnMemorize is called with the new level whenever a ramp stops.
	OnMemorize func(level uint8)

	throttle atomic.Uint32
	applied  atomic.Uint32

	mu        sync.Mutex
	floor     uint8
	ceiling   uint8
	level     uint8
	memorized uint8
	override  uint8
	rampStep  time.Duration

	rampDir   int
	rampTimer clock.Timer
	rampGen   uint64

	blinkTimer clock.Timer
	blinkGen   uint64
}

func NewOutput(d Driver, c clock.Clock, l *logger.Logger) *Output {
	o := &Output{
		driver:    d,
		clock:     c,
		logger:    l,
		floor:     DefaultFloor,
		ceiling:   DefaultCeiling,
		memorized: DefaultMemorized,
		rampStep:  DefaultRampStep,
	}
	o.throttle.Store(255)
	return o
}

// SetLimits changes floor and ceiling. Invalid pairs are ignored.
func (o *Output) SetLimits(floor, ceiling uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if floor == 0 || ceiling < floor {
		o.logger.Warnf("Ignoring limits floor=%d ceiling=%d", floor, ceiling)
		return
	}
	o.floor, o.ceiling = floor, ceiling
	o.memorized = o.clamp(o.memorized)
}

func (o *Output) Limits() (uint8, uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.floor, o.ceiling
}

func (o *Output) clamp(level uint8) uint8 {
	switch {
	case level < o.floor:
		return o.floor
	case level > o.ceiling:
		return o.ceiling
	}
	return level
}

func (o *Output) SetMemorized(level uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.memorized = o.clamp(level)
}

func (o *Output) Memorized() uint8 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.memorized
}

// SetNextOverride makes the next On use level instead of the memorized one.
func (o *Output) SetNextOverride(level uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.override = o.clamp(level)
}

// Level is the requested level before throttling.
func (o *Output) Level() uint8 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// Applied is the last level written to the driver.
func (o *Output) Applied() uint8 {
	return uint8(o.applied.Load())
}

func (o *Output) Ramping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rampDir != 0
}

// SetThrottle scales every level by factor/255 until changed again.
func (o *Output) SetThrottle(factor uint8) {
	if uint32(factor) == o.throttle.Swap(uint32(factor)) {
		return
	}
	o.logger.Infof("Throttle %d/255", factor)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.apply(o.level)
}

func (o *Output) Throttle() uint8 {
	return uint8(o.throttle.Load())
}

// apply writes level to the driver. Caller holds mu.
func (o *Output) apply(level uint8) {
	o.level = level
	eff := int(level) * int(o.throttle.Load()) / 255
	if level > 0 && eff == 0 {
		eff = 1
	}
	o.applied.Store(uint32(eff))
	if err := o.driver.SetLevel(uint8(eff)); err != nil {
		o.logger.Errorf("Failed to set level %d: %v", eff, err)
	}
}

func (o *Output) Off() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopRampLocked(false)
	o.cancelBlinkLocked()
	o.apply(0)
	o.logger.Debugf("Off")
}

// On lights at the pending override, or the memorized level.
func (o *Output) On() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopRampLocked(false)
	o.cancelBlinkLocked()
	level := o.memorized
	if o.override > 0 {
		level = o.override
		o.override = 0
	}
	o.apply(level)
	o.logger.Debugf("On (%d)", level)
}

func (o *Output) Moon() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopRampLocked(false)
	o.cancelBlinkLocked()
	o.apply(o.floor)
	o.logger.Debugf("Moon (%d)", o.floor)
}

func (o *Output) Turbo() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopRampLocked(false)
	o.cancelBlinkLocked()
	o.apply(o.ceiling)
	o.logger.Debugf("Turbo (%d)", o.ceiling)
}

// StartRamp moves the level one step per tick in direction dir (+1 or -1),
// bouncing between floor and ceiling.
func (o *Output) StartRamp(dir int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelBlinkLocked()
	if dir >= 0 {
		dir = 1
	} else {
		dir = -1
	}
	if o.level == 0 {
		o.apply(o.floor)
	}
	o.stopRampLocked(false)
	o.rampDir = dir
	o.scheduleRampLocked()
	o.logger.Debugf("Ramp start (dir=%d, level=%d)", dir, o.level)
}

// StopRamp stops the ramp and memorizes the level it reached.
func (o *Output) StopRamp() {
	o.mu.Lock()
	level, stopped := o.level, o.stopRampLocked(true)
	cb := o.OnMemorize
	o.mu.Unlock()

	if stopped {
		o.logger.Debugf("Ramp stop, memorized %d", level)
		if cb != nil {
			cb(level)
		}
	}
}

func (o *Output) stopRampLocked(memorize bool) bool {
	o.rampGen++
	if o.rampTimer != nil {
		o.rampTimer.Stop()
		o.rampTimer = nil
	}
	wasRamping := o.rampDir != 0
	o.rampDir = 0
	if wasRamping && memorize {
		o.memorized = o.clamp(o.level)
	}
	return wasRamping
}

func (o *Output) scheduleRampLocked() {
	o.rampGen++
	gen := o.rampGen
	o.rampTimer = o.clock.AfterFunc(o.rampStep, func() { o.rampTick(gen) })
}

func (o *Output) rampTick(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.rampGen || o.rampDir == 0 {
		return
	}

	level := o.level
	if o.rampDir > 0 {
		if level < o.ceiling-1 {
			level++
		} else {
			level = o.ceiling
			o.rampDir = -1
		}
	} else {
		if level > o.floor+1 {
			level--
		} else {
			level = o.floor
			o.rampDir = 1
		}
	}
	o.apply(level)
	o.scheduleRampLocked()
}

// BlinkCount flashes n times at a fixed level and then stays dark.
func (o *Output) BlinkCount(n int) {
	o.blink(blinkSteps(n))
}

// BlinkReadout flashes major, pauses, then flashes minor.
func (o *Output) BlinkReadout(major, minor int) {
	steps := blinkSteps(major)
	steps = append(steps, step{0, blinkPause})
	steps = append(steps, blinkSteps(minor)...)
	o.blink(steps)
}

func blinkSteps(n int) []step {
	steps := make([]step, 0, 2*n)
	for i := 0; i < n; i++ {
		steps = append(steps, step{blinkLevel, blinkOn}, step{0, blinkOff})
	}
	return steps
}

func (o *Output) blink(steps []step) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopRampLocked(false)
	o.cancelBlinkLocked()
	o.apply(0)
	o.blinkGen++
	o.runStepLocked(o.blinkGen, steps)
}

func (o *Output) runStepLocked(gen uint64, steps []step) {
	if len(steps) == 0 {
		o.blinkTimer = nil
		return
	}
	s := steps[0]
	o.apply(s.level)
	o.blinkTimer = o.clock.AfterFunc(s.hold, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if gen != o.blinkGen {
			return
		}
		o.runStepLocked(gen, steps[1:])
	})
}

func (o *Output) cancelBlinkLocked() {
	o.blinkGen++
	if o.blinkTimer != nil {
		o.blinkTimer.Stop()
		o.blinkTimer = nil
	}
}

// Blinking reports whether a blink sequence is still running.
func (o *Output) Blinking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.blinkTimer != nil
}
