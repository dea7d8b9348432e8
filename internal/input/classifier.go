// Package input turns raw button edges into taps and holds.
//
// A press arms the hold deadline. If it fires while the button is still down
// a hold-start is emitted immediately, and the following release emits a
// hold-release. A short press instead arms the click deadline on release;
// every further press before it fires adds one to the tap count, and when it
// finally fires a single tap with the accumulated count is emitted.
package input

import (
	"sync"
	"time"

	"torch-service/internal/clock"
	"torch-service/internal/logger"
	"torch-service/internal/types"
)

const (
	DefaultClickTimeout = 400 * time.Millisecond
	DefaultHoldDuration = 500 * time.Millisecond
)

type State int

const (
	StateIdle State = iota
	StatePressed
	StateWaitTimeout
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePressed:
		return "PRESSED"
	case StateWaitTimeout:
		return "WAIT"
	default:
		return "?"
	}
}

// Poster receives classified events. It must not block.
type Poster interface {
	Post(msg types.Message) error
}

type Classifier struct {
	mu     sync.Mutex
	clock  clock.Clock
	out    Poster
	logger *logger.Logger

	clickTimeout time.Duration
	holdDuration time.Duration

	state   State
	count   int
	holding bool

	clickTimer clock.Timer
	holdTimer  clock.Timer
	// Bumped on every cancel so a deadline that already left the clock
	// cannot act on a later press.
	clickGen uint64
	holdGen  uint64
}

func NewClassifier(c clock.Clock, out Poster, l *logger.Logger) *Classifier {
	return &Classifier{
		clock:        c,
		out:          out,
		logger:       l,
		clickTimeout: DefaultClickTimeout,
		holdDuration: DefaultHoldDuration,
	}
}

// Configure sets both deadlines. Non-positive values keep the current one.
// Deadlines already armed keep their original duration.
func (c *Classifier) Configure(clickTimeout, holdDuration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clickTimeout > 0 {
		c.clickTimeout = clickTimeout
	}
	if holdDuration > 0 {
		c.holdDuration = holdDuration
	}
	c.logger.Infof("Configured: click=%v hold=%v", c.clickTimeout, c.holdDuration)
}

// Timings returns the configured click timeout and hold duration.
func (c *Classifier) Timings() (time.Duration, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clickTimeout, c.holdDuration
}

// Feed processes one raw edge: pressed=true for key down, false for key up.
func (c *Classifier) Feed(pressed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pressed {
		c.press()
	} else {
		c.release()
	}
}

func (c *Classifier) press() {
	switch c.state {
	case StateIdle:
		c.count = 1
		c.state = StatePressed
		c.armHold()
		c.logger.Debugf("IDLE -> PRESSED")
	case StateWaitTimeout:
		c.cancelClick()
		c.count++
		c.state = StatePressed
		c.armHold()
		c.logger.Debugf("WAIT -> PRESSED (count=%d)", c.count)
	case StatePressed:
		c.logger.Debugf("Ignored press while PRESSED")
	}
}

func (c *Classifier) release() {
	if c.state != StatePressed {
		c.logger.Debugf("Ignored release in %s", c.state)
		return
	}

	c.cancelHold()
	if c.holding {
		c.emit(types.HoldRelease(c.countByte()))
		c.resetLocked()
		c.logger.Debugf("PRESSED -> IDLE (hold release)")
		return
	}

	c.state = StateWaitTimeout
	c.armClick()
	c.logger.Debugf("PRESSED -> WAIT")
}

func (c *Classifier) armHold() {
	c.holdGen++
	gen := c.holdGen
	c.holdTimer = c.clock.AfterFunc(c.holdDuration, func() { c.holdExpired(gen) })
}

func (c *Classifier) cancelHold() {
	c.holdGen++
	if c.holdTimer != nil {
		c.holdTimer.Stop()
		c.holdTimer = nil
	}
}

func (c *Classifier) armClick() {
	c.clickGen++
	gen := c.clickGen
	c.clickTimer = c.clock.AfterFunc(c.clickTimeout, func() { c.clickExpired(gen) })
}

func (c *Classifier) cancelClick() {
	c.clickGen++
	if c.clickTimer != nil {
		c.clickTimer.Stop()
		c.clickTimer = nil
	}
}

func (c *Classifier) holdExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.holdGen || c.state != StatePressed {
		return
	}
	c.holdTimer = nil
	c.holding = true
	c.emit(types.HoldStart(c.countByte()))
}

func (c *Classifier) clickExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.clickGen || c.state != StateWaitTimeout {
		return
	}
	c.clickTimer = nil
	c.emit(types.Tap(c.countByte()))
	c.resetLocked()
}

func (c *Classifier) emit(msg types.Message) {
	c.logger.Infof("Emit %s", msg)
	if err := c.out.Post(msg); err != nil {
		c.logger.Warnf("Failed to post %s: %v", msg, err)
	}
}

// countByte saturates the count into the one-byte wire field; the engine
// rejects anything above its slot capacity anyway.
func (c *Classifier) countByte() uint8 {
	if c.count > 255 {
		return 255
	}
	return uint8(c.count)
}

// Reset cancels both deadlines and returns to IDLE without emitting.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelHold()
	c.cancelClick()
	c.resetLocked()
	c.logger.Infof("Reset")
}

func (c *Classifier) resetLocked() {
	c.count = 0
	c.holding = false
	c.state = StateIdle
}

// State returns the current classifier state.
func (c *Classifier) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
