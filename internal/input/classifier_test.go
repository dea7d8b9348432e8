package input

import (
	"errors"
	"testing"
	"time"

	"torch-service/internal/clock"
	"torch-service/internal/logger"
	"torch-service/internal/types"
)

type recordingPoster struct {
	clock *clock.Fake
	start time.Time
	msgs  []types.Message
	at    []time.Duration
	err   error
}

func (p *recordingPoster) Post(msg types.Message) error {
	p.msgs = append(p.msgs, msg)
	p.at = append(p.at, p.clock.Now().Sub(p.start))
	return p.err
}

func newTestClassifier() (*Classifier, *clock.Fake, *recordingPoster) {
	fc := clock.NewFake()
	p := &recordingPoster{clock: fc, start: fc.Now()}
	c := NewClassifier(fc, p, logger.NewLogger(nil, logger.LogLevelError))
	c.Configure(400*time.Millisecond, 500*time.Millisecond)
	return c, fc, p
}

func TestSingleTap(t *testing.T) {
	c, fc, p := newTestClassifier()

	c.Feed(true)
	fc.Advance(50 * time.Millisecond)
	c.Feed(false)

	fc.Advance(399 * time.Millisecond)
	if len(p.msgs) != 0 {
		t.Fatalf("Expected no event before click timeout, got %v", p.msgs)
	}

	fc.Advance(time.Millisecond)
	if len(p.msgs) != 1 || p.msgs[0] != types.Tap(1) {
		t.Fatalf("Expected exactly tap(1), got %v", p.msgs)
	}
	if p.at[0] != 450*time.Millisecond {
		t.Errorf("Expected tap at 450ms, got %v", p.at[0])
	}

	fc.Advance(time.Second)
	if len(p.msgs) != 1 {
		t.Errorf("Expected no hold event, got %v", p.msgs)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected IDLE, got %v", c.State())
	}
}

func TestDoubleTap(t *testing.T) {
	c, fc, p := newTestClassifier()

	c.Feed(true)
	fc.Advance(50 * time.Millisecond)
	c.Feed(false)
	fc.Advance(100 * time.Millisecond)
	c.Feed(true)
	fc.Advance(50 * time.Millisecond)
	c.Feed(false)

	fc.Advance(time.Second)
	if len(p.msgs) != 1 || p.msgs[0] != types.Tap(2) {
		t.Fatalf("Expected a single tap(2), got %v", p.msgs)
	}
	if p.at[0] != 600*time.Millisecond {
		t.Errorf("Expected tap 400ms after second release (600ms), got %v", p.at[0])
	}
}

func TestHoldThenRelease(t *testing.T) {
	c, fc, p := newTestClassifier()

	c.Feed(true)
	fc.Advance(500 * time.Millisecond)
	if len(p.msgs) != 1 || p.msgs[0] != types.HoldStart(1) {
		t.Fatalf("Expected hold-start(1) while pressed, got %v", p.msgs)
	}
	if c.State() != StatePressed {
		t.Errorf("Expected to stay PRESSED during hold, got %v", c.State())
	}

	fc.Advance(200 * time.Millisecond)
	c.Feed(false)
	if len(p.msgs) != 2 || p.msgs[1] != types.HoldRelease(1) {
		t.Fatalf("Expected immediate hold-release(1), got %v", p.msgs)
	}
	if p.at[1] != 700*time.Millisecond {
		t.Errorf("Expected release at 700ms, got %v", p.at[1])
	}

	fc.Advance(time.Second)
	if len(p.msgs) != 2 {
		t.Errorf("Expected no trailing tap, got %v", p.msgs)
	}
}

func TestTapThenHold(t *testing.T) {
	c, fc, p := newTestClassifier()

	c.Feed(true)
	fc.Advance(50 * time.Millisecond)
	c.Feed(false)
	fc.Advance(100 * time.Millisecond)
	c.Feed(true)
	fc.Advance(500 * time.Millisecond)
	c.Feed(false)

	want := []types.Message{types.HoldStart(2), types.HoldRelease(2)}
	if len(p.msgs) != len(want) {
		t.Fatalf("Expected %v, got %v", want, p.msgs)
	}
	for i := range want {
		if p.msgs[i] != want[i] {
			t.Errorf("Event %d: expected %v, got %v", i, want[i], p.msgs[i])
		}
	}
}

func TestReleaseJustBeforeHold(t *testing.T) {
	c, fc, p := newTestClassifier()

	c.Feed(true)
	fc.Advance(499 * time.Millisecond)
	c.Feed(false)
	fc.Advance(time.Second)

	if len(p.msgs) != 1 || p.msgs[0] != types.Tap(1) {
		t.Errorf("Expected only tap(1), got %v", p.msgs)
	}
}

func TestIgnoredEdges(t *testing.T) {
	c, fc, p := newTestClassifier()

	c.Feed(false) // release while idle
	if c.State() != StateIdle {
		t.Fatalf("Expected IDLE, got %v", c.State())
	}

	c.Feed(true)
	fc.Advance(10 * time.Millisecond)
	c.Feed(true) // duplicate press
	fc.Advance(10 * time.Millisecond)
	c.Feed(false)
	c.Feed(false) // duplicate release in WAIT

	fc.Advance(time.Second)
	if len(p.msgs) != 1 || p.msgs[0] != types.Tap(1) {
		t.Errorf("Expected tap(1), got %v", p.msgs)
	}
}

func TestReset(t *testing.T) {
	c, fc, p := newTestClassifier()

	c.Feed(true)
	fc.Advance(50 * time.Millisecond)
	c.Feed(false)
	c.Reset()

	fc.Advance(time.Second)
	if len(p.msgs) != 0 {
		t.Errorf("Expected no events after reset, got %v", p.msgs)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected IDLE, got %v", c.State())
	}
	if fc.Pending() != 0 {
		t.Errorf("Expected no pending deadlines, got %d", fc.Pending())
	}
}

func TestConfigure(t *testing.T) {
	c, fc, p := newTestClassifier()
	c.Configure(200*time.Millisecond, 0)

	click, hold := c.Timings()
	if click != 200*time.Millisecond || hold != 500*time.Millisecond {
		t.Fatalf("Unexpected timings: click=%v hold=%v", click, hold)
	}

	c.Feed(true)
	c.Feed(false)
	fc.Advance(200 * time.Millisecond)
	if len(p.msgs) != 1 || p.msgs[0] != types.Tap(1) {
		t.Errorf("Expected tap after 200ms click timeout, got %v", p.msgs)
	}
}

func TestPostFailureStillResets(t *testing.T) {
	c, fc, p := newTestClassifier()
	p.err = errors.New("queue full")

	c.Feed(true)
	c.Feed(false)
	fc.Advance(time.Second)

	if c.State() != StateIdle {
		t.Errorf("Expected IDLE after dropped tap, got %v", c.State())
	}
}
