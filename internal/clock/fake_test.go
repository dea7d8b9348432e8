package clock

import (
	"testing"
	"time"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake()
	var order []string

	c.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	c.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	c.AfterFunc(20*time.Millisecond, func() { order = append(order, "b") })

	c.Advance(25 * time.Millisecond)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("Expected [a b], got %v", order)
	}

	c.Advance(5 * time.Millisecond)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("Expected c to fire at 30ms, got %v", order)
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake()
	fired := false

	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Error("Expected Stop to report cancellation")
	}
	if tm.Stop() {
		t.Error("Expected second Stop to return false")
	}

	c.Advance(2 * time.Second)
	if fired {
		t.Error("Stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", c.Pending())
	}
}

func TestFakeRearmFromCallback(t *testing.T) {
	c := NewFake()
	ticks := 0

	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(10*time.Millisecond, tick)
	}
	c.AfterFunc(10*time.Millisecond, tick)

	c.Advance(55 * time.Millisecond)
	if ticks != 5 {
		t.Errorf("Expected 5 ticks, got %d", ticks)
	}
	if got := c.Now().Sub(NewFake().Now()); got != 55*time.Millisecond {
		t.Errorf("Expected clock at +55ms, got %v", got)
	}
}
