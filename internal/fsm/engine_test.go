package fsm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"torch-service/internal/clock"
	"torch-service/internal/logger"
	"torch-service/internal/types"
)

// ===== Test fixtures =====

const (
	nodeOff NodeID = iota
	nodeOn
	nodeMoon
	nodeBlink
	nodeRamp
	nodeSix
)

type mockPoster struct {
	msgs []types.Message
	fail int
}

func (p *mockPoster) Post(msg types.Message) error {
	if p.fail > 0 {
		p.fail--
		return errors.New("queue full")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

type harness struct {
	t       *testing.T
	clock   *clock.Fake
	out     *mockPoster
	reg     *Registry
	engine  *Engine
	entered []NodeID
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, clock: clock.NewFake(), out: &mockPoster{}, reg: NewRegistry()}

	entry := func(id NodeID) func() {
		return func() { h.entered = append(h.entered, id) }
	}

	off := &Node{ID: nodeOff, Name: "OFF", OnEnter: entry(nodeOff)}
	off.Click[0] = Goto(nodeOn)
	off.Hold[0] = Goto(nodeMoon)

	on := &Node{ID: nodeOn, Name: "ON", OnEnter: entry(nodeOn), Timeout: 2 * time.Second}
	on.Click[0] = Goto(nodeOff)
	on.Click[1] = Goto(nodeBlink)
	on.Hold[0] = Goto(nodeRamp)
	on.Click[5] = Goto(nodeSix)

	moon := &Node{ID: nodeMoon, Name: "MOON", OnEnter: entry(nodeMoon)}
	moon.Click[0] = Goto(nodeOff)
	moon.Click[1] = Goto(nodeBlink)

	blink := &Node{ID: nodeBlink, Name: "BLINK", OnEnter: entry(nodeBlink),
		Timeout: time.Second, TimeoutReverts: true}
	blink.Click[0] = Goto(nodeOff)

	ramp := &Node{ID: nodeRamp, Name: "RAMP", Kind: Transitional, OnEnter: entry(nodeRamp),
		OnRelease: RuleFunc(func(*Node) NodeID { return nodeOn })}

	six := &Node{ID: nodeSix, Name: "SIX", OnEnter: entry(nodeSix)}

	for _, n := range []*Node{off, on, moon, blink, ramp, six} {
		h.reg.MustAdd(n)
	}
	if err := h.reg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	h.engine = NewEngine(h.reg, h.clock, h.out, logger.NewLogger(nil, logger.LogLevelDebug), opts...)
	return h
}

func (h *harness) init() {
	h.t.Helper()
	if err := h.engine.Initialize(nodeOff); err != nil {
		h.t.Fatalf("Initialize failed: %v", err)
	}
}

// deliver hands every posted timeout to the engine, as the consumer would.
func (h *harness) deliver() {
	msgs := h.out.msgs
	h.out.msgs = nil
	for _, m := range msgs {
		h.engine.DispatchTimer(m)
	}
}

func (h *harness) expectCurrent(id NodeID) {
	h.t.Helper()
	cur := h.engine.Current()
	if cur == nil || cur.ID != id {
		h.t.Fatalf("Expected current %s, got %v", h.reg.Node(id), cur)
	}
}

func (h *harness) expectPrevious(id NodeID) {
	h.t.Helper()
	prev := h.engine.Previous()
	if prev == nil || prev.ID != id {
		h.t.Fatalf("Expected previous %s, got %v", h.reg.Node(id), prev)
	}
}

// ===== Initialization =====

func TestInitialize(t *testing.T) {
	h := newHarness(t)
	h.init()

	h.expectCurrent(nodeOff)
	if h.engine.Home().ID != nodeOff {
		t.Errorf("Expected home OFF, got %v", h.engine.Home())
	}
	if h.engine.Previous() != nil {
		t.Errorf("Expected no previous node, got %v", h.engine.Previous())
	}
	if len(h.entered) != 1 || h.entered[0] != nodeOff {
		t.Errorf("Expected OFF entry action once, got %v", h.entered)
	}

	if err := h.engine.Initialize(nodeOn); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitializeUnknownNode(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Initialize(42); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode, got %v", err)
	}
	if h.engine.Current() != nil {
		t.Errorf("Expected no current node")
	}
}

func TestInputBeforeInitializeIgnored(t *testing.T) {
	h := newHarness(t)
	h.engine.DispatchInput(types.Tap(1))
	h.engine.DispatchTimer(types.InactivityTimeout())

	if len(h.entered) != 0 {
		t.Errorf("Expected no entry actions, got %v", h.entered)
	}
	if err := h.engine.TransitionTo(nodeOn); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
}

// ===== Manual transitions =====

func TestTransitionTo(t *testing.T) {
	h := newHarness(t)
	h.init()

	if err := h.engine.TransitionTo(nodeMoon); err != nil {
		t.Fatalf("TransitionTo failed: %v", err)
	}
	h.expectCurrent(nodeMoon)
	h.expectPrevious(nodeOff)

	if err := h.engine.TransitionTo(NoNode); err != nil {
		t.Errorf("Expected NoNode to be a no-op, got %v", err)
	}
	h.expectCurrent(nodeMoon)

	if err := h.engine.TransitionTo(99); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode, got %v", err)
	}
	h.expectCurrent(nodeMoon)
}

func TestSelfTransitionRerunsEntry(t *testing.T) {
	h := newHarness(t)
	h.init()

	if err := h.engine.TransitionTo(nodeOff); err != nil {
		t.Fatalf("TransitionTo failed: %v", err)
	}
	if len(h.entered) != 2 {
		t.Errorf("Expected OFF entered twice, got %v", h.entered)
	}
	h.expectPrevious(nodeOff)
}

// ===== Navigation tables =====

func TestClickAndHoldTables(t *testing.T) {
	h := newHarness(t)
	h.init()

	h.engine.DispatchInput(types.Tap(1))
	h.expectCurrent(nodeOn)
	h.expectPrevious(nodeOff)

	h.engine.DispatchInput(types.Tap(1))
	h.expectCurrent(nodeOff)

	h.engine.DispatchInput(types.HoldStart(1))
	h.expectCurrent(nodeMoon)
}

func TestUnmappedSlotIgnored(t *testing.T) {
	h := newHarness(t)
	h.init()

	h.engine.DispatchInput(types.Tap(3))
	h.engine.DispatchInput(types.HoldStart(2))
	h.expectCurrent(nodeOff)
	if len(h.entered) != 1 {
		t.Errorf("Expected no further entry actions, got %v", h.entered)
	}
}

func TestCountOutOfRange(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.Tap(1))

	h.engine.DispatchInput(types.Tap(0))
	h.engine.DispatchInput(types.Tap(6))
	h.engine.DispatchInput(types.HoldStart(255))
	h.expectCurrent(nodeOn)
}

func TestWiderSlotLimit(t *testing.T) {
	h := newHarness(t, WithSlots(MaxSlots))
	h.init()
	h.engine.DispatchInput(types.Tap(1))

	h.engine.DispatchInput(types.Tap(6))
	h.expectCurrent(nodeSix)
}

func TestInvalidSlotLimitKeepsDefault(t *testing.T) {
	h := newHarness(t, WithSlots(0), WithSlots(MaxSlots+1))
	if h.engine.Slots() != DefaultSlots {
		t.Errorf("Expected %d slots, got %d", DefaultSlots, h.engine.Slots())
	}
}

func TestRuleDecidesSlot(t *testing.T) {
	h := newHarness(t)
	calls := 0
	n := &Node{ID: 10, Name: "DYN"}
	n.Click[0] = CallFunc(func(cur *Node) NodeID {
		calls++
		if cur.ID != 10 {
			t.Errorf("Rule got node %v", cur)
		}
		return nodeMoon
	})
	h.reg.MustAdd(n)
	h.init()
	h.engine.TransitionTo(10)

	h.engine.DispatchInput(types.Tap(1))
	h.expectCurrent(nodeMoon)
	if calls != 1 {
		t.Errorf("Expected rule called once, got %d", calls)
	}
}

func TestRuleWinsOverStaticTarget(t *testing.T) {
	h := newHarness(t)
	n := &Node{ID: 10, Name: "DYN"}
	n.Click[0] = CallFunc(func(*Node) NodeID { return NoNode })
	h.reg.MustAdd(n)

	cfg := EmptyNodeConfig()
	cfg.Click[0] = nodeOn
	if err := h.reg.Override(10, cfg); err != nil {
		t.Fatalf("Override failed: %v", err)
	}

	h.init()
	h.engine.TransitionTo(10)
	entries := len(h.entered)

	h.engine.DispatchInput(types.Tap(1))
	h.expectCurrent(10)
	if len(h.entered) != entries {
		t.Errorf("Expected stay without entry action, got %v", h.entered)
	}
}

// ===== Hold release =====

func TestReleaseHandler(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.Tap(1))
	h.engine.DispatchInput(types.HoldStart(1))
	h.expectCurrent(nodeRamp)

	h.engine.DispatchInput(types.HoldRelease(1))
	h.expectCurrent(nodeOn)
}

func TestReleaseWithoutHandlerIgnored(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.HoldStart(1))

	h.engine.DispatchInput(types.HoldRelease(1))
	h.expectCurrent(nodeMoon)
}

// ===== Inactivity timeout =====

func TestTimeoutGoesHome(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.Tap(1))

	h.clock.Advance(1999 * time.Millisecond)
	if len(h.out.msgs) != 0 {
		t.Fatalf("Expected no timeout yet, got %v", h.out.msgs)
	}
	h.clock.Advance(time.Millisecond)
	if len(h.out.msgs) != 1 || h.out.msgs[0].Kind != types.KindInactivityTimeout {
		t.Fatalf("Expected one inactivity timeout, got %v", h.out.msgs)
	}

	h.deliver()
	h.expectCurrent(nodeOff)
}

func TestTimeoutRevertsToPrevious(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.HoldStart(1))
	h.engine.DispatchInput(types.Tap(2))
	h.expectCurrent(nodeBlink)

	h.clock.Advance(time.Second)
	h.deliver()
	h.expectCurrent(nodeMoon)
}

func TestRevertingNodeNotRecordedAsPrevious(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.HoldStart(1))
	h.engine.DispatchInput(types.Tap(2))

	h.engine.DispatchInput(types.Tap(1))
	h.expectCurrent(nodeOff)
	h.expectPrevious(nodeMoon)
}

func TestInputResetsTimeout(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.Tap(1))

	h.clock.Advance(1500 * time.Millisecond)
	h.engine.DispatchInput(types.Tap(3))
	h.clock.Advance(1500 * time.Millisecond)
	if len(h.out.msgs) != 0 {
		t.Fatalf("Expected reset deadline, got %v", h.out.msgs)
	}
	h.clock.Advance(500 * time.Millisecond)
	if len(h.out.msgs) != 1 {
		t.Fatalf("Expected timeout after reset, got %v", h.out.msgs)
	}
}

func TestStaleTimeoutDropped(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.Tap(1))

	h.clock.Advance(2 * time.Second)
	if len(h.out.msgs) != 1 {
		t.Fatalf("Expected queued timeout, got %v", h.out.msgs)
	}

	// Leave ON before the consumer gets to the queued timeout.
	h.engine.DispatchInput(types.HoldStart(1))
	h.expectCurrent(nodeRamp)

	h.deliver()
	h.expectCurrent(nodeRamp)
}

func TestUnsolicitedTimeoutDropped(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.HoldStart(1))

	h.engine.DispatchTimer(types.InactivityTimeout())
	h.expectCurrent(nodeMoon)
}

func TestTimeoutRetriedWhenQueueFull(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.Tap(1))
	h.out.fail = 1

	h.clock.Advance(2 * time.Second)
	if len(h.out.msgs) != 0 {
		t.Fatalf("Expected failed post, got %v", h.out.msgs)
	}
	h.clock.Advance(2 * time.Second)
	if len(h.out.msgs) != 1 {
		t.Fatalf("Expected retried timeout, got %v", h.out.msgs)
	}
	h.deliver()
	h.expectCurrent(nodeOff)
}

func TestTimeoutOverride(t *testing.T) {
	h := newHarness(t)
	cfg, err := h.reg.Config(nodeOn)
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	cfg.Timeout = 0
	if err := h.reg.Override(nodeOn, cfg); err != nil {
		t.Fatalf("Override failed: %v", err)
	}

	h.init()
	h.engine.DispatchInput(types.Tap(1))
	if h.clock.Pending() != 0 {
		t.Errorf("Expected no deadline for disabled timeout, got %d", h.clock.Pending())
	}
}

// ===== Emergency off =====

func TestEmergencyOff(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.Tap(1))
	h.engine.DispatchInput(types.HoldStart(1))
	h.engine.DispatchInput(types.HoldRelease(1))
	h.expectCurrent(nodeOn)
	h.expectPrevious(nodeRamp)

	h.engine.EmergencyOff()

	h.expectCurrent(nodeOff)
	h.expectPrevious(nodeRamp)
	if !h.engine.EmergencyLatched() {
		t.Errorf("Expected emergency latch")
	}
	if h.entered[len(h.entered)-1] != nodeOff {
		t.Errorf("Expected OFF entry action last, got %v", h.entered)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("Expected timeout cancelled, got %d pending", h.clock.Pending())
	}
}

func TestEmergencyLatchRefusesEverything(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.Tap(1))
	h.clock.Advance(2 * time.Second)

	h.engine.EmergencyOff()
	entries := len(h.entered)

	h.engine.DispatchInput(types.Tap(1))
	h.engine.DispatchInput(types.HoldStart(1))
	h.deliver()
	if err := h.engine.TransitionTo(nodeOn); !errors.Is(err, ErrEmergencyLatched) {
		t.Errorf("Expected ErrEmergencyLatched, got %v", err)
	}

	h.expectCurrent(nodeOff)
	if len(h.entered) != entries {
		t.Errorf("Expected no entry actions while latched, got %v", h.entered)
	}
}

func TestEmergencyOffWithCustomOffNode(t *testing.T) {
	h := newHarness(t, WithOffNode(nodeMoon))
	h.init()
	h.engine.DispatchInput(types.Tap(1))

	h.engine.EmergencyOff()
	h.expectCurrent(nodeMoon)
}

func TestReinitializeAfterEmergency(t *testing.T) {
	h := newHarness(t)
	h.init()
	h.engine.DispatchInput(types.Tap(1))
	h.engine.EmergencyOff()

	if err := h.engine.Initialize(nodeOff); err != nil {
		t.Fatalf("Re-initialize failed: %v", err)
	}
	if h.engine.EmergencyLatched() {
		t.Errorf("Expected latch cleared")
	}
	if h.engine.Previous() != nil {
		t.Errorf("Expected previous cleared, got %v", h.engine.Previous())
	}

	h.engine.DispatchInput(types.Tap(1))
	h.expectCurrent(nodeOn)
}

func TestEmergencyDuringRuleReassertsOff(t *testing.T) {
	h := newHarness(t)
	n := &Node{ID: 10, Name: "DYN"}
	n.Click[0] = CallFunc(func(*Node) NodeID {
		h.engine.EmergencyOff()
		return nodeOn
	})
	h.reg.MustAdd(n)
	h.init()
	h.engine.TransitionTo(10)

	h.engine.DispatchInput(types.Tap(1))

	h.expectCurrent(nodeOff)
	if last := h.entered[len(h.entered)-1]; last != nodeOff {
		t.Errorf("Expected OFF entry action last, got %v", h.entered)
	}
	for _, id := range h.entered {
		if id == nodeOn {
			t.Errorf("ON must not be entered after emergency off, got %v", h.entered)
		}
	}
}

func TestEmergencyOffDuringConcurrentDispatch(t *testing.T) {
	var mu sync.Mutex
	lit := false
	set := func(v bool) func() {
		return func() {
			mu.Lock()
			lit = v
			mu.Unlock()
		}
	}

	reg := NewRegistry()
	off := &Node{ID: nodeOff, Name: "OFF", OnEnter: set(false)}
	off.Click[0] = Goto(nodeOn)
	on := &Node{ID: nodeOn, Name: "ON", OnEnter: set(true)}
	on.Click[0] = Goto(nodeOff)
	reg.MustAdd(off)
	reg.MustAdd(on)

	e := NewEngine(reg, clock.NewFake(), &mockPoster{}, logger.NewLogger(nil, logger.LogLevelNone))
	if err := e.Initialize(nodeOff); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var wg sync.WaitGroup
	midway := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i == 100 {
				close(midway)
			}
			e.DispatchInput(types.Tap(1))
		}
	}()
	go func() {
		defer wg.Done()
		<-midway
		e.EmergencyOff()
	}()
	wg.Wait()

	if cur := e.Current(); cur == nil || cur.ID != nodeOff {
		t.Fatalf("Expected OFF after emergency, got %v", cur)
	}
	if !e.EmergencyLatched() {
		t.Fatal("Expected latch")
	}
	mu.Lock()
	defer mu.Unlock()
	if lit {
		t.Error("Expected the off entry action to run last")
	}
}

// ===== Observers =====

func TestStateChangeCallback(t *testing.T) {
	type change struct{ from, to NodeID }
	var changes []change
	h := newHarness(t, WithStateChange(func(from, to *Node) {
		c := change{from: NoNode, to: to.ID}
		if from != nil {
			c.from = from.ID
		}
		changes = append(changes, c)
	}))
	h.init()
	h.engine.DispatchInput(types.Tap(1))
	h.engine.EmergencyOff()

	want := []change{{NoNode, nodeOff}, {nodeOff, nodeOn}, {nodeOn, nodeOff}}
	if len(changes) != len(want) {
		t.Fatalf("Expected %d changes, got %v", len(want), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("Change %d: expected %v, got %v", i, want[i], changes[i])
		}
	}
}
