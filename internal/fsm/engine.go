// Package fsm drives the UI node graph: it maps taps and holds to node
// transitions through each node's navigation tables, runs entry actions,
// keeps the per-node inactivity timeout, and provides the emergency-off
// path that preempts everything else.
//
// Dispatch methods must be called from the single dispatcher consumer.
// EmergencyOff and the read accessors may be called from any goroutine.
package fsm

import (
	"errors"
	"sync"
	"time"

	"torch-service/internal/clock"
	"torch-service/internal/logger"
	"torch-service/internal/types"
)

var (
	ErrNotInitialized     = errors.New("engine not initialized")
	ErrAlreadyInitialized = errors.New("engine already initialized")
	ErrEmergencyLatched   = errors.New("emergency off latched")
)

// Poster receives the inactivity timeout message.
type Poster interface {
	Post(msg types.Message) error
}

// StateChangeFunc is called after a node's entry action has run.
type StateChangeFunc func(from, to *Node)

type Option func(*Engine)

// WithSlots limits the number of navigation slots honored. Counts above
// the limit are rejected. Values outside [1, MaxSlots] are ignored.
func WithSlots(n int) Option {
	return func(e *Engine) {
		if n >= 1 && n <= MaxSlots {
			e.slots = n
		}
	}
}

// WithOffNode sets the node EmergencyOff forces. It defaults to the home
// node given to Initialize.
func WithOffNode(id NodeID) Option {
	return func(e *Engine) { e.offNode = id }
}

// WithStateChange registers fn to observe every node change.
func WithStateChange(fn StateChangeFunc) Option {
	return func(e *Engine) { e.onChange = fn }
}

type Engine struct {
	registry *Registry
	clock    clock.Clock
	out      Poster
	logger   *logger.Logger
	onChange StateChangeFunc
	slots    int
	offNode  NodeID

	mu        sync.Mutex
	current   NodeID
	previous  NodeID
	home      NodeID
	emergency bool

	timer      clock.Timer
	timerGen   uint64
	timerFired bool
}

func NewEngine(r *Registry, c clock.Clock, out Poster, l *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry: r,
		clock:    c,
		out:      out,
		logger:   l,
		slots:    DefaultSlots,
		offNode:  NoNode,
		current:  NoNode,
		previous: NoNode,
		home:     NoNode,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Slots() int { return e.slots }

// Initialize makes start both the home and the current node and runs its
// entry action. It may be called once, and again only to leave a latched
// emergency off.
func (e *Engine) Initialize(start NodeID) error {
	n := e.registry.Node(start)
	if n == nil {
		return ErrUnknownNode
	}

	e.mu.Lock()
	if e.current != NoNode && !e.emergency {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	wasLatched := e.emergency
	e.cancelTimerLocked()
	from := e.registry.Node(e.current)
	e.emergency = false
	e.home = start
	e.current = start
	e.previous = NoNode
	if e.offNode == NoNode {
		e.offNode = start
	}
	e.mu.Unlock()

	if wasLatched {
		e.logger.Warnf("Re-initialized after emergency off, home=%s", n)
	} else {
		e.logger.Infof("Initialized, home=%s", n)
	}
	e.enter(from, n)
	return nil
}

// Current returns the current node, or nil before Initialize.
func (e *Engine) Current() *Node {
	e.mu.Lock()
	id := e.current
	e.mu.Unlock()
	return e.registry.Node(id)
}

// Previous returns the node recorded for timeout reverts, or nil.
func (e *Engine) Previous() *Node {
	e.mu.Lock()
	id := e.previous
	e.mu.Unlock()
	return e.registry.Node(id)
}

func (e *Engine) Home() *Node {
	e.mu.Lock()
	id := e.home
	e.mu.Unlock()
	return e.registry.Node(id)
}

// EmergencyLatched reports whether EmergencyOff ran since the last Initialize.
func (e *Engine) EmergencyLatched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emergency
}

// TransitionTo makes id current and runs its entry action. NoNode is a
// no-op.
func (e *Engine) TransitionTo(id NodeID) error {
	if id == NoNode {
		return nil
	}
	next := e.registry.Node(id)
	if next == nil {
		return ErrUnknownNode
	}

	e.mu.Lock()
	if e.current == NoNode {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if e.emergency {
		e.mu.Unlock()
		return ErrEmergencyLatched
	}
	e.cancelTimerLocked()
	from := e.registry.Node(e.current)
	if from != nil && !from.TimeoutReverts {
		e.previous = e.current
	}
	e.current = id
	e.mu.Unlock()

	e.logger.Debugf("%s -> %s", from, next)
	e.enter(from, next)
	return nil
}

// enter runs the entry action of n and then arms its timeout, unless an
// emergency off or another transition got in between.
func (e *Engine) enter(from, n *Node) {
	if n.OnEnter != nil {
		n.OnEnter()
	}

	e.mu.Lock()
	latched := e.emergency
	if !latched && e.current == n.ID {
		e.armTimerLocked(n.ID)
	}
	e.mu.Unlock()

	if latched {
		e.reassertOff()
		return
	}
	if e.onChange != nil {
		e.onChange(from, n)
	}
}

// DispatchInput routes a tap, hold-start or hold-release through the
// current node's tables.
func (e *Engine) DispatchInput(msg types.Message) {
	e.mu.Lock()
	if e.current == NoNode {
		e.mu.Unlock()
		e.logger.Warnf("Input %s before initialization", msg)
		return
	}
	if e.emergency {
		e.mu.Unlock()
		e.logger.Debugf("Input %s refused, emergency off latched", msg)
		return
	}
	cur := e.registry.Node(e.current)
	e.mu.Unlock()

	switch msg.Kind {
	case types.KindHoldRelease:
		e.resetTimer()
		if cur.OnRelease == nil {
			return
		}
		e.follow(cur.OnRelease.Next(cur))

	case types.KindTap, types.KindHoldStart:
		count := int(msg.Count)
		if count < 1 || count > e.slots {
			e.logger.Warnf("Input %s out of range (1..%d), ignored", msg, e.slots)
			return
		}
		e.resetTimer()

		slot := e.registry.slot(cur.ID, msg.Kind, count-1)
		switch slot.Kind() {
		case SlotDynamic:
			e.follow(slot.Rule().Next(cur))
		case SlotStatic:
			e.follow(slot.Target())
		default:
			e.logger.Debugf("%s: %s unmapped", cur, msg)
		}

	default:
		e.logger.Warnf("Not an input message: %s", msg)
	}
}

// follow transitions to the result of a slot. Rules may have driven the
// output themselves, so a latch that landed meanwhile is reasserted.
func (e *Engine) follow(id NodeID) {
	if id != NoNode {
		if err := e.TransitionTo(id); err != nil {
			e.logger.Warnf("Transition to %s failed: %v", id, err)
		}
	}
	if e.EmergencyLatched() {
		e.reassertOff()
	}
}

// DispatchTimer handles the inactivity timeout: back to the previous node if
// the current one reverts, home otherwise. A timeout that was cancelled
// after it had already been queued is dropped.
func (e *Engine) DispatchTimer(msg types.Message) {
	if msg.Kind != types.KindInactivityTimeout {
		e.logger.Warnf("Not a timer message: %s", msg)
		return
	}

	e.mu.Lock()
	if e.emergency {
		e.mu.Unlock()
		e.logger.Debugf("Timeout refused, emergency off latched")
		return
	}
	if !e.timerFired {
		e.mu.Unlock()
		e.logger.Debugf("Stale timeout dropped")
		return
	}
	e.timerFired = false
	cur := e.registry.Node(e.current)
	target := e.home
	if cur != nil && cur.TimeoutReverts && e.previous != NoNode {
		target = e.previous
	}
	e.mu.Unlock()

	e.logger.Debugf("%s timed out", cur)
	if err := e.TransitionTo(target); err != nil {
		e.logger.Warnf("Timeout transition to %s failed: %v", target, err)
	}
}

// EmergencyOff forces the off node and latches until the next Initialize.
// It does not go through the queue and does not touch the previous node.
func (e *Engine) EmergencyOff() {
	e.mu.Lock()
	e.emergency = true
	e.cancelTimerLocked()
	from := e.registry.Node(e.current)
	off := e.offNode
	if off == NoNode {
		off = e.home
	}
	if e.registry.Node(off) != nil {
		e.current = off
	}
	e.mu.Unlock()

	n := e.registry.Node(off)
	if n == nil {
		e.logger.Errorf("Emergency off: no off node registered")
		return
	}
	e.logger.Warnf("Emergency off from %s", from)
	if n.OnEnter != nil {
		n.OnEnter()
	}
	if e.onChange != nil {
		e.onChange(from, n)
	}
}

func (e *Engine) reassertOff() {
	e.mu.Lock()
	off := e.current
	e.mu.Unlock()
	if n := e.registry.Node(off); n != nil && n.OnEnter != nil {
		e.logger.Debugf("Reasserting %s after emergency off", n)
		n.OnEnter()
	}
}

func (e *Engine) resetTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimerLocked()
	e.armTimerLocked(e.current)
}

func (e *Engine) armTimerLocked(id NodeID) {
	n := e.registry.Node(id)
	if n == nil || n.Timeout <= 0 {
		return
	}
	e.startTimerLocked(n.Timeout)
}

func (e *Engine) startTimerLocked(d time.Duration) {
	e.timerGen++
	gen := e.timerGen
	e.timerFired = false
	e.timer = e.clock.AfterFunc(d, func() { e.timerExpired(gen, d) })
}

func (e *Engine) cancelTimerLocked() {
	e.timerGen++
	e.timerFired = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) timerExpired(gen uint64, d time.Duration) {
	e.mu.Lock()
	if gen != e.timerGen || e.emergency {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.timerFired = true
	e.mu.Unlock()

	if err := e.out.Post(types.InactivityTimeout()); err != nil {
		e.logger.Warnf("Timeout not queued (%v), retrying in %v", err, d)
		e.mu.Lock()
		if gen == e.timerGen && !e.emergency {
			e.startTimerLocked(d)
		}
		e.mu.Unlock()
	}
}
