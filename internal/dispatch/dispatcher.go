// Package dispatch implements the bounded single-consumer message queue that
// serializes events from every producer (input classifier, timers, safety
// monitor, Redis commands) into the one goroutine allowed to drive the UI
// state machine.
package dispatch

import (
	"context"
	"errors"

	"go.uber.org/atomic"

	"torch-service/internal/logger"
	"torch-service/internal/types"
)

var (
	// ErrQueueFull is returned by Post when the message was dropped.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrAlreadyRunning is returned by Run when a consumer is already attached.
	ErrAlreadyRunning = errors.New("dispatcher already has a consumer")
)

// DefaultDepth is the queue depth used when none is configured.
const DefaultDepth = 16

// Handler processes one message to completion.
type Handler interface {
	HandleMessage(msg types.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg types.Message)

func (f HandlerFunc) HandleMessage(msg types.Message) { f(msg) }

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	Posted    uint64
	Dropped   uint64
	Delivered uint64
	Queued    int
	Capacity  int
}

type Dispatcher struct {
	queue  chan types.Message
	logger *logger.Logger

	running   atomic.Bool
	posted    atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

func New(depth int, l *logger.Logger) *Dispatcher {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Dispatcher{
		queue:  make(chan types.Message, depth),
		logger: l,
	}
}

// Post enqueues msg without ever blocking. On a full queue the message is
// dropped, counted and ErrQueueFull is returned.
func (d *Dispatcher) Post(msg types.Message) error {
	select {
	case d.queue <- msg:
		d.posted.Inc()
		return nil
	default:
		n := d.dropped.Inc()
		d.logger.Warnf("Queue full, dropping %s (dropped=%d)", msg, n)
		return ErrQueueFull
	}
}

// Run attaches the single consumer. It waits for messages and hands each one
// to h, returning only when ctx is done.
func (d *Dispatcher) Run(ctx context.Context, h Handler) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)

	d.logger.Infof("Consumer started (depth=%d)", cap(d.queue))
	for {
		select {
		case <-ctx.Done():
			d.logger.Infof("Consumer stopped")
			return nil
		case msg := <-d.queue:
			d.logger.Debugf("Processing %s", msg)
			h.HandleMessage(msg)
			d.delivered.Inc()
		}
	}
}

// Drain hands every queued message to h without waiting for more and
// returns how many it delivered. It takes the consumer role for the
// duration, so it fails with ErrAlreadyRunning while Run is attached.
func (d *Dispatcher) Drain(h Handler) (int, error) {
	if !d.running.CompareAndSwap(false, true) {
		return 0, ErrAlreadyRunning
	}
	defer d.running.Store(false)

	n := 0
	for {
		select {
		case msg := <-d.queue:
			h.HandleMessage(msg)
			d.delivered.Inc()
			n++
		default:
			return n, nil
		}
	}
}

// Running reports whether a consumer is attached.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Posted:    d.posted.Load(),
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Queued:    len(d.queue),
		Capacity:  cap(d.queue),
	}
}
