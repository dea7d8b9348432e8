// Package safety samples temperature, current and voltage at a fixed rate
// and trips the emergency-off path when a hard limit is crossed. Soft
// thermal limits are reported as warnings through the dispatcher.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/librescoot/librefsm"
	"go.uber.org/atomic"

	"torch-service/internal/logger"
	"torch-service/internal/types"
)

var ErrNotRunning = errors.New("safety monitor not running")

type Fault int32

const (
	FaultNone Fault = iota
	FaultOvercurrent
	FaultOvertemp
	FaultUndervoltage
	FaultOvervoltage
	FaultManual
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "ok"
	case FaultOvercurrent:
		return "overcurrent"
	case FaultOvertemp:
		return "overtemp"
	case FaultUndervoltage:
		return "undervoltage"
	case FaultOvervoltage:
		return "overvoltage"
	case FaultManual:
		return "manual"
	default:
		return fmt.Sprintf("fault(%d)", int32(f))
	}
}

// Readings is one sensor sample.
type Readings struct {
	TemperatureC10 int // 0.1 °C
	CurrentMA      int
	VoltageMV      int
}

type Sensors interface {
	Read() (Readings, error)
}

// Interlock is the preemptive off path. It is called from the monitor's
// goroutine, never through the dispatcher queue.
type Interlock interface {
	EmergencyOff()
}

type Poster interface {
	Post(msg types.Message) error
}

type Thresholds struct {
	TempWarnC10     int
	TempShutdownC10 int
	CurrentMaxMA    int
	VoltageMinMV    int
	VoltageMaxMV    int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TempWarnC10:     450,
		TempShutdownC10: 600,
		CurrentMaxMA:    3000,
		VoltageMinMV:    2800,
		VoltageMaxMV:    4350,
	}
}

const DefaultRateHz = 10

type Monitor struct {
	sensors    Sensors
	interlock  Interlock
	out        Poster
	logger     *logger.Logger
	thresholds Thresholds
	interval   time.Duration

	machine *librefsm.Machine
	ctx     context.Context
	running atomic.Bool

	fault    atomic.Int32
	shutdown atomic.Bool

	mu       sync.RWMutex
	readings Readings
}

func NewMonitor(s Sensors, il Interlock, out Poster, th Thresholds, rateHz int, l *logger.Logger) (*Monitor, error) {
	if rateHz <= 0 {
		rateHz = DefaultRateHz
	}
	m := &Monitor{
		sensors:    s,
		interlock:  il,
		out:        out,
		logger:     l,
		thresholds: th,
		interval:   time.Second / time.Duration(rateHz),
	}

	machine, err := newDefinition().Build(
		librefsm.WithLogger(l.Slog()),
		librefsm.WithData(m),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build safety machine: %w", err)
	}
	machine.OnStateChange(func(from, to librefsm.StateID) {
		l.Debugf("%s -> %s", from, to)
	})
	m.machine = machine
	return m, nil
}

// Start runs the interlock machine. Sampling starts with Run.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx = ctx
	if err := m.machine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start safety machine: %w", err)
	}
	m.running.Store(true)
	return nil
}

func (m *Monitor) Stop() {
	m.running.Store(false)
	m.machine.Stop()
}

// Run samples the sensors until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Infof("Safety monitor started (interval=%v)", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one sampling cycle.
func (m *Monitor) Check() {
	r, err := m.sensors.Read()
	if err != nil {
		m.logger.Warnf("Sensor read failed: %v", err)
		return
	}
	m.mu.Lock()
	m.readings = r
	m.mu.Unlock()

	fault := m.classify(r)
	switch {
	case fault != FaultNone && !m.shutdown.Load():
		m.fault.Store(int32(fault))
		m.send(EvReadingFault, nil)
	case r.TemperatureC10 > m.thresholds.TempWarnC10 && m.Status() == FaultNone:
		m.send(EvReadingWarn, m.severity(r))
	case fault == FaultNone && !m.shutdown.Load():
		m.fault.Store(int32(FaultNone))
		m.send(EvReadingOK, nil)
	}
}

func (m *Monitor) classify(r Readings) Fault {
	th := m.thresholds
	switch {
	case r.CurrentMA > th.CurrentMaxMA:
		m.logger.Errorf("OVERCURRENT: %d mA (limit: %d)", r.CurrentMA, th.CurrentMaxMA)
		return FaultOvercurrent
	case r.TemperatureC10 > th.TempShutdownC10:
		m.logger.Errorf("OVERTEMP: %d.%d°C (limit: %d.%d)",
			r.TemperatureC10/10, r.TemperatureC10%10, th.TempShutdownC10/10, th.TempShutdownC10%10)
		return FaultOvertemp
	case r.VoltageMV < th.VoltageMinMV:
		m.logger.Errorf("UNDERVOLTAGE: %d mV (min: %d)", r.VoltageMV, th.VoltageMinMV)
		return FaultUndervoltage
	case r.VoltageMV > th.VoltageMaxMV:
		m.logger.Errorf("OVERVOLTAGE: %d mV (max: %d)", r.VoltageMV, th.VoltageMaxMV)
		return FaultOvervoltage
	}
	return FaultNone
}

// severity is one step per full degree above the warning threshold.
func (m *Monitor) severity(r Readings) uint8 {
	s := (r.TemperatureC10 - m.thresholds.TempWarnC10) / 10
	if s > 254 {
		s = 254
	}
	return uint8(s)
}

// EmergencyShutdown trips the interlock without a sensor fault. It is a
// no-op when already tripped.
func (m *Monitor) EmergencyShutdown() error {
	if m.shutdown.Load() {
		return nil
	}
	m.fault.CompareAndSwap(int32(FaultNone), int32(FaultManual))
	return m.send(EvReadingFault, nil)
}

// Rearm leaves the tripped state. Call it together with the engine's
// re-initialization.
func (m *Monitor) Rearm() error {
	return m.send(EvRearm, nil)
}

// Status returns the last fault, FaultNone when conditions are nominal.
func (m *Monitor) Status() Fault {
	return Fault(m.fault.Load())
}

func (m *Monitor) Readings() Readings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readings
}

func (m *Monitor) IsShutdown() bool {
	return m.shutdown.Load()
}

func (m *Monitor) State() librefsm.StateID {
	return m.machine.CurrentState()
}

// send delivers an event to the interlock machine and waits until it was
// processed or the machine's context ended.
func (m *Monitor) send(id librefsm.EventID, payload any) error {
	if !m.running.Load() {
		return ErrNotRunning
	}
	done := make(chan error, 1)
	go func() {
		done <- m.machine.SendSync(librefsm.Event{ID: id, Payload: payload})
	}()
	select {
	case err := <-done:
		if err != nil {
			m.logger.Errorf("Event %s failed: %v", id, err)
		}
		return err
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}
