package safety

import (
	"github.com/librescoot/librefsm"

	"torch-service/internal/types"
)

const (
	StateNominal librefsm.StateID = "nominal"
	StateWarning librefsm.StateID = "warning"
	StateTripped librefsm.StateID = "tripped"
)

const (
	EvReadingOK    librefsm.EventID = "reading-ok"
	EvReadingWarn  librefsm.EventID = "reading-warn"
	EvReadingFault librefsm.EventID = "reading-fault"
	EvRearm        librefsm.EventID = "rearm"
)

// newDefinition builds the interlock machine. Context data is the *Monitor.
func newDefinition() *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateNominal).
		State(StateWarning).
		State(StateTripped, librefsm.WithOnEnter(onEnterTripped)).
		Transition(StateNominal, EvReadingWarn, StateWarning, librefsm.WithAction(postWarning)).
		Transition(StateWarning, EvReadingWarn, StateWarning, librefsm.WithAction(postWarning)).
		Transition(StateWarning, EvReadingOK, StateNominal, librefsm.WithAction(clearWarning)).
		Transition(StateNominal, EvReadingFault, StateTripped).
		Transition(StateWarning, EvReadingFault, StateTripped).
		Transition(StateTripped, EvRearm, StateNominal, librefsm.WithAction(rearm)).
		Initial(StateNominal)
}

func monitorFrom(c *librefsm.Context) *Monitor {
	return c.Data.(*Monitor)
}

func onEnterTripped(c *librefsm.Context) error {
	m := monitorFrom(c)
	m.shutdown.Store(true)
	m.logger.Warnf("!!! EMERGENCY SHUTDOWN (%s) !!!", m.Status())
	m.interlock.EmergencyOff()
	return nil
}

func postWarning(c *librefsm.Context) error {
	m := monitorFrom(c)
	severity, _ := c.Event.Payload.(uint8)
	if err := m.out.Post(types.SafetyWarning(severity)); err != nil {
		m.logger.Warnf("Thermal warning not queued: %v", err)
	}
	return nil
}

func clearWarning(c *librefsm.Context) error {
	m := monitorFrom(c)
	m.logger.Infof("Temperature back below warning threshold")
	if err := m.out.Post(types.SafetyWarning(0)); err != nil {
		m.logger.Warnf("Warning clear not queued: %v", err)
	}
	return nil
}

func rearm(c *librefsm.Context) error {
	m := monitorFrom(c)
	m.shutdown.Store(false)
	m.fault.Store(int32(FaultNone))
	m.logger.Infof("Re-armed")
	return nil
}
