// Package ui holds the output stage and the simple-mode node graph.
package ui

import (
	"time"

	"torch-service/internal/fsm"
	"torch-service/internal/logger"
)

const (
	NodeOff fsm.NodeID = iota
	NodeOn
	NodeRamp
	NodeMoon
	NodeTurbo
	NodeLockout
	NodeBattCheck
	NodeBlink
	NodeFactoryReset
)

const (
	BattCheckTimeout    = 7 * time.Second
	BlinkTimeout        = 2 * time.Second
	FactoryResetTimeout = time.Second
	blinkFlashes        = 3
)

// Hooks connect the graph to the rest of the service. Nil hooks are skipped.
type Hooks struct {
	// BatteryMV returns the battery voltage for the readout.
	BatteryMV func() int
	// FactoryReset wipes persisted settings.
	FactoryReset func()
}

// BatteryBlinks splits a voltage into volts and tenths, e.g. 3.8 V -> 3, 8.
func BatteryBlinks(mv int) (major, minor int) {
	if mv < 2500 {
		mv = 2500
	}
	if mv > 4500 {
		mv = 4500
	}
	rounded := (mv + 50) / 100
	return rounded / 10, rounded % 10
}

// NewSimple builds the simple-mode graph driving out. NodeOff is home.
func NewSimple(out *Output, hooks Hooks, l *logger.Logger) (*fsm.Registry, error) {
	r := fsm.NewRegistry()

	logged := func(name string, fn func()) func() {
		return func() {
			l.Infof("Action: %s", name)
			if fn != nil {
				fn()
			}
		}
	}
	rampFrom := func(dir int) fsm.Slot {
		return fsm.CallFunc(func(*fsm.Node) fsm.NodeID {
			out.StartRamp(dir)
			return NodeRamp
		})
	}

	off := &fsm.Node{ID: NodeOff, Name: "OFF", OnEnter: logged("OFF", out.Off)}
	off.Click[0] = fsm.Goto(NodeOn)
	off.Click[1] = fsm.Goto(NodeTurbo)
	off.Click[2] = fsm.Goto(NodeBattCheck)
	off.Click[3] = fsm.Goto(NodeLockout)
	off.Click[4] = fsm.Goto(NodeMoon)
	off.Hold[0] = fsm.CallFunc(func(*fsm.Node) fsm.NodeID {
		out.Moon()
		out.StartRamp(1)
		return NodeRamp
	})
	off.Hold[1] = fsm.Goto(NodeTurbo)
	off.Hold[9] = fsm.Goto(NodeFactoryReset)

	on := &fsm.Node{ID: NodeOn, Name: "ON", OnEnter: logged("ON", out.On)}
	on.Click[0] = fsm.Goto(NodeOff)
	on.Click[1] = fsm.Goto(NodeTurbo)
	on.Click[2] = fsm.Goto(NodeBlink)
	on.Click[3] = fsm.Goto(NodeLockout)
	on.Hold[0] = rampFrom(1)
	on.Hold[1] = rampFrom(-1)

	ramp := &fsm.Node{ID: NodeRamp, Name: "RAMP", Kind: fsm.Transitional, OnEnter: logged("RAMP", nil),
		OnRelease: fsm.RuleFunc(func(*fsm.Node) fsm.NodeID {
			out.StopRamp()
			return NodeOn
		})}
	ramp.Click[0] = fsm.Goto(NodeOff)

	moon := &fsm.Node{ID: NodeMoon, Name: "MOON", OnEnter: logged("MOON", out.Moon)}
	moon.Click[0] = fsm.Goto(NodeOff)
	moon.Click[2] = fsm.Goto(NodeBlink)
	moon.Hold[0] = rampFrom(1)

	turbo := &fsm.Node{ID: NodeTurbo, Name: "TURBO", OnEnter: logged("TURBO", out.Turbo)}
	turbo.Click[0] = fsm.Goto(NodeOff)
	turbo.Click[1] = fsm.Goto(NodeOn)

	lockout := &fsm.Node{ID: NodeLockout, Name: "LOCKOUT", Kind: fsm.Transitional, OnEnter: logged("LOCKOUT", out.Off),
		OnRelease: fsm.RuleFunc(func(*fsm.Node) fsm.NodeID {
			out.Off()
			return fsm.NoNode
		})}
	lockout.Click[2] = fsm.Goto(NodeOff)
	lockout.Click[3] = fsm.Goto(NodeOn)
	lockout.Click[4] = fsm.Goto(NodeTurbo)
	lockout.Hold[0] = fsm.CallFunc(func(*fsm.Node) fsm.NodeID {
		out.Moon()
		return fsm.NoNode
	})
	lockout.Hold[3] = fsm.CallFunc(func(*fsm.Node) fsm.NodeID {
		floor, _ := out.Limits()
		out.SetNextOverride(floor)
		return NodeOn
	})

	battcheck := &fsm.Node{ID: NodeBattCheck, Name: "BATTCHECK", Timeout: BattCheckTimeout,
		OnEnter: logged("BATTCHECK", func() {
			mv := 0
			if hooks.BatteryMV != nil {
				mv = hooks.BatteryMV()
			}
			major, minor := BatteryBlinks(mv)
			l.Infof("Battery %d mV -> %d.%d", mv, major, minor)
			out.BlinkReadout(major, minor)
		})}
	battcheck.Click[0] = fsm.Goto(NodeOff)

	blink := &fsm.Node{ID: NodeBlink, Name: "BLINK", Timeout: BlinkTimeout, TimeoutReverts: true,
		OnEnter: logged("BLINK", func() { out.BlinkCount(blinkFlashes) })}
	blink.Click[0] = fsm.Goto(NodeOff)

	reset := &fsm.Node{ID: NodeFactoryReset, Name: "FACTORY_RESET", Timeout: FactoryResetTimeout,
		OnEnter: logged("FACTORY RESET", func() {
			out.Off()
			if hooks.FactoryReset != nil {
				hooks.FactoryReset()
			}
		})}

	for _, n := range []*fsm.Node{off, on, ramp, moon, turbo, lockout, battcheck, blink, reset} {
		if err := r.Add(n); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
