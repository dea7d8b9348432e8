package fsm

import (
	"fmt"
	"time"
)

// NodeID is the stable registry index of a node.
type NodeID uint8

// NoNode marks an absent navigation target or "stay where you are".
const NoNode NodeID = 0xFF

// MaxSlots is the capacity of every navigation table. Engines may be
// configured to accept fewer.
const MaxSlots = 10

// DefaultSlots is the number of slots an engine accepts by default.
const DefaultSlots = 5

func (id NodeID) String() string {
	if id == NoNode {
		return "none"
	}
	return fmt.Sprintf("#%d", uint8(id))
}

// Kind separates nodes the user rests in from nodes the user passes through.
// Only transitional nodes may react to a hold release.
type Kind int

const (
	Steady Kind = iota
	Transitional
)

// Rule decides a dynamic navigation slot. Returning NoNode keeps the engine
// in the current node.
type Rule interface {
	Next(current *Node) NodeID
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(current *Node) NodeID

func (f RuleFunc) Next(current *Node) NodeID { return f(current) }

type SlotKind int

const (
	SlotNone SlotKind = iota
	SlotStatic
	SlotDynamic
)

// Slot is one navigation table entry. The zero value ignores the input.
// A slot holding a rule is decided by the rule alone; its static target is
// only kept so persisted overrides round-trip.
type Slot struct {
	target    NodeID
	hasTarget bool
	rule      Rule
}

// Goto returns a slot that transitions to id.
func Goto(id NodeID) Slot {
	if id == NoNode {
		return Slot{}
	}
	return Slot{target: id, hasTarget: true}
}

// Call returns a slot decided by r.
func Call(r Rule) Slot { return Slot{rule: r} }

// CallFunc returns a slot decided by f.
func CallFunc(f func(current *Node) NodeID) Slot { return Call(RuleFunc(f)) }

func (s Slot) Kind() SlotKind {
	switch {
	case s.rule != nil:
		return SlotDynamic
	case s.hasTarget:
		return SlotStatic
	default:
		return SlotNone
	}
}

// Target returns the static target, or NoNode.
func (s Slot) Target() NodeID {
	if !s.hasTarget {
		return NoNode
	}
	return s.target
}

func (s Slot) Rule() Rule { return s.rule }

func (s Slot) withTarget(id NodeID) Slot {
	s.hasTarget = id != NoNode
	s.target = id
	return s
}

// Node is one state of the UI graph. ID, Name, Kind, OnEnter and OnRelease
// are fixed once registered; navigation targets and the timeout may be
// overridden through the Registry.
type Node struct {
	ID   NodeID
	Name string
	Kind Kind

	// OnEnter runs every time the node becomes current.
	OnEnter func()

	Click [MaxSlots]Slot
	Hold  [MaxSlots]Slot

	// OnRelease handles a hold release. Transitional nodes only.
	OnRelease Rule

	// Timeout is the inactivity timeout; zero disables it.
	Timeout time.Duration
	// TimeoutReverts sends a timeout back to the previous node instead of
	// home. Such a node is never recorded as previous itself.
	TimeoutReverts bool
}

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.Name != "" {
		return n.Name
	}
	return n.ID.String()
}
