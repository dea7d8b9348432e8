package fsm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"torch-service/internal/types"
)

var (
	ErrUnknownNode     = errors.New("unknown node")
	ErrDuplicateNode   = errors.New("node already registered")
	ErrReleaseOnSteady = errors.New("release handler on a steady node")
)

// Registry owns the node graph. Nodes are registered once at startup;
// afterwards only navigation targets and timeouts may change, through
// Override.
type Registry struct {
	mu    sync.RWMutex
	nodes [256]*Node
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers n under n.ID. The node is copied; later changes to n are
// not seen by the registry.
func (r *Registry) Add(n *Node) error {
	if n == nil {
		return fmt.Errorf("nil node")
	}
	if n.ID == NoNode {
		return fmt.Errorf("node %q: id %d is reserved", n.Name, uint8(NoNode))
	}
	if n.OnRelease != nil && n.Kind != Transitional {
		return fmt.Errorf("node %s: %w", n, ErrReleaseOnSteady)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[n.ID] != nil {
		return fmt.Errorf("node %s: %w", n, ErrDuplicateNode)
	}
	cp := *n
	r.nodes[n.ID] = &cp
	return nil
}

// MustAdd is Add for static topologies built at init time.
func (r *Registry) MustAdd(n *Node) {
	if err := r.Add(n); err != nil {
		panic(err)
	}
}

// Validate checks that every static target names a registered node.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, n := range r.nodes {
		if n == nil {
			continue
		}
		for i := 0; i < MaxSlots; i++ {
			if t := n.Click[i].Target(); t != NoNode && r.nodes[t] == nil {
				errs = append(errs, fmt.Errorf("node %s click %d: %w %s", n, i+1, ErrUnknownNode, t))
			}
			if t := n.Hold[i].Target(); t != NoNode && r.nodes[t] == nil {
				errs = append(errs, fmt.Errorf("node %s hold %d: %w %s", n, i+1, ErrUnknownNode, t))
			}
		}
	}
	return errors.Join(errs...)
}

// Node returns the node registered under id, or nil.
func (r *Registry) Node(id NodeID) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// Lookup finds a node by name.
func (r *Registry) Lookup(name string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n != nil && n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]NodeID, 0, 16)
	for i, n := range r.nodes {
		if n != nil {
			ids = append(ids, NodeID(i))
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// Config returns the overridable part of node id.
func (r *Registry) Config(id NodeID) (NodeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.nodes[id]
	if n == nil {
		return NodeConfig{}, fmt.Errorf("%w %s", ErrUnknownNode, id)
	}
	c := EmptyNodeConfig()
	for i := 0; i < MaxSlots; i++ {
		c.Click[i] = n.Click[i].Target()
		c.Hold[i] = n.Hold[i].Target()
	}
	c.Timeout = n.Timeout
	return c, nil
}

// Override replaces the static targets and timeout of node id. Rules,
// entry actions and release handlers are left alone. Targets must name
// registered nodes.
func (r *Registry) Override(id NodeID, c NodeConfig) error {
	if c.Timeout < 0 {
		return fmt.Errorf("node %s: negative timeout", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nodes[id]
	if n == nil {
		return fmt.Errorf("%w %s", ErrUnknownNode, id)
	}
	for i := 0; i < MaxSlots; i++ {
		for _, t := range []NodeID{c.Click[i], c.Hold[i]} {
			if t != NoNode && r.nodes[t] == nil {
				return fmt.Errorf("node %s slot %d: %w %s", n, i+1, ErrUnknownNode, t)
			}
		}
	}

	cp := *n
	for i := 0; i < MaxSlots; i++ {
		cp.Click[i] = cp.Click[i].withTarget(c.Click[i])
		cp.Hold[i] = cp.Hold[i].withTarget(c.Hold[i])
	}
	cp.Timeout = c.Timeout
	r.nodes[id] = &cp
	return nil
}

func (r *Registry) slot(id NodeID, kind types.Kind, index int) Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.nodes[id]
	if n == nil || index < 0 || index >= MaxSlots {
		return Slot{}
	}
	if kind == types.KindHoldStart {
		return n.Hold[index]
	}
	return n.Click[index]
}
