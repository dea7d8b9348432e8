package fsm

import (
	"encoding/binary"
	"fmt"
	"time"
)

// NodeConfig is the overridable part of a node: static navigation targets
// and the inactivity timeout. It is what gets persisted.
type NodeConfig struct {
	Click   [MaxSlots]NodeID
	Hold    [MaxSlots]NodeID
	Timeout time.Duration
}

// EmptyNodeConfig returns a config with every slot absent.
func EmptyNodeConfig() NodeConfig {
	var c NodeConfig
	for i := range c.Click {
		c.Click[i] = NoNode
		c.Hold[i] = NoNode
	}
	return c
}

// MarshalBinary encodes the config as
// slot count, click ids, hold ids, timeout in ms (uint32 big endian).
func (c NodeConfig) MarshalBinary() ([]byte, error) {
	ms := c.Timeout.Milliseconds()
	if ms < 0 || ms > int64(^uint32(0)) {
		return nil, fmt.Errorf("timeout %v out of range", c.Timeout)
	}

	buf := make([]byte, 0, 1+2*MaxSlots+4)
	buf = append(buf, MaxSlots)
	for _, id := range c.Click {
		buf = append(buf, byte(id))
	}
	for _, id := range c.Hold {
		buf = append(buf, byte(id))
	}
	return binary.BigEndian.AppendUint32(buf, uint32(ms)), nil
}

// UnmarshalBinary decodes a record written by MarshalBinary. Records with
// fewer slots leave the remaining slots absent; extra slots are rejected.
func (c *NodeConfig) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("empty node config")
	}
	n := int(data[0])
	if n > MaxSlots {
		return fmt.Errorf("node config has %d slots, max is %d", n, MaxSlots)
	}
	if len(data) != 1+2*n+4 {
		return fmt.Errorf("node config length %d does not match %d slots", len(data), n)
	}

	*c = EmptyNodeConfig()
	for i := 0; i < n; i++ {
		c.Click[i] = NodeID(data[1+i])
		c.Hold[i] = NodeID(data[1+n+i])
	}
	ms := binary.BigEndian.Uint32(data[1+2*n:])
	c.Timeout = time.Duration(ms) * time.Millisecond
	return nil
}
