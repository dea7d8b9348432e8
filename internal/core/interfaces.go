package core

import (
	"context"

	"torch-service/internal/fsm"
	"torch-service/internal/hardware"
	"torch-service/internal/messaging"
	"torch-service/internal/types"
)

// Store defines the persistence and publication operations needed by System
type Store interface {
	SetCallbacks(callbacks messaging.Callbacks)
	Connect() error
	StartListening() error
	Close() error

	// Settings and navigation overrides
	LoadSettings() (types.Settings, error)
	SaveBrightness(level uint8) error
	LoadNodeConfigs() (map[fsm.NodeID]fsm.NodeConfig, error)
	FactoryReset() error

	// Runtime state
	PublishNode(name string) error
	PublishSafety(status string) error
	PublishThrottle(factor uint8) error
}

// Actuator is the light output driver
type Actuator interface {
	Init() error
	SetLevel(level uint8) error
	Cleanup()
}

// ButtonSource reports raw press/release edges until ctx is done
type ButtonSource interface {
	Run(ctx context.Context, onEdge hardware.EdgeFunc) error
}
