package types

import "time"

// Settings are the persisted system settings. Zero values mean "not set".
type Settings struct {
	ClickTimeout time.Duration
	HoldDuration time.Duration
	Brightness   uint8
}
