package device

import (
	"context"
	"time"
)

// Reading is a timestamped sample from a readable device.
type Reading struct {
	Device    string    `json:"device"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Device is the minimal identity every controllable entity carries.
type Device interface {
	Name() string
}

// Readable samples a current value. Read blocks until the sample is taken
// or the context is cancelled.
type Readable interface {
	Device
	Read(ctx context.Context) (Reading, error)
}

// Settable moves a device to a value. Set blocks until the move completes
// (the return is the completion) or the context is cancelled.
type Settable interface {
	Device
	Set(ctx context.Context, value any) error
}
