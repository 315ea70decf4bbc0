// Package driver provides the CAN bus drivers: SocketCAN, SLCAN serial
// adapters and an in-memory virtual bus, plus interface bring-up.
package driver

import (
	"canmon/tp"
)

// rxBufferSize is the per-driver inbound frame buffer.
const rxBufferSize = 256

// CANDriver is the unified bus driver interface. Frames() carries both data
// frames and error events; it is closed when the driver shuts down.
type CANDriver interface {
	Open() error
	Close() error
	Send(msg tp.CanMessage) error
	Frames() <-chan tp.CanMessage
}
