package tp

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Direction tells whether a frame was observed on the way in or out.
type Direction uint8

const (
	DirectionRx Direction = iota
	DirectionTx
)

// CAN error classes, matching the classes reported in the arbitration ID of
// a SocketCAN error frame (linux/can/error.h).
const (
	ErrClassTxTimeout       uint32 = 0x0001
	ErrClassLostArbitration uint32 = 0x0002
	ErrClassController      uint32 = 0x0004
	ErrClassProtocol        uint32 = 0x0008
	ErrClassTransceiver     uint32 = 0x0010
	ErrClassNoAck           uint32 = 0x0020
	ErrClassBusOff          uint32 = 0x0040
	ErrClassBusError        uint32 = 0x0080
	ErrClassRestarted       uint32 = 0x0100
)

// CanMessage represents a single classical CAN frame (ISO 11898) as seen on
// the wire, or a bus error event reported by the controller.
type CanMessage struct {
	ArbitrationID uint32
	Data          []byte
	IsExtendedID  bool

	// IsError marks a bus error event rather than a data frame. ErrorClass
	// carries the error class bits; Data is empty.
	IsError    bool
	ErrorClass uint32

	Direction Direction
	Timestamp time.Time
}

// IsBusOff reports whether the message is an error event signalling that the
// controller dropped off the bus.
func (m *CanMessage) IsBusOff() bool {
	return m.IsError && m.ErrorClass&ErrClassBusOff != 0
}

func (m *CanMessage) String() string {
	if m.IsError {
		return fmt.Sprintf("<CanError class=0x%04x>", m.ErrorClass)
	}
	var idStr string
	if m.IsExtendedID {
		idStr = fmt.Sprintf("%08x", m.ArbitrationID)
	} else {
		idStr = fmt.Sprintf("%03x", m.ArbitrationID)
	}
	return fmt.Sprintf("<CanMessage %s [%d] \"%s\">", idStr, len(m.Data), hex.EncodeToString(m.Data))
}
