//go:build !linux

package driver

import (
	"github.com/pkg/errors"

	"canmon"
	"canmon/tp"
)

// SocketCAN requires the Linux SocketCAN stack. On other platforms Open
// fails and the SLCAN or virtual drivers have to be used instead.
type SocketCAN struct{}

func NewSocketCAN(iface string, log canmon.Logger) *SocketCAN {
	return &SocketCAN{}
}

func (s *SocketCAN) Open() error {
	return errors.New("SocketCAN is only available on Linux")
}

func (s *SocketCAN) Close() error { return nil }

func (s *SocketCAN) Send(msg tp.CanMessage) error {
	return errors.New("SocketCAN is only available on Linux")
}

func (s *SocketCAN) Frames() <-chan tp.CanMessage {
	return nil
}
