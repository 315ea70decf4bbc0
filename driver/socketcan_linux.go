//go:build linux

package driver

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"canmon"
	"canmon/tp"
)

const canFrameSize = 16

// SocketCAN is a raw AF_CAN driver. Error frames are enabled so bus errors
// and bus-off events surface as error messages on Frames().
type SocketCAN struct {
	iface string
	log   canmon.Logger

	mu     sync.Mutex
	fd     int
	open   bool
	frames chan tp.CanMessage
	done   chan struct{}
}

func NewSocketCAN(iface string, log canmon.Logger) *SocketCAN {
	if log == nil {
		log = canmon.NopLogger
	}
	return &SocketCAN{iface: iface, log: log, fd: -1}
}

func (s *SocketCAN) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return errors.New("driver already open")
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return errors.Wrap(err, "create CAN socket")
	}
	// Subscribe to every error class, bus-off included.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "enable error frames")
	}

	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "lookup interface %s", s.iface)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "bind to %s", s.iface)
	}

	s.fd = fd
	s.open = true
	s.frames = make(chan tp.CanMessage, rxBufferSize)
	s.done = make(chan struct{})
	go s.readLoop()
	s.log.Infof("opened SocketCAN interface %s", s.iface)
	return nil
}

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	close(s.done)
	err := unix.Close(s.fd)
	s.fd = -1
	return errors.Wrap(err, "close CAN socket")
}

func (s *SocketCAN) Frames() <-chan tp.CanMessage {
	return s.frames
}

func (s *SocketCAN) Send(msg tp.CanMessage) error {
	s.mu.Lock()
	fd, open := s.fd, s.open
	s.mu.Unlock()
	if !open {
		return errors.New("driver is closed")
	}
	if len(msg.Data) > 8 {
		return errors.Errorf("payload of %d bytes does not fit a classic CAN frame", len(msg.Data))
	}

	id := msg.ArbitrationID
	if msg.IsExtendedID {
		id = (id & unix.CAN_EFF_MASK) | unix.CAN_EFF_FLAG
	} else {
		id &= unix.CAN_SFF_MASK
	}

	var frame [canFrameSize]byte
	binary.LittleEndian.PutUint32(frame[0:4], id)
	frame[4] = byte(len(msg.Data))
	copy(frame[8:], msg.Data)

	if _, err := unix.Write(fd, frame[:]); err != nil {
		return errors.Wrap(err, "write CAN frame")
	}
	return nil
}

func (s *SocketCAN) readLoop() {
	defer close(s.frames)
	buf := make([]byte, canFrameSize)
	for {
		n, err := unix.Read(s.fd, buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warnf("CAN read failed: %v", err)
			}
			return
		}
		if n < canFrameSize {
			continue
		}
		msg := parseCanFrame(buf)
		select {
		case s.frames <- msg:
		default:
			s.log.Warnf("dropping frame 0x%X: receive buffer full", msg.ArbitrationID)
		}
	}
}

func parseCanFrame(buf []byte) tp.CanMessage {
	rawID := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	data := make([]byte, dlc)
	copy(data, buf[8:8+dlc])

	msg := tp.CanMessage{
		Data:      data,
		Direction: tp.DirectionRx,
		Timestamp: time.Now(),
	}
	if rawID&unix.CAN_ERR_FLAG != 0 {
		msg.IsError = true
		msg.ErrorClass = rawID & unix.CAN_ERR_MASK
		return msg
	}
	if rawID&unix.CAN_EFF_FLAG != 0 {
		msg.IsExtendedID = true
		msg.ArbitrationID = rawID & unix.CAN_EFF_MASK
	} else {
		msg.ArbitrationID = rawID & unix.CAN_SFF_MASK
	}
	return msg
}
