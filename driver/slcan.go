package driver

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"canmon"
	"canmon/tp"
)

// slcanBitrateCodes maps bus bitrates to the adapter's S command codes.
var slcanBitrateCodes = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

// SLCAN drives a serial-line CAN adapter (Lawicel protocol).
type SLCAN struct {
	device  string
	baud    int
	bitrate int
	log     canmon.Logger

	mu     sync.Mutex
	port   serial.Port
	open   bool
	frames chan tp.CanMessage
}

func NewSLCAN(device string, baud, bitrate int, log canmon.Logger) *SLCAN {
	if log == nil {
		log = canmon.NopLogger
	}
	if baud <= 0 {
		baud = 115200
	}
	return &SLCAN{device: device, baud: baud, bitrate: bitrate, log: log}
}

func (s *SLCAN) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return errors.New("driver already open")
	}
	code, ok := slcanBitrateCodes[s.bitrate]
	if !ok {
		return errors.Errorf("unsupported SLCAN bitrate %d", s.bitrate)
	}

	port, err := serial.Open(s.device, &serial.Mode{BaudRate: s.baud})
	if err != nil {
		return errors.Wrapf(err, "open serial device %s", s.device)
	}

	// Close a possibly open channel first, then set bitrate and open.
	for _, cmd := range []string{"C\r", code + "\r", "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return errors.Wrapf(err, "send %q", strings.TrimRight(cmd, "\r"))
		}
	}

	s.port = port
	s.open = true
	s.frames = make(chan tp.CanMessage, rxBufferSize)
	go s.readLoop(port)
	s.log.Infof("opened SLCAN adapter %s at %d baud", s.device, s.baud)
	return nil
}

func (s *SLCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.port.Write([]byte("C\r"))
	return errors.Wrap(s.port.Close(), "close serial device")
}

func (s *SLCAN) Frames() <-chan tp.CanMessage {
	return s.frames
}

func (s *SLCAN) Send(msg tp.CanMessage) error {
	s.mu.Lock()
	port, open := s.port, s.open
	s.mu.Unlock()
	if !open {
		return errors.New("driver is closed")
	}
	line, err := encodeSLCANFrame(msg)
	if err != nil {
		return err
	}
	if _, err := port.Write([]byte(line)); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (s *SLCAN) readLoop(port serial.Port) {
	defer close(s.frames)
	buf := make([]byte, 64)
	var line []byte
	for {
		n, err := port.Read(buf)
		if err != nil {
			s.mu.Lock()
			open := s.open
			s.mu.Unlock()
			if open {
				s.log.Warnf("serial read failed: %v", err)
			}
			return
		}
		for _, b := range buf[:n] {
			if b != '\r' && b != '\a' {
				line = append(line, b)
				continue
			}
			if msg, ok := parseSLCANLine(string(line)); ok {
				select {
				case s.frames <- msg:
				default:
					s.log.Warnf("dropping frame 0x%X: receive buffer full", msg.ArbitrationID)
				}
			}
			line = line[:0]
		}
	}
}

// encodeSLCANFrame renders a transmit command: tIIILDD.. for standard IDs,
// TIIIIIIIILDD.. for extended ones.
func encodeSLCANFrame(msg tp.CanMessage) (string, error) {
	if len(msg.Data) > 8 {
		return "", errors.Errorf("payload of %d bytes does not fit a classic CAN frame", len(msg.Data))
	}
	payload := strings.ToUpper(hex.EncodeToString(msg.Data))
	if msg.IsExtendedID {
		return fmt.Sprintf("T%08X%d%s\r", msg.ArbitrationID&0x1FFFFFFF, len(msg.Data), payload), nil
	}
	return fmt.Sprintf("t%03X%d%s\r", msg.ArbitrationID&0x7FF, len(msg.Data), payload), nil
}

// parseSLCANLine decodes a received t/T line. Anything else (command acks,
// status lines) is ignored.
func parseSLCANLine(line string) (tp.CanMessage, bool) {
	if len(line) < 5 {
		return tp.CanMessage{}, false
	}

	var idLen int
	var extended bool
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen, extended = 8, true
	default:
		return tp.CanMessage{}, false
	}
	if len(line) < 1+idLen+1 {
		return tp.CanMessage{}, false
	}

	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return tp.CanMessage{}, false
	}
	dlc, err := strconv.Atoi(line[1+idLen : 1+idLen+1])
	if err != nil || dlc > 8 {
		return tp.CanMessage{}, false
	}
	hexData := line[1+idLen+1:]
	if len(hexData) < dlc*2 {
		return tp.CanMessage{}, false
	}
	data, err := hex.DecodeString(hexData[:dlc*2])
	if err != nil {
		return tp.CanMessage{}, false
	}

	return tp.CanMessage{
		ArbitrationID: uint32(id),
		Data:          data,
		IsExtendedID:  extended,
		Direction:     tp.DirectionRx,
		Timestamp:     time.Now(),
	}, true
}
