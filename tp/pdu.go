package tp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// PDU types, encoded in the high nibble of the first PCI byte.
const (
	PDUSingleFrame = iota
	PDUFirstFrame
	PDUConsecutiveFrame
	PDUFlowControl
)

// Flow control statuses, encoded in the low nibble of the FC PCI byte.
const (
	FlowStatusContinueToSend = iota
	FlowStatusWait
	FlowStatusOverflow
)

// MaxPayloadSize is the largest payload addressable with the 12-bit first
// frame length field used in this addressing mode.
const MaxPayloadSize = 4095

// PDU represents a decoded ISO-TP protocol data unit extracted from a CAN
// message.
type PDU struct {
	Type       int
	Length     int
	Data       []byte
	SeqNum     int
	FlowStatus int
	BlockSize  int
	StMin      byte
	Separation time.Duration
}

func (p *PDU) Name() string {
	switch p.Type {
	case PDUSingleFrame:
		return "SINGLE_FRAME"
	case PDUFirstFrame:
		return "FIRST_FRAME"
	case PDUConsecutiveFrame:
		return "CONSECUTIVE_FRAME"
	case PDUFlowControl:
		return "FLOW_CONTROL"
	default:
		return "[None]"
	}
}

// DecodeStMin converts a raw STmin byte to a duration. Values 0x00-0x7F are
// milliseconds, 0xF1-0xF9 are 100-900 microseconds. Everything else is a
// reserved encoding and rejected as a protocol error.
func DecodeStMin(b byte) (time.Duration, error) {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond, nil
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond, nil
	default:
		return 0, InvalidStMinError{NewIsoTpError(fmt.Sprintf("reserved STmin value 0x%02X", b))}
	}
}

// ParsePDU decodes a CAN message into a PDU. prefixSize is the number of
// addressing bytes (extension byte) preceding the PCI.
func ParsePDU(msg CanMessage, prefixSize int) (*PDU, error) {
	if len(msg.Data) <= prefixSize {
		return nil, InvalidCanDataError{NewIsoTpError("received message is missing data according to prefix size")}
	}
	data := msg.Data[prefixSize:]
	dataLen := len(data)

	p := &PDU{Type: int(data[0] >> 4)}
	switch p.Type {
	case PDUSingleFrame:
		length := int(data[0] & 0xF)
		if length == 0 {
			// Escaped lengths belong to CAN FD, which this stack does not
			// speak.
			return nil, InvalidCanDataError{NewIsoTpError("single frame with zero length nibble")}
		}
		if length > dataLen-1 {
			return nil, InvalidCanDataError{NewIsoTpError(
				fmt.Sprintf("single frame length %d exceeds payload %d", length, dataLen-1))}
		}
		p.Length = length
		p.Data = data[1 : 1+length]

	case PDUFirstFrame:
		if dataLen < 2 {
			return nil, InvalidCanDataError{NewIsoTpError("first frame must be at least 2 bytes")}
		}
		length := (int(data[0]&0xF) << 8) | int(data[1])
		if length == 0 {
			// 32-bit escape length. Recognized so the reassembly layer can
			// reject it as oversized rather than misparse the stream.
			if dataLen < 6 {
				return nil, InvalidCanDataError{NewIsoTpError("first frame with escape length must be at least 6 bytes")}
			}
			length = int(binary.BigEndian.Uint32(data[2:6]))
			p.Length = length
			p.Data = data[6:]
			return p, nil
		}
		p.Length = length
		if 2+length < dataLen {
			p.Data = data[2 : 2+length]
		} else {
			p.Data = data[2:]
		}

	case PDUConsecutiveFrame:
		p.SeqNum = int(data[0] & 0xF)
		p.Data = data[1:]

	case PDUFlowControl:
		if dataLen < 3 {
			return nil, InvalidCanDataError{NewIsoTpError("flow control frame must be at least 3 bytes")}
		}
		fs := int(data[0] & 0xF)
		if fs > FlowStatusOverflow {
			return nil, InvalidCanDataError{NewIsoTpError(fmt.Sprintf("unknown flow status %d", fs))}
		}
		p.FlowStatus = fs
		p.BlockSize = int(data[1])
		p.StMin = data[2]
		sep, err := DecodeStMin(data[2])
		if err != nil {
			return nil, err
		}
		p.Separation = sep

	default:
		return nil, InvalidCanDataError{NewIsoTpError(fmt.Sprintf("unknown frame type %d", p.Type))}
	}

	return p, nil
}

// CraftFlowControlData builds the 3-byte FC payload.
func CraftFlowControlData(flowStatus int, blockSize int, stMin byte) []byte {
	return []byte{byte(0x30 | (flowStatus & 0xF)), byte(blockSize & 0xFF), stMin}
}
