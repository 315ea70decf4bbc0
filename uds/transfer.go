package uds

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// FirmwareSegment is one contiguous region of a firmware image.
type FirmwareSegment struct {
	Address uint32
	Data    []byte
}

// Firmware is a flashable image as a list of contiguous segments.
type Firmware struct {
	Segments []FirmwareSegment
}

// Size returns the total number of data bytes in the image.
func (f *Firmware) Size() int {
	var n int
	for _, seg := range f.Segments {
		n += len(seg.Data)
	}
	return n
}

// LoadFirmwareHex parses an Intel HEX image.
func LoadFirmwareHex(r io.Reader) (*Firmware, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "parse Intel HEX")
	}
	fw := &Firmware{}
	for _, seg := range mem.GetDataSegments() {
		fw.Segments = append(fw.Segments, FirmwareSegment{
			Address: seg.Address,
			Data:    seg.Data,
		})
	}
	if len(fw.Segments) == 0 {
		return nil, errors.New("firmware image is empty")
	}
	return fw, nil
}

// defaultTransferChunk bounds transfer-data blocks when the ECU's download
// response does not advertise a block length.
const defaultTransferChunk = 0xFF0

// TransferFirmware downloads every segment of the image: RequestDownload for
// the segment's address range, TransferData blocks with a wrapping sequence
// counter, then RequestTransferExit.
func (s *Session) TransferFirmware(ctx context.Context, fw *Firmware) error {
	if fw == nil || len(fw.Segments) == 0 {
		return errors.New("firmware image is empty")
	}
	for _, seg := range fw.Segments {
		if err := s.transferSegment(ctx, seg); err != nil {
			return errors.Wrapf(err, "segment 0x%08X", seg.Address)
		}
	}
	return nil
}

func (s *Session) transferSegment(ctx context.Context, seg FirmwareSegment) error {
	// addressAndLengthFormatIdentifier 0x44: 4-byte address, 4-byte size.
	req := make([]byte, 0, 11)
	req = append(req, ServiceRequestDownload, 0x00, 0x44)
	req = binary.BigEndian.AppendUint32(req, seg.Address)
	req = binary.BigEndian.AppendUint32(req, uint32(len(seg.Data)))

	resp, err := s.Request(ctx, req)
	if err != nil {
		return errors.Wrap(err, "request download")
	}
	chunk := parseMaxBlockLength(resp)

	counter := byte(1)
	for offset := 0; offset < len(seg.Data); {
		end := offset + chunk
		if end > len(seg.Data) {
			end = len(seg.Data)
		}
		block := append([]byte{ServiceTransferData, counter}, seg.Data[offset:end]...)
		if _, err := s.Request(ctx, block); err != nil {
			return errors.Wrapf(err, "transfer data block %d", counter)
		}
		offset = end
		counter++
		s.log.Debugf("transferred %d/%d bytes at 0x%08X", offset, len(seg.Data), seg.Address)
	}

	if _, err := s.Request(ctx, []byte{ServiceRequestTransferExit}); err != nil {
		return errors.Wrap(err, "request transfer exit")
	}
	return nil
}

// parseMaxBlockLength extracts maxNumberOfBlockLength from the 0x74
// response: the high nibble of the format byte gives its width. The two
// service and sequence bytes of each transfer-data request are part of the
// advertised budget.
func parseMaxBlockLength(resp []byte) int {
	if len(resp) < 2 {
		return defaultTransferChunk
	}
	width := int(resp[1] >> 4)
	if width == 0 || len(resp) < 2+width {
		return defaultTransferChunk
	}
	var max int
	for _, b := range resp[2 : 2+width] {
		max = max<<8 | int(b)
	}
	if max <= 2 {
		return defaultTransferChunk
	}
	return max - 2
}
