package tp

import (
	"bytes"
	"testing"
	"time"
)

func testCodec(t *testing.T, cfg Config) *Codec {
	t.Helper()
	addr, err := NewAddress(Normal11bits, 0x7E0, 0x7E8)
	if err != nil {
		t.Fatalf("NewAddress: %v", err)
	}
	c, err := NewCodec(addr, cfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func rxFrame(data []byte) CanMessage {
	return CanMessage{
		ArbitrationID: 0x7E8,
		Data:          data,
		Direction:     DirectionRx,
		Timestamp:     time.Now(),
	}
}

func TestEncodeSingleFrame(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	frames, err := c.Encode([]byte{0x19, 0x02, 0xFF}, Physical)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frame count = %d, want 1", len(frames))
	}
	want := []byte{0x03, 0x19, 0x02, 0xFF, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(frames[0].Data, want) {
		t.Errorf("data = % X, want % X", frames[0].Data, want)
	}
	if frames[0].ArbitrationID != 0x7E0 {
		t.Errorf("arbitration ID = %X, want 7E0", frames[0].ArbitrationID)
	}
}

func TestEncodeMultiFrame(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames, err := c.Encode(payload, Physical)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// FF carries 6 bytes, each CF 7 bytes: 6+7+7 = 20.
	if len(frames) != 3 {
		t.Fatalf("frame count = %d, want 3", len(frames))
	}
	if frames[0].Data[0] != 0x10 || frames[0].Data[1] != 20 {
		t.Errorf("first frame PCI = % X", frames[0].Data[:2])
	}
	if frames[1].Data[0] != 0x21 || frames[2].Data[0] != 0x22 {
		t.Errorf("consecutive frame PCIs = %02X %02X", frames[1].Data[0], frames[2].Data[0])
	}

	var reassembled []byte
	reassembled = append(reassembled, frames[0].Data[2:]...)
	for _, f := range frames[1:] {
		reassembled = append(reassembled, f.Data[1:]...)
	}
	if !bytes.Equal(reassembled[:20], payload) {
		t.Errorf("reassembled = % X", reassembled[:20])
	}
}

func TestEncodeSequenceWrapsAtSixteen(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	payload := make([]byte, 6+7*16)
	frames, err := c.Encode(payload, Physical)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	last := frames[len(frames)-1]
	if last.Data[0] != 0x20 {
		t.Errorf("sequence after 15 should wrap to 0, PCI = %02X", last.Data[0])
	}
}

func TestEncodeTooLarge(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	if _, err := c.Encode(make([]byte, MaxPayloadSize+1), Physical); err == nil {
		t.Fatal("oversized payload accepted")
	}
}

func TestEncodePadding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PaddingByte = 0xCC
	c := testCodec(t, cfg)
	frames, err := c.Encode([]byte{0x3E, 0x00}, Physical)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x02, 0x3E, 0x00, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}
	if !bytes.Equal(frames[0].Data, want) {
		t.Errorf("data = % X, want % X", frames[0].Data, want)
	}
}

func TestOnFrameSingleFrame(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	ev := c.OnFrame(rxFrame([]byte{0x03, 0x59, 0x02, 0xFF, 0x00, 0x00, 0x00, 0x00}))
	if ev.Type != EventComplete {
		t.Fatalf("event = %d, want EventComplete", ev.Type)
	}
	if !bytes.Equal(ev.Payload, []byte{0x59, 0x02, 0xFF}) {
		t.Errorf("payload = % X", ev.Payload)
	}
}

func TestOnFrameMultiFrameReassembly(t *testing.T) {
	c := testCodec(t, DefaultConfig())

	ev := c.OnFrame(rxFrame([]byte{0x10, 0x0B, 0x59, 0x02, 0x02, 0x20, 0xF9, 0x00}))
	if ev.Type != EventSendFlowControl {
		t.Fatalf("event after FF = %d, want EventSendFlowControl", ev.Type)
	}
	if ev.FlowStatus != FlowStatusContinueToSend {
		t.Errorf("flow status = %d", ev.FlowStatus)
	}
	if !c.HasContext(0x7E8) {
		t.Fatal("no reassembly context after first frame")
	}

	ev = c.OnFrame(rxFrame([]byte{0x21, 0x40, 0x05, 0x8D, 0x00, 0x40, 0x00, 0x00}))
	if ev.Type != EventComplete {
		t.Fatalf("event after CF = %d, want EventComplete", ev.Type)
	}
	want := []byte{0x59, 0x02, 0x02, 0x20, 0xF9, 0x00, 0x40, 0x05, 0x8D, 0x00, 0x40}
	if !bytes.Equal(ev.Payload, want) {
		t.Errorf("payload = % X, want % X", ev.Payload, want)
	}
	if c.HasContext(0x7E8) {
		t.Error("context not released after completion")
	}
}

func TestOnFrameSequenceMismatchAborts(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	c.OnFrame(rxFrame([]byte{0x10, 0x20, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}))

	ev := c.OnFrame(rxFrame([]byte{0x23, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00}))
	if ev.Type != EventProtocolError {
		t.Fatalf("event = %d, want EventProtocolError", ev.Type)
	}
	if !IsProtocolError(ev.Err) {
		t.Errorf("err = %v, want protocol error", ev.Err)
	}
	if c.HasContext(0x7E8) {
		t.Error("context survived sequence mismatch")
	}
}

func TestOnFrameSequenceMismatchLeavesOtherContexts(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	c.OnFrame(rxFrame([]byte{0x10, 0x20, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}))

	other := rxFrame([]byte{0x10, 0x10, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	other.ArbitrationID = 0x7E9
	c.OnFrame(other)

	c.OnFrame(rxFrame([]byte{0x23, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00}))
	if !c.HasContext(0x7E9) {
		t.Error("unrelated context aborted by sequence error on another identifier")
	}
}

func TestOnFrameStrayConsecutiveFrameIgnored(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	ev := c.OnFrame(rxFrame([]byte{0x21, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}))
	if ev.Type != EventIncomplete {
		t.Errorf("event = %d, want EventIncomplete", ev.Type)
	}
	if ev.Err != nil {
		t.Errorf("stray consecutive frame reported error: %v", ev.Err)
	}
}

func TestOnFrameNewFirstFrameReplacesContext(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	c.OnFrame(rxFrame([]byte{0x10, 0x20, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}))
	c.OnFrame(rxFrame([]byte{0x10, 0x0B, 0x59, 0x02, 0x02, 0x20, 0xF9, 0x00}))

	ev := c.OnFrame(rxFrame([]byte{0x21, 0x40, 0x05, 0x8D, 0x00, 0x40, 0x00, 0x00}))
	if ev.Type != EventComplete {
		t.Fatalf("event = %d, want EventComplete", ev.Type)
	}
	if len(ev.Payload) != 11 {
		t.Errorf("payload length = %d, want 11 from the second transfer", len(ev.Payload))
	}
}

func TestOnFrameOversizedFirstFrameOverflows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameSize = 64
	c := testCodec(t, cfg)

	ev := c.OnFrame(rxFrame([]byte{0x10, 0x80, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}))
	if ev.Type != EventSendFlowControl {
		t.Fatalf("event = %d, want EventSendFlowControl", ev.Type)
	}
	if ev.FlowStatus != FlowStatusOverflow {
		t.Errorf("flow status = %d, want overflow", ev.FlowStatus)
	}
	if !IsProtocolError(ev.Err) {
		t.Errorf("err = %v, want FrameTooLongError", ev.Err)
	}
	if c.HasContext(0x7E8) {
		t.Error("context created for rejected transfer")
	}
}

func TestOnFrameBlockSizeObligation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlowControl.BlockSize = 2
	c := testCodec(t, cfg)

	// 30 bytes: FF(6) + 4 CFs. FC owed after every second CF.
	c.OnFrame(rxFrame([]byte{0x10, 0x1E, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05}))

	ev := c.OnFrame(rxFrame([]byte{0x21, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C}))
	if ev.Type != EventIncomplete {
		t.Fatalf("event after CF 1 = %d, want EventIncomplete", ev.Type)
	}
	ev = c.OnFrame(rxFrame([]byte{0x22, 0x0D, 0x0E, 0x0F, 0x10, 0x11, 0x12, 0x13}))
	if ev.Type != EventSendFlowControl {
		t.Fatalf("event after CF 2 = %d, want EventSendFlowControl", ev.Type)
	}
	ev = c.OnFrame(rxFrame([]byte{0x23, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1A}))
	if ev.Type != EventIncomplete {
		t.Fatalf("event after CF 3 = %d, want EventIncomplete", ev.Type)
	}
	ev = c.OnFrame(rxFrame([]byte{0x24, 0x1B, 0x1C, 0x1D, 0x00, 0x00, 0x00, 0x00}))
	if ev.Type != EventComplete {
		t.Fatalf("event after CF 4 = %d, want EventComplete", ev.Type)
	}
	if len(ev.Payload) != 30 {
		t.Errorf("payload length = %d, want 30", len(ev.Payload))
	}
}

func TestOnFrameFlowControl(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	ev := c.OnFrame(rxFrame([]byte{0x30, 0x04, 0x0A, 0x00, 0x00, 0x00, 0x00, 0x00}))
	if ev.Type != EventFlowControl {
		t.Fatalf("event = %d, want EventFlowControl", ev.Type)
	}
	if ev.Flow.BlockSize != 4 {
		t.Errorf("block size = %d, want 4", ev.Flow.BlockSize)
	}
	if ev.Separation != 10*time.Millisecond {
		t.Errorf("separation = %v, want 10ms", ev.Separation)
	}
}

func TestOnFrameMalformedFrameIsProtocolError(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	c.OnFrame(rxFrame([]byte{0x10, 0x20, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}))

	ev := c.OnFrame(rxFrame([]byte{0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}))
	if ev.Type != EventProtocolError {
		t.Fatalf("event = %d, want EventProtocolError", ev.Type)
	}
	if c.HasContext(0x7E8) {
		t.Error("context survived malformed frame")
	}
}

func TestMakeFlowControl(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlowControl = FlowControlParams{BlockSize: 8, StMin: 0x14}
	c := testCodec(t, cfg)

	msg := c.MakeFlowControl(FlowStatusContinueToSend)
	want := []byte{0x30, 0x08, 0x14, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(msg.Data, want) {
		t.Errorf("fc data = % X, want % X", msg.Data, want)
	}
	if msg.ArbitrationID != 0x7E0 {
		t.Errorf("arbitration ID = %X, want 7E0", msg.ArbitrationID)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	addr, _ := NewAddress(Normal11bits, 0x7E0, 0x7E8)
	peer, _ := NewAddress(Normal11bits, 0x7E8, 0x7E0)
	tx, _ := NewCodec(addr, DefaultConfig())
	rx, _ := NewCodec(peer, DefaultConfig())

	for _, size := range []int{1, 7, 8, 62, 500, MaxPayloadSize} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		frames, err := tx.Encode(payload, Physical)
		if err != nil {
			t.Fatalf("Encode(%d bytes): %v", size, err)
		}
		var got []byte
		for _, f := range frames {
			f.Direction = DirectionRx
			ev := rx.OnFrame(f)
			switch ev.Type {
			case EventComplete:
				got = ev.Payload
			case EventProtocolError:
				t.Fatalf("size %d: protocol error: %v", size, ev.Err)
			}
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
}

func TestCodecExtendedAddressing(t *testing.T) {
	addr, err := NewExtendedAddress(0x7E0, 0x7E8, 0xF1)
	if err != nil {
		t.Fatalf("NewExtendedAddress: %v", err)
	}
	c, err := NewCodec(addr, DefaultConfig())
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	frames, err := c.Encode([]byte{0x3E, 0x00}, Physical)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0xF1, 0x02, 0x3E, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(frames[0].Data, want) {
		t.Errorf("data = % X, want % X", frames[0].Data, want)
	}

	ev := c.OnFrame(rxFrame([]byte{0xF1, 0x02, 0x7E, 0x00, 0x00, 0x00, 0x00, 0x00}))
	if ev.Type != EventComplete {
		t.Fatalf("event = %d, want EventComplete", ev.Type)
	}
	if !bytes.Equal(ev.Payload, []byte{0x7E, 0x00}) {
		t.Errorf("payload = % X", ev.Payload)
	}
}

func TestCodecDeadlineTracking(t *testing.T) {
	c := testCodec(t, DefaultConfig())
	start := time.Now()
	msg := rxFrame([]byte{0x10, 0x20, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	msg.Timestamp = start
	c.OnFrame(msg)

	deadline, ok := c.Deadline(0x7E8)
	if !ok {
		t.Fatal("no deadline for open context")
	}
	if want := start.Add(time.Second); !deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", deadline, want)
	}

	c.Abort(0x7E8)
	if _, ok := c.Deadline(0x7E8); ok {
		t.Error("deadline reported after abort")
	}
}
