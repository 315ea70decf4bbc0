package tp

import (
	"time"
)

// EventType classifies the outcome of feeding one frame to the codec.
type EventType int

const (
	// EventIncomplete: the frame was consumed (or ignored as unrelated
	// traffic) and no payload is complete yet.
	EventIncomplete EventType = iota
	// EventComplete: a full payload has been reassembled.
	EventComplete
	// EventFlowControl: the peer sent a flow control frame governing our
	// outbound pacing.
	EventFlowControl
	// EventSendFlowControl: the codec owes the peer a flow control frame
	// (after a first frame, or when a block completed).
	EventSendFlowControl
	// EventProtocolError: a malformed or unexpected frame aborted the
	// affected reassembly context.
	EventProtocolError
)

// Event is the result of Codec.OnFrame.
type Event struct {
	Type    EventType
	Payload []byte

	// FlowStatus and Flow are set for EventFlowControl (the peer's
	// parameters) and EventSendFlowControl (the parameters to advertise).
	FlowStatus int
	Flow       FlowControlParams
	// Separation is the decoded STmin for EventFlowControl.
	Separation time.Duration

	// Err is set for EventProtocolError, and for an overflow
	// EventSendFlowControl answering an oversized first frame.
	Err error
}

// reassembly tracks one in-progress multi-frame reception. At most one
// exists per CAN identifier; a new first frame replaces it.
type reassembly struct {
	total      int
	buf        []byte
	nextSeq    int
	blockCount int
	deadline   time.Time
}

// Codec encodes payloads into ISO-TP frame sequences and reassembles
// incoming frames back into payloads. It is purely reactive: pacing and
// timeout enforcement belong to the caller, which drives it frame by frame.
// Not safe for concurrent use; the owning session serializes access.
type Codec struct {
	addr     *Address
	cfg      Config
	contexts map[uint32]*reassembly
}

// NewCodec returns a codec for the given address pair.
func NewCodec(addr *Address, cfg Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Codec{
		addr:     addr,
		cfg:      cfg,
		contexts: make(map[uint32]*reassembly),
	}, nil
}

// Encode splits payload into the CAN frames carrying it: a single frame for
// up to 7 payload bytes, otherwise a first frame followed by consecutive
// frames with a cyclic sequence number starting at 1. The caller is
// responsible for pacing the consecutive frames according to the peer's
// advertised flow control.
func (c *Codec) Encode(payload []byte, target TargetType) ([]CanMessage, error) {
	prefix := c.addr.TxPayloadPrefix()
	room := 8 - len(prefix)

	if len(payload) <= room-1 {
		data := make([]byte, 0, 8)
		data = append(data, prefix...)
		data = append(data, byte(len(payload)))
		data = append(data, payload...)
		return []CanMessage{c.makeTxMsg(c.addr.TxArbitrationID(target), data)}, nil
	}

	if len(payload) > MaxPayloadSize {
		return nil, PayloadTooLargeError{NewIsoTpError("")}
	}

	total := len(payload)
	ffData := make([]byte, 0, 8)
	ffData = append(ffData, prefix...)
	ffData = append(ffData, byte(0x10|(total>>8)&0xF), byte(total&0xFF))
	ffCount := room - 2
	ffData = append(ffData, payload[:ffCount]...)

	frames := []CanMessage{c.makeTxMsg(c.addr.TxArbitrationID(target), ffData)}
	seq := 1
	for offset := ffCount; offset < total; {
		chunk := room - 1
		if total-offset < chunk {
			chunk = total - offset
		}
		cfData := make([]byte, 0, 8)
		cfData = append(cfData, prefix...)
		cfData = append(cfData, byte(0x20|seq))
		cfData = append(cfData, payload[offset:offset+chunk]...)
		frames = append(frames, c.makeTxMsg(c.addr.TxArbitrationID(target), cfData))
		offset += chunk
		seq = (seq + 1) & 0xF
	}
	return frames, nil
}

// MakeFlowControl builds the flow control frame owed to the peer after a
// first frame or a completed block.
func (c *Codec) MakeFlowControl(status int) CanMessage {
	data := append([]byte{}, c.addr.TxPayloadPrefix()...)
	data = append(data, CraftFlowControlData(status, c.cfg.FlowControl.BlockSize, c.cfg.FlowControl.StMin)...)
	return c.makeTxMsg(c.addr.TxArbitrationID(Physical), data)
}

// OnFrame feeds one incoming frame to the codec and reports the outcome.
func (c *Codec) OnFrame(msg CanMessage) Event {
	if msg.IsError {
		return Event{Type: EventIncomplete}
	}

	id := msg.ArbitrationID
	pdu, err := ParsePDU(msg, c.addr.RxPrefixSize())
	if err != nil {
		delete(c.contexts, id)
		return Event{Type: EventProtocolError, Err: err}
	}

	switch pdu.Type {
	case PDUSingleFrame:
		// A single frame terminates any reception in progress on this ID.
		delete(c.contexts, id)
		return Event{Type: EventComplete, Payload: append([]byte{}, pdu.Data...)}

	case PDUFirstFrame:
		// A new first frame discards any prior incomplete context.
		delete(c.contexts, id)
		if pdu.Length > c.cfg.MaxFrameSize {
			return Event{
				Type:       EventSendFlowControl,
				FlowStatus: FlowStatusOverflow,
				Flow:       c.cfg.FlowControl,
				Err:        FrameTooLongError{NewIsoTpError("")},
			}
		}
		ctx := &reassembly{
			total:    pdu.Length,
			buf:      make([]byte, 0, pdu.Length),
			nextSeq:  1,
			deadline: msg.Timestamp.Add(c.cfg.Timeouts.NCr),
		}
		take := pdu.Length
		if take > len(pdu.Data) {
			take = len(pdu.Data)
		}
		ctx.buf = append(ctx.buf, pdu.Data[:take]...)
		c.contexts[id] = ctx
		return Event{
			Type:       EventSendFlowControl,
			FlowStatus: FlowStatusContinueToSend,
			Flow:       c.cfg.FlowControl,
		}

	case PDUConsecutiveFrame:
		ctx, ok := c.contexts[id]
		if !ok {
			// Ordinary unrelated traffic, not an error.
			return Event{Type: EventIncomplete}
		}
		if pdu.SeqNum != ctx.nextSeq {
			delete(c.contexts, id)
			return Event{Type: EventProtocolError, Err: WrongSequenceNumberError{NewIsoTpError("")}}
		}
		take := ctx.total - len(ctx.buf)
		if take > len(pdu.Data) {
			take = len(pdu.Data)
		}
		ctx.buf = append(ctx.buf, pdu.Data[:take]...)
		ctx.nextSeq = (ctx.nextSeq + 1) & 0xF
		ctx.deadline = msg.Timestamp.Add(c.cfg.Timeouts.NCr)

		if len(ctx.buf) >= ctx.total {
			delete(c.contexts, id)
			return Event{Type: EventComplete, Payload: ctx.buf}
		}
		ctx.blockCount++
		if c.cfg.FlowControl.BlockSize > 0 && ctx.blockCount%c.cfg.FlowControl.BlockSize == 0 {
			return Event{
				Type:       EventSendFlowControl,
				FlowStatus: FlowStatusContinueToSend,
				Flow:       c.cfg.FlowControl,
			}
		}
		return Event{Type: EventIncomplete}

	case PDUFlowControl:
		return Event{
			Type:       EventFlowControl,
			FlowStatus: pdu.FlowStatus,
			Flow:       FlowControlParams{BlockSize: pdu.BlockSize, StMin: pdu.StMin},
			Separation: pdu.Separation,
		}
	}

	delete(c.contexts, id)
	return Event{Type: EventProtocolError, Err: InvalidCanDataError{NewIsoTpError("")}}
}

// Abort discards the reassembly context for id, if any.
func (c *Codec) Abort(id uint32) {
	delete(c.contexts, id)
}

// HasContext reports whether a reassembly is in progress for id.
func (c *Codec) HasContext(id uint32) bool {
	_, ok := c.contexts[id]
	return ok
}

// Deadline returns the consecutive-frame deadline of the context for id.
func (c *Codec) Deadline(id uint32) (time.Time, bool) {
	ctx, ok := c.contexts[id]
	if !ok {
		return time.Time{}, false
	}
	return ctx.deadline, true
}

// Reset discards every reassembly context.
func (c *Codec) Reset() {
	c.contexts = make(map[uint32]*reassembly)
}

// Address returns the address pair the codec was built for.
func (c *Codec) Address() *Address {
	return c.addr
}

func (c *Codec) makeTxMsg(arbitrationID uint32, data []byte) CanMessage {
	for len(data) < 8 {
		data = append(data, c.cfg.PaddingByte)
	}
	return CanMessage{
		ArbitrationID: arbitrationID,
		Data:          data,
		IsExtendedID:  c.addr.Is29Bit(),
		Direction:     DirectionTx,
		Timestamp:     time.Now(),
	}
}
