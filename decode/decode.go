// Package decode extracts named signal values from non-diagnostic frames
// using configured message definitions.
package decode

import (
	"errors"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"canmon/tp"
)

// ErrNoDefinition is returned for frames whose identifier has no configured
// message definition.
var ErrNoDefinition = errors.New("no message definition for frame")

// SignalDef describes one signal inside a frame payload. StartBit counts in
// the chosen byte order: LSB-first within each byte for little endian,
// MSB-first for big endian.
type SignalDef struct {
	Name      string
	StartBit  int
	Length    int
	Scale     float64
	Offset    float64
	Signed    bool
	BigEndian bool
}

// MessageDef maps one arbitration ID to its signals.
type MessageDef struct {
	ID      uint32
	Name    string
	Signals []SignalDef
}

// SignalDecoder decodes frames against an immutable definition table.
type SignalDecoder struct {
	defs map[uint32]MessageDef
}

// NewSignalDecoder validates the definitions and builds the decoder.
func NewSignalDecoder(defs []MessageDef) (*SignalDecoder, error) {
	m := make(map[uint32]MessageDef, len(defs))
	for _, def := range defs {
		for i := range def.Signals {
			// An unset scale means no scaling.
			if def.Signals[i].Scale == 0 {
				def.Signals[i].Scale = 1
			}
		}
		for _, s := range def.Signals {
			if strings.TrimSpace(s.Name) == "" {
				return nil, pkgerrors.Errorf("message 0x%X has a signal without a name", def.ID)
			}
			if s.Length <= 0 || s.Length > 64 {
				return nil, pkgerrors.Errorf("signal %q: length %d out of range", s.Name, s.Length)
			}
			if s.StartBit < 0 || s.StartBit+s.Length > 64 {
				return nil, pkgerrors.Errorf("signal %q: bit range [%d, %d) outside the frame", s.Name, s.StartBit, s.StartBit+s.Length)
			}
		}
		m[def.ID] = def
	}
	return &SignalDecoder{defs: m}, nil
}

// Decode extracts every signal of the frame's definition. Frames without a
// definition fail with ErrNoDefinition; a signal reaching past the payload
// is a decode failure.
func (d *SignalDecoder) Decode(msg tp.CanMessage) (map[string]float64, error) {
	def, ok := d.defs[msg.ArbitrationID]
	if !ok {
		return nil, ErrNoDefinition
	}

	signals := make(map[string]float64, len(def.Signals))
	for _, s := range def.Signals {
		if s.StartBit+s.Length > len(msg.Data)*8 {
			return nil, pkgerrors.Errorf("signal %q reaches past the %d-byte payload", s.Name, len(msg.Data))
		}
		raw := extractBits(msg.Data, s)
		signals[s.Name] = float64(raw)*s.Scale + s.Offset
	}
	return signals, nil
}

func extractBits(data []byte, s SignalDef) int64 {
	var raw uint64
	for i := 0; i < s.Length; i++ {
		pos := s.StartBit + i
		var bit uint64
		if s.BigEndian {
			bit = uint64(data[pos/8]>>(7-pos%8)) & 1
			raw = raw<<1 | bit
		} else {
			bit = uint64(data[pos/8]>>(pos%8)) & 1
			raw |= bit << i
		}
	}
	if s.Signed && raw&(1<<(s.Length-1)) != 0 {
		return int64(raw) - (1 << s.Length)
	}
	return int64(raw)
}
