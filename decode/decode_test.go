package decode

import (
	"errors"
	"testing"

	"canmon/tp"
)

func TestDecodeLittleEndian(t *testing.T) {
	d, err := NewSignalDecoder([]MessageDef{{
		ID:   0x1A0,
		Name: "engine",
		Signals: []SignalDef{
			{Name: "rpm", StartBit: 0, Length: 16, Scale: 0.25},
			{Name: "coolant_temp", StartBit: 16, Length: 8, Offset: -40},
		},
	}})
	if err != nil {
		t.Fatalf("NewSignalDecoder: %v", err)
	}

	// rpm raw 0x1F40 (8000) -> 2000 rpm, temp raw 0x80 (128) -> 88.
	signals, err := d.Decode(tp.CanMessage{ArbitrationID: 0x1A0, Data: []byte{0x40, 0x1F, 0x80, 0x00}})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if signals["rpm"] != 2000 {
		t.Errorf("rpm = %v, want 2000", signals["rpm"])
	}
	if signals["coolant_temp"] != 88 {
		t.Errorf("coolant_temp = %v, want 88", signals["coolant_temp"])
	}
}

func TestDecodeBigEndian(t *testing.T) {
	d, err := NewSignalDecoder([]MessageDef{{
		ID:      0x2B0,
		Signals: []SignalDef{{Name: "pressure", StartBit: 0, Length: 12, BigEndian: true}},
	}})
	if err != nil {
		t.Fatalf("NewSignalDecoder: %v", err)
	}

	// First 12 bits of AB C? -> 0xABC.
	signals, err := d.Decode(tp.CanMessage{ArbitrationID: 0x2B0, Data: []byte{0xAB, 0xC0}})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if signals["pressure"] != float64(0xABC) {
		t.Errorf("pressure = %v, want %d", signals["pressure"], 0xABC)
	}
}

func TestDecodeSigned(t *testing.T) {
	d, err := NewSignalDecoder([]MessageDef{{
		ID:      0x300,
		Signals: []SignalDef{{Name: "steering_angle", StartBit: 0, Length: 8, Signed: true}},
	}})
	if err != nil {
		t.Fatalf("NewSignalDecoder: %v", err)
	}

	signals, err := d.Decode(tp.CanMessage{ArbitrationID: 0x300, Data: []byte{0xFF}})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if signals["steering_angle"] != -1 {
		t.Errorf("steering_angle = %v, want -1", signals["steering_angle"])
	}
}

func TestDecodeNoDefinition(t *testing.T) {
	d, _ := NewSignalDecoder(nil)
	_, err := d.Decode(tp.CanMessage{ArbitrationID: 0x123, Data: []byte{0x00}})
	if !errors.Is(err, ErrNoDefinition) {
		t.Errorf("err = %v, want ErrNoDefinition", err)
	}
}

func TestDecodeShortPayload(t *testing.T) {
	d, _ := NewSignalDecoder([]MessageDef{{
		ID:      0x1A0,
		Signals: []SignalDef{{Name: "rpm", StartBit: 0, Length: 16}},
	}})
	if _, err := d.Decode(tp.CanMessage{ArbitrationID: 0x1A0, Data: []byte{0x01}}); err == nil {
		t.Error("signal past the payload decoded without error")
	}
}

func TestNewSignalDecoderValidation(t *testing.T) {
	cases := []SignalDef{
		{Name: "", StartBit: 0, Length: 8},
		{Name: "x", StartBit: 0, Length: 0},
		{Name: "x", StartBit: 60, Length: 8},
		{Name: "x", StartBit: -1, Length: 8},
	}
	for _, s := range cases {
		if _, err := NewSignalDecoder([]MessageDef{{ID: 1, Signals: []SignalDef{s}}}); err == nil {
			t.Errorf("definition %+v accepted", s)
		}
	}
}
