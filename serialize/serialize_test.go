package serialize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"canmon/tp"
)

func testRecord() Record {
	return NewRecord(tp.CanMessage{
		ArbitrationID: 0x1A0,
		Data:          []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}, map[string]float64{"rpm": 2150, "coolant_temp": 88.5})
}

func TestNewRecord(t *testing.T) {
	rec := testRecord()
	if rec.ID != 0x1A0 {
		t.Errorf("id = %X", rec.ID)
	}
	if rec.Raw != "deadbeef" {
		t.Errorf("raw = %q", rec.Raw)
	}
}

func TestJSONMarshal(t *testing.T) {
	m, err := New("json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := m.Marshal(testRecord())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["raw_bytes"] != "deadbeef" {
		t.Errorf("raw_bytes = %v", got["raw_bytes"])
	}
	signals, ok := got["signals"].(map[string]interface{})
	if !ok || signals["rpm"] != 2150.0 {
		t.Errorf("signals = %v", got["signals"])
	}
}

func TestJSONMarshalNilSignals(t *testing.T) {
	m, _ := New("json")
	data, err := m.Marshal(NewRecord(tp.CanMessage{ArbitrationID: 1}, nil))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"signals":null`) {
		t.Errorf("undecoded record should carry null signals: %s", data)
	}
}

func TestCSVMarshal(t *testing.T) {
	m, err := New("csv")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := m.Marshal(testRecord())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	line := strings.TrimSpace(string(data))
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		t.Fatalf("field count = %d: %q", len(fields), line)
	}
	if fields[0] != "0x1A0" || fields[2] != "deadbeef" {
		t.Errorf("fields = %v", fields)
	}
	// Signals come in name order.
	if fields[3] != "coolant_temp=88.5" || fields[4] != "rpm=2150" {
		t.Errorf("signal fields = %v", fields[3:])
	}
}

func TestCBORMarshalRoundTrip(t *testing.T) {
	m, err := New("cbor")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := testRecord()
	data, err := m.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Record
	if err := cbor.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != rec.ID || got.Raw != rec.Raw {
		t.Errorf("round trip = %+v", got)
	}
	if got.Signals["rpm"] != 2150 {
		t.Errorf("signals = %v", got.Signals)
	}
}

func TestNewUnknownFormat(t *testing.T) {
	if _, err := New("xml"); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestContentTypes(t *testing.T) {
	cases := map[string]string{
		"json": "application/json",
		"csv":  "text/csv",
		"cbor": "application/cbor",
	}
	for format, want := range cases {
		m, err := New(format)
		if err != nil {
			t.Fatalf("New(%s): %v", format, err)
		}
		if got := m.ContentType(); got != want {
			t.Errorf("ContentType(%s) = %q, want %q", format, got, want)
		}
	}
}
