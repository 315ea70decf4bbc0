// Package serialize renders observed frames as records for the forwarding
// pipeline.
package serialize

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"canmon/tp"
)

// Record is one observed frame with its optional decoded signals. Signals is
// nil when the frame had no decodable content.
type Record struct {
	ID        uint32             `json:"id" cbor:"id"`
	Timestamp time.Time          `json:"timestamp" cbor:"timestamp"`
	Raw       string             `json:"raw_bytes" cbor:"raw_bytes"`
	Signals   map[string]float64 `json:"signals" cbor:"signals"`
}

// NewRecord builds a record from a frame and its decoded signals.
func NewRecord(msg tp.CanMessage, signals map[string]float64) Record {
	return Record{
		ID:        msg.ArbitrationID,
		Timestamp: msg.Timestamp,
		Raw:       hex.EncodeToString(msg.Data),
		Signals:   signals,
	}
}

// Marshaler renders records in one output format.
type Marshaler interface {
	Marshal(rec Record) ([]byte, error)
	ContentType() string
}

// New returns the marshaler for a configured format name.
func New(format string) (Marshaler, error) {
	switch format {
	case "", "json":
		return jsonMarshaler{}, nil
	case "csv":
		return csvMarshaler{}, nil
	case "cbor":
		return cborMarshaler{}, nil
	default:
		return nil, errors.Errorf("unknown serialization format %q", format)
	}
}

type jsonMarshaler struct{}

func (jsonMarshaler) Marshal(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func (jsonMarshaler) ContentType() string { return "application/json" }

type csvMarshaler struct{}

// Marshal renders one CSV line: id, RFC3339 timestamp, hex payload, then
// name=value signal pairs in name order.
func (csvMarshaler) Marshal(rec Record) ([]byte, error) {
	fields := []string{
		fmt.Sprintf("0x%X", rec.ID),
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.Raw,
	}
	names := make([]string, 0, len(rec.Signals))
	for name := range rec.Signals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, name+"="+strconv.FormatFloat(rec.Signals[name], 'g', -1, 64))
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return nil, errors.Wrap(err, "write CSV record")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "flush CSV record")
	}
	return buf.Bytes(), nil
}

func (csvMarshaler) ContentType() string { return "text/csv" }

type cborMarshaler struct{}

func (cborMarshaler) Marshal(rec Record) ([]byte, error) {
	return cbor.Marshal(rec)
}

func (cborMarshaler) ContentType() string { return "application/cbor" }
