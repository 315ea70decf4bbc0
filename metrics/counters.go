// Package metrics holds the process-wide monitoring counters and their
// output sinks.
package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Counters are the monotonically increasing monitoring counters. Increments
// are atomic; readers get an eventually consistent snapshot.
type Counters struct {
	busErrors        atomic.Uint64
	restarts         atomic.Uint64
	decodingFailures atomic.Uint64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) IncBusErrors()        { c.busErrors.Add(1) }
func (c *Counters) IncRestarts()         { c.restarts.Add(1) }
func (c *Counters) IncDecodingFailures() { c.decodingFailures.Add(1) }

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	BusErrors        uint64 `json:"bus_errors"`
	Restarts         uint64 `json:"restarts"`
	DecodingFailures uint64 `json:"decoding_failures"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BusErrors:        c.busErrors.Load(),
		Restarts:         c.restarts.Load(),
		DecodingFailures: c.decodingFailures.Load(),
	}
}

// WriteFile rewrites path with the current snapshot as JSON.
func (c *Counters) WriteFile(path string) error {
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal counters")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrap(err, "write counters file")
	}
	return nil
}

// Handler serves the current snapshot as JSON.
func (c *Counters) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	})
}
