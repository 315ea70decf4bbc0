// Package forward delivers serialized frame records to external sinks with
// a bounded retry policy.
package forward

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"canmon"
	"canmon/serialize"
)

// Transport delivers one serialized record payload.
type Transport interface {
	Deliver(ctx context.Context, payload []byte, contentType string) error
	Close() error
}

// Forwarder serializes records and pushes them through a transport,
// retrying failed deliveries up to the configured budget.
type Forwarder struct {
	marshaler serialize.Marshaler
	transport Transport
	retries   int
	backoff   time.Duration
	log       canmon.Logger
}

// New builds a forwarder. retries is the number of re-deliveries after a
// failure; backoff is the pause between them.
func New(m serialize.Marshaler, t Transport, retries int, backoff time.Duration, log canmon.Logger) *Forwarder {
	if log == nil {
		log = canmon.NopLogger
	}
	return &Forwarder{marshaler: m, transport: t, retries: retries, backoff: backoff, log: log}
}

// Forward delivers one record. The last delivery error is surfaced once the
// retry budget is spent.
func (f *Forwarder) Forward(ctx context.Context, rec serialize.Record) error {
	payload, err := f.marshaler.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "serialize record")
	}

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			f.log.Debugf("retrying delivery of frame 0x%X (%d/%d)", rec.ID, attempt, f.retries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.backoff):
			}
		}
		if err := f.transport.Deliver(ctx, payload, f.marshaler.ContentType()); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return errors.Wrapf(lastErr, "delivery failed after %d attempts", f.retries+1)
}

// Close releases the underlying transport.
func (f *Forwarder) Close() error {
	return f.transport.Close()
}
