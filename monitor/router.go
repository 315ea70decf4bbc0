// Package monitor runs the steady-state loop consuming frames from the bus
// and dispatching them to the diagnostic session, the signal decoder and the
// forwarding pipeline.
package monitor

import (
	"context"
	"sync"

	"canmon"
	"canmon/metrics"
	"canmon/serialize"
	"canmon/tp"
	"canmon/uds"
)

// Decoder turns a non-diagnostic frame into named signal values.
type Decoder interface {
	Decode(msg tp.CanMessage) (map[string]float64, error)
}

// Forwarder delivers one serialized frame record to an external sink. Its
// retry policy is its own; a final failure is only logged here.
type Forwarder interface {
	Forward(ctx context.Context, rec serialize.Record) error
}

// Restarter brings the bus interface back up after the controller dropped
// off the bus.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Router is the frame dispatch loop. Frames on a registered diagnostic
// response ID go to the owning session; everything else goes through the
// decoder and, when configured, the forwarder. Bus error events update the
// counters and drive interface restarts.
type Router struct {
	mu       sync.RWMutex
	sessions map[uint32]*uds.Session

	decoder   Decoder
	forwarder Forwarder
	restarter Restarter
	counters  *metrics.Counters
	log       canmon.Logger
}

// Config carries the router's collaborators. Decoder, Forwarder and
// Restarter may be nil; Counters and Logger default to fresh/nop instances.
type Config struct {
	Decoder   Decoder
	Forwarder Forwarder
	Restarter Restarter
	Counters  *metrics.Counters
	Logger    canmon.Logger
}

func NewRouter(cfg Config) *Router {
	counters := cfg.Counters
	if counters == nil {
		counters = metrics.NewCounters()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = canmon.NopLogger
	}
	return &Router{
		sessions:  make(map[uint32]*uds.Session),
		decoder:   cfg.Decoder,
		forwarder: cfg.Forwarder,
		restarter: cfg.Restarter,
		counters:  counters,
		log:       logger,
	}
}

// Register routes frames on the session's response ID to it. A session
// already registered for that ID is replaced.
func (r *Router) Register(sess *uds.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ResponseID()] = sess
}

// Unregister stops routing the given response ID.
func (r *Router) Unregister(responseID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, responseID)
}

// Counters exposes the router's counter set.
func (r *Router) Counters() *metrics.Counters {
	return r.counters
}

// Run consumes frames until ctx is cancelled or the channel closes. No
// single frame's failure stops the loop.
func (r *Router) Run(ctx context.Context, frames <-chan tp.CanMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-frames:
			if !ok {
				return nil
			}
			r.handleFrame(ctx, msg)
		}
	}
}

func (r *Router) handleFrame(ctx context.Context, msg tp.CanMessage) {
	if msg.IsError {
		r.handleErrorFrame(ctx, msg)
		return
	}

	r.mu.RLock()
	sess := r.sessions[msg.ArbitrationID]
	r.mu.RUnlock()
	if sess != nil && sess.HandleFrame(msg) {
		return
	}

	r.handleGenericFrame(ctx, msg)
}

func (r *Router) handleErrorFrame(ctx context.Context, msg tp.CanMessage) {
	r.counters.IncBusErrors()
	r.log.Warnf("bus error frame: class 0x%X", msg.ErrorClass)

	if !msg.IsBusOff() {
		return
	}
	r.counters.IncRestarts()
	if r.restarter == nil {
		r.log.Warnf("controller went bus-off and no restarter is configured")
		return
	}
	r.log.Infof("controller went bus-off, restarting interface")
	if err := r.restarter.Restart(ctx); err != nil {
		r.log.Warnf("interface restart failed: %v", err)
	}
}

func (r *Router) handleGenericFrame(ctx context.Context, msg tp.CanMessage) {
	var signals map[string]float64
	if r.decoder != nil {
		decoded, err := r.decoder.Decode(msg)
		if err != nil {
			r.counters.IncDecodingFailures()
			r.log.Warnf("cannot decode frame %s: %v", msg.String(), err)
		} else {
			signals = decoded
			r.log.Debugf("decoded %s: %v", msg.String(), decoded)
		}
	}

	if r.forwarder == nil {
		return
	}
	rec := serialize.NewRecord(msg, signals)
	if err := r.forwarder.Forward(ctx, rec); err != nil {
		r.log.Warnf("forwarding frame 0x%X failed: %v", msg.ArbitrationID, err)
	}
}
