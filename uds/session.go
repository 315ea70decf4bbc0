// Package uds runs diagnostic request/response exchanges over the ISO-TP
// transport and interprets read-DTC responses against the catalog.
package uds

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"canmon"
	"canmon/dtc"
	"canmon/metrics"
	"canmon/tp"
)

const (
	// rxBufferSize absorbs bursts between router delivery and the exchange
	// loop draining the channel.
	rxBufferSize = 64

	// responsePendingTimeout replaces the N_Cr wait after the ECU answers
	// with NRC 0x78.
	responsePendingTimeout = 5 * time.Second
)

// FrameWriter puts one frame on the bus.
type FrameWriter interface {
	Send(msg tp.CanMessage) error
}

// Alerter consumes alert records produced for alert-flagged trouble codes.
type Alerter interface {
	Alert(code, description string, severity dtc.Severity)
}

// Options carries the session's optional collaborators.
type Options struct {
	Catalog  *dtc.Catalog
	Alerter  Alerter
	Counters *metrics.Counters
	Logger   canmon.Logger
}

// Session owns at most one outstanding exchange on a (request ID, response
// ID) pair. Inbound frames are delivered by the router through HandleFrame;
// Request and Send multiplex them against the exchange timers so reception
// never stalls while pacing outbound frames.
type Session struct {
	codec    *tp.Codec
	cfg      tp.Config
	writer   FrameWriter
	log      canmon.Logger
	catalog  *dtc.Catalog
	alerter  Alerter
	counters *metrics.Counters

	rx   chan tp.CanMessage
	busy atomic.Bool
}

// NewSession builds a session over addr with the given transport
// configuration.
func NewSession(addr *tp.Address, cfg tp.Config, w FrameWriter, opts Options) (*Session, error) {
	if w == nil {
		return nil, errors.New("frame writer must not be nil")
	}
	codec, err := tp.NewCodec(addr, cfg)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = canmon.NopLogger
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = dtc.NewCatalog(nil)
	}
	return &Session{
		codec:    codec,
		cfg:      cfg,
		writer:   w,
		log:      logger,
		catalog:  catalog,
		alerter:  opts.Alerter,
		counters: opts.Counters,
		rx:       make(chan tp.CanMessage, rxBufferSize),
	}, nil
}

// ResponseID returns the arbitration ID this session listens on.
func (s *Session) ResponseID() uint32 {
	return s.codec.Address().RxArbitrationID()
}

// HandleFrame offers an inbound frame to the session. It returns false when
// the frame does not belong to this session's address pair. Never blocks;
// a frame arriving while the buffer is full is dropped with a warning.
func (s *Session) HandleFrame(msg tp.CanMessage) bool {
	if !s.codec.Address().IsForMe(msg) {
		return false
	}
	select {
	case s.rx <- msg:
	default:
		s.log.Warnf("dropping frame on ID 0x%X: session buffer full", msg.ArbitrationID)
	}
	return true
}

// Request sends payload and waits for the complete positive response. Failed
// attempts (flow control or consecutive frame timeouts) are retried up to
// the configured budget; negative responses, oversized payloads and a busy
// session are surfaced immediately.
func (s *Session) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("request payload must not be empty")
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	defer s.busy.Store(false)

	frames, err := s.codec.Encode(payload, tp.Physical)
	if err != nil {
		return nil, err
	}

	requestSID := payload[0]
	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			s.log.Debugf("retrying exchange (%d/%d), SID=0x%02X", attempt, s.cfg.Retries, requestSID)
			s.resetExchange()
		}
		resp, err := s.attempt(ctx, frames, requestSID)
		if err == nil {
			if requestSID == dtc.ServiceReadDTC {
				s.interpretDTCReport(resp)
			}
			return resp, nil
		}
		lastErr = err
		if !tp.IsTimeoutError(err) {
			return nil, err
		}
	}
	return nil, errors.Wrapf(lastErr, "exchange failed after %d attempts", s.cfg.Retries+1)
}

// Send transmits payload without waiting for a response. Multi-frame
// payloads still honor the peer's flow control; timeouts consume the retry
// budget exactly as in Request.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("payload must not be empty")
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	defer s.busy.Store(false)

	frames, err := s.codec.Encode(payload, tp.Physical)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			s.resetExchange()
		}
		if err := s.transmit(ctx, frames); err != nil {
			lastErr = err
			if !tp.IsTimeoutError(err) {
				return err
			}
			continue
		}
		return nil
	}
	return errors.Wrapf(lastErr, "send failed after %d attempts", s.cfg.Retries+1)
}

// resetExchange clears stale state between attempts: buffered frames from
// the failed attempt and any half-open reassembly context.
func (s *Session) resetExchange() {
	for {
		select {
		case <-s.rx:
		default:
			s.codec.Abort(s.ResponseID())
			return
		}
	}
}

func (s *Session) attempt(ctx context.Context, frames []tp.CanMessage, requestSID byte) ([]byte, error) {
	if err := s.transmit(ctx, frames); err != nil {
		return nil, err
	}
	return s.awaitResponse(ctx, requestSID)
}

// transmit sends the encoded frames, pausing for the peer's flow control
// after a first frame and between blocks.
func (s *Session) transmit(ctx context.Context, frames []tp.CanMessage) error {
	if err := s.writer.Send(frames[0]); err != nil {
		return errors.Wrap(err, "send frame")
	}
	if len(frames) == 1 {
		return nil
	}

	flow, separation, err := s.awaitFlowControl(ctx)
	if err != nil {
		return err
	}

	sentInBlock := 0
	for i, f := range frames[1:] {
		if i > 0 && separation > 0 {
			if err := s.pace(ctx, separation); err != nil {
				return err
			}
		}
		if err := s.writer.Send(f); err != nil {
			return errors.Wrap(err, "send frame")
		}
		sentInBlock++
		if flow.BlockSize > 0 && sentInBlock >= flow.BlockSize && i < len(frames[1:])-1 {
			flow, separation, err = s.awaitFlowControl(ctx)
			if err != nil {
				return err
			}
			sentInBlock = 0
		}
	}
	return nil
}

// awaitFlowControl waits up to N_Bs for a ContinueToSend from the peer. A
// Wait status restarts the clock; an Overflow aborts the exchange.
func (s *Session) awaitFlowControl(ctx context.Context) (tp.FlowControlParams, time.Duration, error) {
	timer := time.NewTimer(s.cfg.Timeouts.NBs)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return tp.FlowControlParams{}, 0, ctx.Err()
		case <-timer.C:
			return tp.FlowControlParams{}, 0, tp.FlowControlTimeoutError{}
		case msg := <-s.rx:
			ev := s.codec.OnFrame(msg)
			switch ev.Type {
			case tp.EventFlowControl:
				switch ev.FlowStatus {
				case tp.FlowStatusContinueToSend:
					return ev.Flow, ev.Separation, nil
				case tp.FlowStatusWait:
					resetTimer(timer, s.cfg.Timeouts.NBs)
				case tp.FlowStatusOverflow:
					return tp.FlowControlParams{}, 0, tp.OverflowError{}
				}
			case tp.EventProtocolError:
				s.noteProtocolError(ev.Err)
			}
		}
	}
}

// pace sleeps for the separation time while still consuming inbound frames,
// so a Wait or error arriving mid-pause is not lost.
func (s *Session) pace(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case msg := <-s.rx:
			if ev := s.codec.OnFrame(msg); ev.Type == tp.EventProtocolError {
				s.noteProtocolError(ev.Err)
			}
		}
	}
}

// awaitResponse drives reception until a complete positive response, a
// terminal negative response, or an N_Cr timeout. NRC 0x78 extends the wait.
func (s *Session) awaitResponse(ctx context.Context, requestSID byte) ([]byte, error) {
	timer := time.NewTimer(s.cfg.Timeouts.NCr)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			s.codec.Abort(s.ResponseID())
			return nil, tp.ConsecutiveFrameTimeoutError{}
		case msg := <-s.rx:
			ev := s.codec.OnFrame(msg)
			switch ev.Type {
			case tp.EventSendFlowControl:
				if err := s.writer.Send(s.codec.MakeFlowControl(ev.FlowStatus)); err != nil {
					return nil, errors.Wrap(err, "send flow control")
				}
				if ev.Err != nil {
					s.noteProtocolError(ev.Err)
				}
				resetTimer(timer, s.cfg.Timeouts.NCr)

			case tp.EventIncomplete:
				if s.codec.HasContext(s.ResponseID()) {
					resetTimer(timer, s.cfg.Timeouts.NCr)
				}

			case tp.EventComplete:
				payload := ev.Payload
				if len(payload) >= 3 && payload[0] == 0x7F {
					if payload[2] == NRCResponsePending {
						s.log.Debugf("response pending (SID=0x%02X), extending wait", payload[1])
						resetTimer(timer, responsePendingTimeout)
						continue
					}
					return nil, &NegativeResponseError{Service: payload[1], NRC: payload[2]}
				}
				if payload[0] != requestSID+0x40 {
					return nil, &UnexpectedResponseError{Want: requestSID + 0x40, Got: payload[0]}
				}
				return payload, nil

			case tp.EventProtocolError:
				s.noteProtocolError(ev.Err)
			}
		}
	}
}

// interpretDTCReport logs every reported trouble code and raises alerts for
// the ones the catalog flags.
func (s *Session) interpretDTCReport(payload []byte) {
	report, err := dtc.ParseReport(payload)
	if err != nil {
		s.noteProtocolError(err)
		return
	}
	for _, rec := range report.Records {
		code := rec.Code.String()
		entry := s.catalog.Lookup(code)
		if entry.Known {
			s.log.Infof("DTC %s: %s (severity %s)", code, entry.Description, entry.Severity)
		} else {
			s.log.Infof("DTC %s (no catalog entry)", code)
		}
		if s.catalog.Classify(entry) {
			s.log.Warnf("*** ALERT: Critical DTC %s detected", code)
			if s.alerter != nil {
				s.alerter.Alert(code, entry.Description, entry.Severity)
			}
		}
	}
}

func (s *Session) noteProtocolError(err error) {
	if s.counters != nil {
		s.counters.IncDecodingFailures()
	}
	s.log.Warnf("protocol error on ID 0x%X: %v", s.ResponseID(), err)
}

// resetTimer safely rearms a timer that may have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
