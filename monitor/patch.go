package monitor

import (
	"context"
	"time"

	"canmon/tp"
	"canmon/uds"
)

// Patch is a named one-shot diagnostic write applied at startup: a raw
// frame, or a full exchange when a response ID is configured.
type Patch struct {
	Name       string
	RequestID  uint32
	ResponseID uint32
	Payload    []byte
	Timeout    time.Duration
}

// ApplyPatches runs every configured patch and returns the number applied
// successfully. Patches with a response ID run as diagnostic exchanges
// through a temporary session registered with the router; the rest are
// written straight to the bus. Failures are logged and do not stop the
// remaining patches.
func (r *Router) ApplyPatches(ctx context.Context, w uds.FrameWriter, cfg tp.Config, patches []Patch) int {
	applied := 0
	for _, p := range patches {
		if err := r.applyPatch(ctx, w, cfg, p); err != nil {
			r.log.Warnf("patch %q failed: %v", p.Name, err)
			continue
		}
		r.log.Infof("patch %q applied", p.Name)
		applied++
	}
	return applied
}

func (r *Router) applyPatch(ctx context.Context, w uds.FrameWriter, cfg tp.Config, p Patch) error {
	if p.ResponseID == 0 {
		return w.Send(tp.CanMessage{
			ArbitrationID: p.RequestID,
			Data:          p.Payload,
			IsExtendedID:  p.RequestID > 0x7FF,
			Direction:     tp.DirectionTx,
			Timestamp:     time.Now(),
		})
	}

	mode := tp.Normal11bits
	if p.RequestID > 0x7FF || p.ResponseID > 0x7FF {
		mode = tp.Normal29bits
	}
	addr, err := tp.NewAddress(mode, p.RequestID, p.ResponseID)
	if err != nil {
		return err
	}
	if p.Timeout > 0 {
		cfg.Timeouts = tp.UniformTimeouts(p.Timeout)
	}
	sess, err := uds.NewSession(addr, cfg, w, uds.Options{Counters: r.counters, Logger: r.log})
	if err != nil {
		return err
	}
	r.Register(sess)
	defer r.Unregister(sess.ResponseID())

	_, err = sess.Request(ctx, p.Payload)
	return err
}
