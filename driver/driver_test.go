package driver

import (
	"bytes"
	"context"
	"testing"
	"time"

	"canmon/tp"
)

func TestVirtualBusDelivery(t *testing.T) {
	bus := NewVirtualBus()
	a := bus.Endpoint()
	b := bus.Endpoint()
	if err := a.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	msg := tp.CanMessage{ArbitrationID: 0x7E0, Data: []byte{0x02, 0x3E, 0x00}}
	if err := a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-b.Frames():
		if got.ArbitrationID != 0x7E0 || !bytes.Equal(got.Data, msg.Data) {
			t.Errorf("received = %+v", got)
		}
		if got.Direction != tp.DirectionRx {
			t.Error("delivered frame not marked as received")
		}
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	// The sender must not hear its own frame.
	select {
	case got := <-a.Frames():
		t.Errorf("sender received its own frame: %+v", got)
	default:
	}
}

func TestVirtualBusInjectError(t *testing.T) {
	bus := NewVirtualBus()
	ep := bus.Endpoint()
	if err := ep.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	bus.InjectError(tp.ErrClassBusOff)
	select {
	case got := <-ep.Frames():
		if !got.IsError || !got.IsBusOff() {
			t.Errorf("error event = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("error event not delivered")
	}
}

func TestVirtualDriverClosedSend(t *testing.T) {
	bus := NewVirtualBus()
	ep := bus.Endpoint()
	if err := ep.Send(tp.CanMessage{}); err == nil {
		t.Error("send on a closed driver succeeded")
	}
}

func TestEncodeSLCANFrame(t *testing.T) {
	line, err := encodeSLCANFrame(tp.CanMessage{ArbitrationID: 0x7E0, Data: []byte{0x02, 0x3E, 0x00}})
	if err != nil {
		t.Fatalf("encodeSLCANFrame: %v", err)
	}
	if line != "t7E03023E00\r" {
		t.Errorf("line = %q", line)
	}

	line, err = encodeSLCANFrame(tp.CanMessage{ArbitrationID: 0x18DA10F1, Data: []byte{0x01}, IsExtendedID: true})
	if err != nil {
		t.Fatalf("encodeSLCANFrame: %v", err)
	}
	if line != "T18DA10F1101\r" {
		t.Errorf("line = %q", line)
	}

	if _, err := encodeSLCANFrame(tp.CanMessage{Data: make([]byte, 9)}); err == nil {
		t.Error("9-byte payload accepted")
	}
}

func TestParseSLCANLine(t *testing.T) {
	msg, ok := parseSLCANLine("t7E83025000")
	if !ok {
		t.Fatal("valid line rejected")
	}
	if msg.ArbitrationID != 0x7E8 || !bytes.Equal(msg.Data, []byte{0x02, 0x50, 0x00}) {
		t.Errorf("msg = %+v", msg)
	}

	msg, ok = parseSLCANLine("T18DAF11022AB0")
	if !ok {
		t.Fatal("valid extended line rejected")
	}
	if !msg.IsExtendedID || msg.ArbitrationID != 0x18DAF110 {
		t.Errorf("msg = %+v", msg)
	}
	if !bytes.Equal(msg.Data, []byte{0x2A, 0xB0}) {
		t.Errorf("data = % X", msg.Data)
	}

	for _, bad := range []string{"", "z123", "t7E8", "t7E89", "OK"} {
		if _, ok := parseSLCANLine(bad); ok {
			t.Errorf("line %q accepted", bad)
		}
	}
}

type recordingRunner struct {
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.err
}

func TestSetupBringUp(t *testing.T) {
	runner := &recordingRunner{}
	s := NewSetup("can0", 500000, false, nil)
	s.runner = runner

	if err := s.BringUp(context.Background()); err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	if len(runner.calls) != 3 {
		t.Fatalf("command count = %d, want 3", len(runner.calls))
	}
	if runner.calls[0][0] != "modprobe" {
		t.Errorf("first command = %v, want modprobe", runner.calls[0])
	}
	down := runner.calls[1]
	if down[0] != "ip" || down[4] != "down" {
		t.Errorf("down command = %v", down)
	}
	up := runner.calls[2]
	if !contains(up, "bitrate") || !contains(up, "500000") {
		t.Errorf("up command = %v", up)
	}
	if contains(up, "listen-only") {
		t.Errorf("listen-only set without being requested: %v", up)
	}
}

func TestSetupBringUpListenOnly(t *testing.T) {
	runner := &recordingRunner{}
	s := NewSetup("can0", 500000, true, nil)
	s.runner = runner

	if err := s.BringUp(context.Background()); err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	up := runner.calls[len(runner.calls)-1]
	if !contains(up, "listen-only") {
		t.Errorf("up command = %v, want listen-only", up)
	}
}

func TestSetupRestartPropagatesFailure(t *testing.T) {
	runner := &recordingRunner{err: context.DeadlineExceeded}
	s := NewSetup("can0", 250000, false, nil)
	s.runner = runner
	if err := s.Restart(context.Background()); err == nil {
		t.Error("failed bring-up reported success")
	}
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
