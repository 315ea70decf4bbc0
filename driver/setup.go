package driver

import (
	"context"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"

	"canmon"
)

// CommandRunner executes one system command. Abstracted so interface
// bring-up is testable without touching the host network stack.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", name, string(out))
	}
	return nil
}

// Setup configures a SocketCAN network interface and restarts it after
// bus-off events.
type Setup struct {
	iface      string
	bitrate    int
	listenOnly bool
	runner     CommandRunner
	log        canmon.Logger
}

func NewSetup(iface string, bitrate int, listenOnly bool, log canmon.Logger) *Setup {
	if log == nil {
		log = canmon.NopLogger
	}
	return &Setup{iface: iface, bitrate: bitrate, listenOnly: listenOnly, runner: execRunner{}, log: log}
}

// BringUp loads the CAN modules and cycles the interface down and back up
// with the configured bitrate.
func (s *Setup) BringUp(ctx context.Context) error {
	if err := s.runner.Run(ctx, "modprobe", "can"); err != nil {
		return errors.Wrap(err, "load can module")
	}
	if err := s.runner.Run(ctx, "ip", "link", "set", s.iface, "down"); err != nil {
		return errors.Wrapf(err, "bring %s down", s.iface)
	}
	args := []string{"link", "set", s.iface, "up", "type", "can", "bitrate", strconv.Itoa(s.bitrate), "restart-ms", "100"}
	if s.listenOnly {
		args = append(args, "listen-only", "on")
	}
	if err := s.runner.Run(ctx, "ip", args...); err != nil {
		return errors.Wrapf(err, "bring %s up", s.iface)
	}
	s.log.Infof("interface %s up at %d bit/s", s.iface, s.bitrate)
	return nil
}

// Restart re-runs the bring-up sequence. Satisfies the router's restarter
// collaborator.
func (s *Setup) Restart(ctx context.Context) error {
	s.log.Infof("restarting interface %s", s.iface)
	return s.BringUp(ctx)
}
