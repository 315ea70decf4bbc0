package driver

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"canmon/tp"
)

// VirtualBus is an in-memory CAN bus: every frame sent on one endpoint is
// delivered to all other endpoints. Used by the loopback mode and by tests.
type VirtualBus struct {
	mu        sync.Mutex
	endpoints []*VirtualDriver
}

func NewVirtualBus() *VirtualBus {
	return &VirtualBus{}
}

// Endpoint attaches a new driver to the bus.
func (b *VirtualBus) Endpoint() *VirtualDriver {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := &VirtualDriver{bus: b, frames: make(chan tp.CanMessage, rxBufferSize)}
	b.endpoints = append(b.endpoints, d)
	return d
}

// InjectError delivers a bus error event to every endpoint.
func (b *VirtualBus) InjectError(class uint32) {
	b.broadcast(nil, tp.CanMessage{
		IsError:    true,
		ErrorClass: class,
		Direction:  tp.DirectionRx,
		Timestamp:  time.Now(),
	})
}

func (b *VirtualBus) broadcast(from *VirtualDriver, msg tp.CanMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range b.endpoints {
		if ep == from {
			continue
		}
		ep.deliver(msg)
	}
}

// VirtualDriver is one endpoint on a VirtualBus.
type VirtualDriver struct {
	bus *VirtualBus

	mu     sync.Mutex
	open   bool
	frames chan tp.CanMessage
}

func (d *VirtualDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return errors.New("driver already open")
	}
	d.open = true
	return nil
}

func (d *VirtualDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *VirtualDriver) Frames() <-chan tp.CanMessage {
	return d.frames
}

func (d *VirtualDriver) Send(msg tp.CanMessage) error {
	d.mu.Lock()
	open := d.open
	d.mu.Unlock()
	if !open {
		return errors.New("driver is closed")
	}
	delivered := msg
	delivered.Direction = tp.DirectionRx
	delivered.Timestamp = time.Now()
	d.bus.broadcast(d, delivered)
	return nil
}

func (d *VirtualDriver) deliver(msg tp.CanMessage) {
	d.mu.Lock()
	open := d.open
	d.mu.Unlock()
	if !open {
		return
	}
	select {
	case d.frames <- msg:
	default:
	}
}
