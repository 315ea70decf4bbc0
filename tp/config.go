package tp

import (
	"fmt"
	"time"
)

// FlowControlParams are the parameters advertised in a flow control frame:
// how many consecutive frames the peer may send before waiting for the next
// FC (0 = unlimited), and the minimum separation time between them.
type FlowControlParams struct {
	BlockSize int
	StMin     byte
}

// Separation returns the minimum inter-frame gap encoded by StMin.
func (p FlowControlParams) Separation() (time.Duration, error) {
	return DecodeStMin(p.StMin)
}

// Timeouts holds the two ISO-TP timing parameters relevant on the requester
// side: N_Bs bounds the wait for a flow control frame after sending a first
// frame, N_Cr bounds the wait for each consecutive frame of a response.
type Timeouts struct {
	NBs time.Duration
	NCr time.Duration
}

// UniformTimeouts fills both timeouts from a single duration.
func UniformTimeouts(d time.Duration) Timeouts {
	return Timeouts{NBs: d, NCr: d}
}

// Config defines the configuration of the transport codec and of exchanges
// running on top of it.
type Config struct {
	// FlowControl is advertised to the peer when this side is the receiver
	// of a multi-frame transfer.
	FlowControl FlowControlParams

	Timeouts Timeouts

	// Retries is the number of re-attempts after a failed exchange. The
	// total attempt count is Retries+1.
	Retries int

	// MaxFrameSize caps accepted incoming transfers. Larger first frames are
	// answered with an overflow flow control.
	MaxFrameSize int

	// PaddingByte fills transmitted frames up to 8 bytes.
	PaddingByte byte
}

// DefaultConfig returns the ISO 15765-2 recommended defaults.
func DefaultConfig() Config {
	return Config{
		FlowControl:  FlowControlParams{BlockSize: 0, StMin: 0},
		Timeouts:     UniformTimeouts(1000 * time.Millisecond),
		Retries:      3,
		MaxFrameSize: MaxPayloadSize,
		PaddingByte:  0x00,
	}
}

// Validate checks the configuration parameters.
func (c *Config) Validate() error {
	if c.Timeouts.NBs <= 0 || c.Timeouts.NCr <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.FlowControl.BlockSize < 0 || c.FlowControl.BlockSize > 0xFF {
		return fmt.Errorf("block size must be between 0x00 and 0xFF")
	}
	if _, err := c.FlowControl.Separation(); err != nil {
		return fmt.Errorf("flow control STmin: %v", err)
	}
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > MaxPayloadSize {
		return fmt.Errorf("max frame size must be between 1 and %d", MaxPayloadSize)
	}
	return nil
}
