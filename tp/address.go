package tp

import "fmt"

// AddressingMode selects how arbitration IDs and payload prefixes are built.
type AddressingMode uint32

const (
	Normal11bits AddressingMode = iota
	Normal29bits
	Extended11bits
	NormalFixed29bits
)

// TargetType distinguishes point-to-point requests from broadcasts.
type TargetType uint32

const (
	Physical TargetType = iota
	Functional
)

const (
	normalFixedPhysicalBase   = 0x18DA0000
	normalFixedFunctionalBase = 0x18DB0000
)

// Address describes one (request ID, response ID) pairing on the bus.
type Address struct {
	Mode AddressingMode

	TxID uint32
	RxID uint32

	// TargetAddress/SourceAddress build the 0x18DAttss arbitration IDs of
	// NormalFixed29bits mode. TargetAddress doubles as the payload prefix
	// byte in Extended11bits mode.
	TargetAddress byte
	SourceAddress byte

	// AddressExtension is the extension byte prefixed to every payload in
	// Extended11bits mode, on both directions.
	AddressExtension byte

	is29         bool
	txPrefix     []byte
	rxPrefixSize int
}

// NewAddress builds a normal (11- or 29-bit) address with explicit request
// and response arbitration IDs.
func NewAddress(mode AddressingMode, txID, rxID uint32) (*Address, error) {
	a := &Address{Mode: mode, TxID: txID, RxID: rxID}
	return a, a.init()
}

// NewExtendedAddress builds an 11-bit address whose payloads carry a leading
// address extension byte.
func NewExtendedAddress(txID, rxID uint32, extension byte) (*Address, error) {
	a := &Address{Mode: Extended11bits, TxID: txID, RxID: rxID, AddressExtension: extension}
	return a, a.init()
}

// NewFixedAddress builds a NormalFixed 29-bit address from the source and
// target node addresses (arbitration IDs 0x18DAttss / 0x18DBttss).
func NewFixedAddress(source, target byte) (*Address, error) {
	a := &Address{Mode: NormalFixed29bits, SourceAddress: source, TargetAddress: target}
	return a, a.init()
}

func (a *Address) init() error {
	switch a.Mode {
	case Normal11bits, Extended11bits:
		if a.TxID > 0x7FF || a.RxID > 0x7FF {
			return fmt.Errorf("arbitration IDs must be at most 0x7FF for 11-bit identifiers")
		}
	case Normal29bits:
		a.is29 = true
		if a.TxID > 0x1FFFFFFF || a.RxID > 0x1FFFFFFF {
			return fmt.Errorf("arbitration IDs must be at most 0x1FFFFFFF for 29-bit identifiers")
		}
	case NormalFixed29bits:
		a.is29 = true
		if a.SourceAddress == 0 && a.TargetAddress == 0 {
			return fmt.Errorf("source and target addresses must be specified for normal fixed addressing")
		}
		a.TxID = normalFixedPhysicalBase | uint32(a.TargetAddress)<<8 | uint32(a.SourceAddress)
		a.RxID = normalFixedPhysicalBase | uint32(a.SourceAddress)<<8 | uint32(a.TargetAddress)
	default:
		return fmt.Errorf("unsupported addressing mode %d", a.Mode)
	}

	if a.Mode != NormalFixed29bits {
		if a.TxID == a.RxID {
			return fmt.Errorf("request and response IDs must be different")
		}
	}
	if a.Mode == Extended11bits {
		a.txPrefix = []byte{a.AddressExtension}
		a.rxPrefixSize = 1
	}
	return nil
}

// TxArbitrationID returns the arbitration ID used for outgoing frames.
func (a *Address) TxArbitrationID(t TargetType) uint32 {
	if a.Mode == NormalFixed29bits && t == Functional {
		return normalFixedFunctionalBase | uint32(a.TargetAddress)<<8 | uint32(a.SourceAddress)
	}
	return a.TxID
}

// RxArbitrationID returns the arbitration ID responses are expected on.
func (a *Address) RxArbitrationID() uint32 {
	return a.RxID
}

// Is29Bit reports whether frames use extended identifiers.
func (a *Address) Is29Bit() bool {
	return a.is29
}

// TxPayloadPrefix returns the addressing bytes prepended to every outgoing
// payload.
func (a *Address) TxPayloadPrefix() []byte {
	return a.txPrefix
}

// RxPrefixSize returns the number of addressing bytes preceding the PCI in
// incoming frames.
func (a *Address) RxPrefixSize() int {
	return a.rxPrefixSize
}

// IsForMe reports whether an incoming message belongs to this address pair.
func (a *Address) IsForMe(msg CanMessage) bool {
	if msg.IsError || msg.IsExtendedID != a.is29 {
		return false
	}
	if msg.ArbitrationID != a.RxID {
		return false
	}
	if a.Mode == Extended11bits {
		return len(msg.Data) > 0 && msg.Data[0] == a.AddressExtension
	}
	return true
}
