// Package dtc holds the diagnostic trouble code catalog and the decoding of
// read-DTC service responses.
package dtc

import (
	"fmt"
	"strings"
)

// Severity is the ordered scale attached to a catalog entry. It is
// informational only; whether an entry alerts is decided by its Alert flag.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// ParseSeverity parses a configuration severity string, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return SeverityInfo, nil
	case "WARNING", "WARN":
		return SeverityWarning, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

// Code is a 2-byte diagnostic trouble code as carried on the wire.
type Code uint16

var systemLetters = [4]byte{'P', 'C', 'B', 'U'}

// String renders the code in the conventional form: a system letter from the
// top two bits, then four hex digits from the remaining fourteen.
func (c Code) String() string {
	return fmt.Sprintf("%c%d%X%02X",
		systemLetters[c>>14],
		uint16(c>>12)&0x3,
		uint16(c>>8)&0xF,
		byte(c))
}

// Entry is one catalog row. Known is false for codes absent from the
// catalog; such entries carry only the code itself.
type Entry struct {
	Code        string
	Description string
	Severity    Severity
	Alert       bool
	Component   string
	Known       bool
}

// Catalog is an immutable lookup table built once at startup.
type Catalog struct {
	entries map[string]Entry
}

// NewCatalog builds a catalog from entries keyed by code string. The keys
// win over any Code field inside the values.
func NewCatalog(entries map[string]Entry) *Catalog {
	m := make(map[string]Entry, len(entries))
	for code, e := range entries {
		code = strings.ToUpper(strings.TrimSpace(code))
		e.Code = code
		e.Known = true
		m[code] = e
	}
	return &Catalog{entries: m}
}

// Lookup returns the entry for code. Unknown codes yield a pass-through
// entry with Known=false rather than an error.
func (c *Catalog) Lookup(code string) Entry {
	if e, ok := c.entries[code]; ok {
		return e
	}
	return Entry{Code: code}
}

// Classify reports whether an entry should raise an alert. Only the Alert
// flag decides; a critical entry marked non-alerting stays quiet.
func (c *Catalog) Classify(e Entry) bool {
	return e.Known && e.Alert
}

// Len returns the number of catalogued codes.
func (c *Catalog) Len() int {
	return len(c.entries)
}
