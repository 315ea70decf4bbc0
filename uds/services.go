package uds

import (
	"context"
	"crypto/aes"
	"encoding/hex"
	"strings"

	"github.com/chmike/cmac-go"
	"github.com/pkg/errors"

	"canmon/dtc"
)

// Service identifiers.
const (
	ServiceDiagnosticSessionControl = 0x10
	ServiceSecurityAccess           = 0x27
	ServiceTesterPresent            = 0x3E
	ServiceRequestDownload          = 0x34
	ServiceTransferData             = 0x36
	ServiceRequestTransferExit      = 0x37
)

// Diagnostic session types for service 0x10.
const (
	SessionDefault     = 0x01
	SessionProgramming = 0x02
	SessionExtended    = 0x03
)

// ChangeSession switches the ECU's diagnostic session.
func (s *Session) ChangeSession(ctx context.Context, session byte) error {
	_, err := s.Request(ctx, []byte{ServiceDiagnosticSessionControl, session})
	return err
}

// TesterPresent keeps the current non-default session alive.
func (s *Session) TesterPresent(ctx context.Context) error {
	_, err := s.Request(ctx, []byte{ServiceTesterPresent, 0x00})
	return err
}

// ReadDTCByStatusMask runs the reportDTCByStatusMask request and returns the
// parsed report. Logging and alerting of the individual codes happens as
// part of the exchange itself.
func (s *Session) ReadDTCByStatusMask(ctx context.Context, mask byte) (*dtc.Report, error) {
	resp, err := s.Request(ctx, []byte{dtc.ServiceReadDTC, dtc.SubReportByStatusMask, mask})
	if err != nil {
		return nil, err
	}
	return dtc.ParseReport(resp)
}

// KeyFunc derives the security access key from the ECU's seed.
type KeyFunc func(seed []byte) ([]byte, error)

// InvertKey is the simplest seed-to-key transform: bitwise inversion of
// every seed byte.
func InvertKey(seed []byte) ([]byte, error) {
	key := make([]byte, len(seed))
	for i, b := range seed {
		key[i] = ^b
	}
	return key, nil
}

// CMACKey derives the key as the AES-CMAC of the seed under a shared secret.
func CMACKey(secret []byte) KeyFunc {
	return func(seed []byte) ([]byte, error) {
		cm, err := cmac.New(aes.NewCipher, secret)
		if err != nil {
			return nil, errors.Wrap(err, "init CMAC")
		}
		cm.Write(seed)
		return cm.Sum(nil), nil
	}
}

// ParseKeyFunc builds a KeyFunc from its configuration form: "invert" or
// "cmac:<hex secret>".
func ParseKeyFunc(spec string) (KeyFunc, error) {
	switch {
	case spec == "" || spec == "invert":
		return InvertKey, nil
	case strings.HasPrefix(spec, "cmac:"):
		secret, err := hex.DecodeString(strings.TrimPrefix(spec, "cmac:"))
		if err != nil {
			return nil, errors.Wrap(err, "decode CMAC secret")
		}
		return CMACKey(secret), nil
	default:
		return nil, errors.Errorf("unknown key derivation %q", spec)
	}
}

// SecurityAccess unlocks the given security level: requests a seed with the
// odd sub-function, derives the key and sends it back with the even one. A
// zero seed means the level is already unlocked.
func (s *Session) SecurityAccess(ctx context.Context, level byte, kf KeyFunc) error {
	if level%2 == 0 {
		return errors.Errorf("security access level must be odd, got 0x%02X", level)
	}
	if kf == nil {
		kf = InvertKey
	}

	resp, err := s.Request(ctx, []byte{ServiceSecurityAccess, level})
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return errors.Errorf("seed response too short: %d bytes", len(resp))
	}
	seed := resp[2:]
	if allZero(seed) {
		s.log.Debugf("security level 0x%02X already unlocked", level)
		return nil
	}

	key, err := kf(seed)
	if err != nil {
		return errors.Wrap(err, "derive key")
	}
	_, err = s.Request(ctx, append([]byte{ServiceSecurityAccess, level + 1}, key...))
	return err
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
