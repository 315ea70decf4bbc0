package dtc

import (
	"github.com/pkg/errors"
)

// ServiceReadDTC is the UDS service whose responses this package decodes.
const ServiceReadDTC = 0x19

// SubReportByStatusMask is the reportDTCByStatusMask sub-function.
const SubReportByStatusMask = 0x02

// Record is one reported trouble code: the 2-byte code, the failure type
// byte, and the status byte.
type Record struct {
	Code        Code
	FailureType byte
	Status      byte
}

// Report is a decoded reportDTCByStatusMask response.
type Report struct {
	AvailabilityMask byte
	Records          []Record
}

// ParseReport decodes the positive response to a 0x19 0x02 request. payload
// starts at the response service identifier (0x59).
func ParseReport(payload []byte) (*Report, error) {
	if len(payload) < 3 {
		return nil, errors.Errorf("read-DTC response too short: %d bytes", len(payload))
	}
	if payload[0] != ServiceReadDTC+0x40 {
		return nil, errors.Errorf("not a read-DTC response: SID 0x%02X", payload[0])
	}
	if payload[1] != SubReportByStatusMask {
		return nil, errors.Errorf("unsupported read-DTC sub-function 0x%02X", payload[1])
	}

	rest := payload[3:]
	if len(rest)%4 != 0 {
		return nil, errors.Errorf("read-DTC response has a truncated record: %d trailing bytes", len(rest)%4)
	}

	report := &Report{AvailabilityMask: payload[2]}
	for i := 0; i < len(rest); i += 4 {
		report.Records = append(report.Records, Record{
			Code:        Code(uint16(rest[i])<<8 | uint16(rest[i+1])),
			FailureType: rest[i+2],
			Status:      rest[i+3],
		})
	}
	return report, nil
}
