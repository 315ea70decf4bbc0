package tp

import "errors"

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// IsoTpError is the base for every transport-layer protocol error. All of
// them indicate a malformed or unexpected frame sequence and are recovered
// by aborting the affected reassembly context.
type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

type WrongSequenceNumberError struct {
	IsoTpError
}

func (e WrongSequenceNumberError) Error() string {
	return messageOrDefault(e.msg, "wrong sequence number in consecutive frame")
}

type PayloadTooLargeError struct {
	IsoTpError
}

func (e PayloadTooLargeError) Error() string {
	return messageOrDefault(e.msg, "payload exceeds the maximum ISO-TP frame size")
}

type FrameTooLongError struct {
	IsoTpError
}

func (e FrameTooLongError) Error() string {
	return messageOrDefault(e.msg, "first frame length exceeds maximum frame size")
}

type InvalidStMinError struct {
	IsoTpError
}

func (e InvalidStMinError) Error() string {
	return messageOrDefault(e.msg, "unsupported STmin encoding in flow control frame")
}

type InvalidCanDataError struct {
	IsoTpError
}

func (e InvalidCanDataError) Error() string {
	return messageOrDefault(e.msg, "invalid CAN data received")
}

type OverflowError struct {
	IsoTpError
}

func (e OverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported flow control overflow")
}

type FlowControlTimeoutError struct {
	IsoTpError
}

func (e FlowControlTimeoutError) Error() string {
	return messageOrDefault(e.msg, "flow control frame not received in time")
}

type ConsecutiveFrameTimeoutError struct {
	IsoTpError
}

func (e ConsecutiveFrameTimeoutError) Error() string {
	return messageOrDefault(e.msg, "consecutive frame not received in time")
}

// IsProtocolError reports whether err belongs to the malformed/unexpected
// frame sequence class, as opposed to a timeout or transport failure.
func IsProtocolError(err error) bool {
	switch {
	case errors.As(err, &WrongSequenceNumberError{}),
		errors.As(err, &PayloadTooLargeError{}),
		errors.As(err, &FrameTooLongError{}),
		errors.As(err, &InvalidStMinError{}),
		errors.As(err, &InvalidCanDataError{}):
		return true
	}
	return false
}

// IsTimeoutError reports whether err is one of the two exchange timeouts,
// which are recovered by the retry mechanism.
func IsTimeoutError(err error) bool {
	return errors.As(err, &FlowControlTimeoutError{}) || errors.As(err, &ConsecutiveFrameTimeoutError{})
}
