package gateway

import "time"

// CloseClass is how an inbound WebSocket close code should be handled, per
// spec.md §6.5.
type CloseClass int

const (
	ClassReconnectable CloseClass = iota
	ClassReIdentify
	ClassFatal
	ClassUnknown
)

// ClassifyClose maps a voice-gateway close code to its handling class.
func ClassifyClose(code int) CloseClass {
	switch code {
	case 1006, 4015, 4009:
		return ClassReconnectable
	case 4006:
		return ClassReIdentify
	case 4004, 4014:
		return ClassFatal
	default:
		return ClassUnknown
	}
}

const maxBackoffShift = 3

// backoffDuration returns the exponential back-off delay for reconnect
// attempt n (0-indexed): 1000 * 2^min(n,3) ms.
func backoffDuration(attempt int) time.Duration {
	shift := attempt
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return time.Duration(1000<<uint(shift)) * time.Millisecond
}
