package model

// Reason explains why a session ended.
type Reason string

const (
	ReasonManual     Reason = "manual"
	ReasonTimeout    Reason = "timeout"
	ReasonDisconnect Reason = "disconnect"
)

// ParseReason converts a client-supplied string to a Reason.
// Unknown or empty values map to ReasonManual.
func ParseReason(s string) Reason {
	switch Reason(s) {
	case ReasonTimeout:
		return ReasonTimeout
	case ReasonDisconnect:
		return ReasonDisconnect
	default:
		return ReasonManual
	}
}

func (r Reason) String() string {
	return string(r)
}
