package peer

// ProtocolError marks a protocol-violation per spec.md §7: handlers that
// detect one return this instead of performing the disconnect themselves;
// Dispatch's per-peer guard catches it and disconnects, applying Ban.
type ProtocolError struct {
	Reason string
	Ban    bool
}

func (e *ProtocolError) Error() string { return e.Reason }

func violation(reason string, ban bool) error {
	return &ProtocolError{Reason: reason, Ban: ban}
}
