package socket

import "errors"

// Sentinel errors surfaced by Socket operations. Per spec.md §7 these never
// propagate as panics; callers see a bool/no-op or one of these values.
var (
	ErrInvalid           = errors.New("socket: invalid")
	ErrAuthorizing       = errors.New("socket: authorization already in progress")
	ErrHandshakeMismatch = errors.New("socket: handshake secret mismatch")
	ErrHandshakeTimeout  = errors.New("socket: handshake watchdog expired")
	ErrGateHeld          = errors.New("socket: gate already held")
)

const maxConsecutiveErrors = int32(4)

// internalErrorCheck implements §4.2.6: emit internal_error, bump the
// consecutive-error counter, and decide whether the caller may retry.
// Returns retry=true if the socket is still open and under the limit;
// otherwise it shuts the socket down and returns false.
func (s *Socket) internalErrorCheck(err error) (retry bool) {
	s.hooks.Trigger(s, HookInternalError, err)
	n := s.consecutiveErrors.Add(1)
	if s.valid.Load() && n <= maxConsecutiveErrors {
		return true
	}
	s.Shutdown()
	return false
}

// resetErrorCounter clears the consecutive-error counter on any successful
// read or write completion, per the spec.md §9 resolution (the source never
// did this; this port does).
func (s *Socket) resetErrorCounter() {
	s.consecutiveErrors.Store(0)
}
