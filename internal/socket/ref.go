package socket

// Ref is a non-owning handle to a Socket (§4.3). Constructing one bumps the
// Socket's external_lock counter; the Server must not free a Socket while
// any Ref to it is outstanding, even if the Socket has been shut down.
// Unlike the source's RAII destructor, Go has no scope-exit hook: callers
// must explicitly Release, typically via defer.
type Ref struct {
	s        *Socket
	released bool
}

// NewRef constructs a Ref over s, incrementing its observer count.
func NewRef(s *Socket) *Ref {
	s.Retain()
	return &Ref{s: s}
}

// Get dereferences the Ref. It never returns nil; a Socket reached through
// a live Ref is guaranteed to still be allocated, though it may be invalid
// (shut down) — callers must check IsValid before acting on it.
func (r *Ref) Get() *Socket { return r.s }

// Release decrements the observer count. Safe to call multiple times; only
// the first call has an effect.
func (r *Ref) Release() {
	if r.released {
		return
	}
	r.released = true
	r.s.Release()
}
