package socket

import (
	"bytes"
	"io"
	"time"

	"github.com/vmorozov/sockline/internal/logging"
	"github.com/vmorozov/sockline/internal/metrics"
)

// ProtoAccessSize is the fixed length of the PROTO_ACCESS shared secret
// exchanged in plaintext as the session opener (§4.2.1).
const ProtoAccessSize = 128

// DefaultProtoAccess is the built-in shared secret used when no
// WithSharedSecret option overrides it. Any deployment exposed beyond a
// trusted network should override it: this handshake is a gate, not
// encryption or authentication.
var DefaultProtoAccess = makeDefaultSecret()

func makeDefaultSecret() [ProtoAccessSize]byte {
	var b [ProtoAccessSize]byte
	copy(b[:], "sockline-default-shared-secret-do-not-use-in-production")
	return b
}

// ServerAuthorize implements the server side of §4.2.1: read exactly 128
// bytes and compare byte-exact to the configured secret. Idempotent while
// already authorizing or authorized. A watchdog goroutine forces shutdown
// if authorization has not completed within the configured timeout,
// regardless of what the read is doing — the literal behavior spec.md §9
// calls out as ambiguous ("do not guess intent") is preserved here: the
// watchdog always sleeps its full duration before checking, so a handshake
// that completes a moment before the watchdog fires is honored, and one
// that completes a moment after loses the race against the closed conn.
func (s *Socket) ServerAuthorize() {
	if !s.authorizing.CompareAndSwap(false, true) {
		return
	}
	if s.authorized.Load() {
		s.authorizing.Store(false)
		return
	}

	go s.handshakeWatchdog()

	buf := make([]byte, ProtoAccessSize)
	_, err := io.ReadFull(s.conn, buf)
	if err != nil {
		logging.L().Debug("handshake_read_failed", "socket", s.id, "error", err)
		metrics.IncHandshakeFailure()
		s.authorizing.Store(false)
		s.Shutdown()
		return
	}
	if !bytes.Equal(buf, s.opts.sharedSecret) {
		logging.L().Debug("handshake_mismatch", "socket", s.id)
		metrics.IncHandshakeFailure()
		s.authorizing.Store(false)
		s.Shutdown()
		return
	}

	s.completeAuthorization()
}

// ClientAuthorize implements the client side of §4.2.1: write the shared
// secret, retrying up to opts.handshakeRetries times with a
// handshakeRetryGap-second pause between attempts.
func (s *Socket) ClientAuthorize() error {
	if !s.authorizing.CompareAndSwap(false, true) {
		return ErrAuthorizing
	}
	if s.authorized.Load() {
		s.authorizing.Store(false)
		return nil
	}

	go s.handshakeWatchdog()

	var lastErr error
	for attempt := 0; attempt < s.opts.handshakeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(s.opts.handshakeRetryGap) * time.Second)
		}
		if !s.valid.Load() {
			s.authorizing.Store(false)
			return ErrInvalid
		}
		_, err := s.conn.Write(s.opts.sharedSecret)
		if err == nil {
			s.completeAuthorization()
			return nil
		}
		lastErr = err
		logging.L().Debug("handshake_write_retry", "socket", s.id, "attempt", attempt, "error", err)
	}

	metrics.IncHandshakeFailure()
	s.authorizing.Store(false)
	s.Shutdown()
	return lastErr
}

func (s *Socket) completeAuthorization() {
	s.authorized.Store(true)
	s.authorizing.Store(false)
	metrics.IncHandshakeSuccess()
	s.hooks.Trigger(s, HookOnAuthorized, nil)
	go s.runFrameReader()
}

func (s *Socket) handshakeWatchdog() {
	time.Sleep(time.Duration(s.opts.handshakeTimeout) * time.Second)
	if !s.authorized.Load() {
		s.authorizing.Store(false)
		s.Shutdown()
	}
}
