// Package socket implements the per-peer framed I/O engine shared by the
// server and client runtimes: handshake authorization, frame reader,
// double-buffered frame writer, command queues, and hook dispatch.
package socket

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/vmorozov/sockline/command"
	"github.com/vmorozov/sockline/internal/hook"
)

// Hook names fired on a Socket's Hookable.
const (
	HookOnAuthorized   = "on_authorized"
	HookOnDisconnected = "on_disconnected"
	HookPreCommand     = "pre_command"
	HookPostCommand    = "post_command"
	HookInternalError  = "internal_error"
)

const (
	defaultMaxPayloadSize   = 4 * 1024 * 1024
	defaultOutboundSoftCap  = 512
	defaultDrainBatch       = 128
	defaultHandshakeTimeout = 5 // seconds, within the spec's 3-10s window
)

// Socket is a single peer's framed connection: one TCP conn, a reader
// goroutine started once authorized, and inbound/outbound command queues
// drained by the owning Server/Client's runtime tick.
type Socket struct {
	id   uint64
	name atomic.Value // string

	conn net.Conn
	opts socketOptions

	hooks *hook.Hookable[*Socket]

	valid             atomic.Bool
	authorizing       atomic.Bool
	authorized        atomic.Bool
	consecutiveErrors atomic.Int32
	externalLock      atomic.Int32

	inMu      sync.Mutex
	inbound   []command.Command
	inGate    atomic.Bool // in_payload_protection
	recvCache []byte      // reused receive-cache buffer, reader goroutine only

	outMu    sync.Mutex
	outbound []command.Command

	// outNext/outFlushing each hold one []byte per vector entry (a frame's
	// 4-byte header and payload as two separate entries) so the writer can
	// hand them to a vectorised write without concatenating them first.
	outBufMu      sync.Mutex
	outNext       [][]byte
	outNextFrames int
	outFlushing   [][]byte
	outGate       atomic.Bool // out_payload_protection

	shutdownOnce sync.Once
}

type socketOptions struct {
	maxPayloadSize    int
	outboundSoftCap   int
	drainBatch        int
	handshakeTimeout  int // seconds
	handshakeRetries  int
	handshakeRetryGap int // seconds
	sharedSecret      []byte
}

// Option configures a Socket at construction.
type Option func(*socketOptions)

// WithMaxPayloadSize overrides MAX_PAYLOAD_SIZE, the inbound reassembly
// chunk cache. Debug builds may set this small to force fragmentation.
func WithMaxPayloadSize(n int) Option {
	return func(o *socketOptions) { o.maxPayloadSize = n }
}

// WithOutboundSoftCap overrides the outbound queue's cooperative-wait cap.
func WithOutboundSoftCap(n int) Option {
	return func(o *socketOptions) { o.outboundSoftCap = n }
}

// WithHandshakeTimeoutSeconds overrides the handshake watchdog window.
func WithHandshakeTimeoutSeconds(s int) Option {
	return func(o *socketOptions) { o.handshakeTimeout = s }
}

// WithSharedSecret overrides the 128-byte PROTO_ACCESS constant. Panics if
// the secret is not exactly ProtoAccessSize bytes, since a mismatched
// length can never handshake successfully with the default.
func WithSharedSecret(secret []byte) Option {
	return func(o *socketOptions) {
		if len(secret) != ProtoAccessSize {
			panic("socket: shared secret must be exactly 128 bytes")
		}
		o.sharedSecret = append([]byte(nil), secret...)
	}
}

func defaultOptions() socketOptions {
	return socketOptions{
		maxPayloadSize:    defaultMaxPayloadSize,
		outboundSoftCap:   defaultOutboundSoftCap,
		drainBatch:        defaultDrainBatch,
		handshakeTimeout:  defaultHandshakeTimeout,
		handshakeRetries:  3,
		handshakeRetryGap: 1,
		sharedSecret:      append([]byte(nil), DefaultProtoAccess[:]...),
	}
}

// New wraps an already-connected net.Conn as a Socket. The caller assigns
// id (the Server scans forward from its own counter; the Client always
// uses id 0 since it holds a single peer).
func New(id uint64, conn net.Conn, opts ...Option) *Socket {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Socket{
		id:    id,
		conn:  conn,
		opts:  o,
		hooks: hook.New[*Socket](),
	}
	s.name.Store("")
	s.valid.Store(true)
	return s
}

// ID returns the Socket's identity.
func (s *Socket) ID() uint64 { return s.id }

// Name returns the cached peer name (empty until SetName is called, e.g.
// from a handshake extension or application-level announce command).
func (s *Socket) Name() string {
	v, _ := s.name.Load().(string)
	return v
}

// SetName updates the cached peer name.
func (s *Socket) SetName(name string) { s.name.Store(name) }

// Hooks returns the Socket's hook registry, for Register/RegisterGlobal.
func (s *Socket) Hooks() *hook.Hookable[*Socket] { return s.hooks }

// IsValid reports whether the Socket has not yet been shut down.
func (s *Socket) IsValid() bool { return s.valid.Load() }

// IsAuthorizing reports whether a handshake is in flight.
func (s *Socket) IsAuthorizing() bool { return s.authorizing.Load() }

// IsAuthorized reports whether the handshake has completed successfully.
func (s *Socket) IsAuthorized() bool { return s.authorized.Load() }

// Retain increments the external observer count (see Ref in ref.go). The
// Server must not free a Socket while this is above zero.
func (s *Socket) Retain() { s.externalLock.Add(1) }

// Release decrements the external observer count.
func (s *Socket) Release() { s.externalLock.Add(-1) }

// ObserverCount returns the current external_lock value.
func (s *Socket) ObserverCount() int32 { return s.externalLock.Load() }

// Shutdown closes the underlying connection exactly once, marks the Socket
// invalid, and emits on_disconnected. Idempotent: a second call is a no-op.
func (s *Socket) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.valid.Store(false)
		_ = s.conn.Close()
		s.hooks.Trigger(s, HookOnDisconnected, nil)
	})
}

// enqueueInbound appends a decoded Command to the inbound queue.
func (s *Socket) enqueueInbound(cmd command.Command) {
	s.inMu.Lock()
	s.inbound = append(s.inbound, cmd)
	s.inMu.Unlock()
}

func (s *Socket) drainInbound() []command.Command {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if len(s.inbound) == 0 {
		return nil
	}
	drained := s.inbound
	s.inbound = nil
	return drained
}

// RuntimeUpdate implements §4.2.4: drain the inbound queue invoking
// ProcessCommand for each entry, then drain the outbound queue into the
// payload buffer and attempt a flush. Called by the Server/Client runtime
// tick, never concurrently for the same Socket.
func (s *Socket) RuntimeUpdate() {
	for _, cmd := range s.drainInbound() {
		s.ProcessCommand(cmd)
	}
	s.processOutgoingCommands()
}

// ProcessCommand emits pre_command, performs the kind-dispatched default
// action, then emits post_command.
func (s *Socket) ProcessCommand(cmd command.Command) {
	s.hooks.Trigger(s, HookPreCommand, &cmd)
	switch cmd.Kind {
	case command.KindPing:
		s.SendCommand(command.Response())
	}
	s.hooks.Trigger(s, HookPostCommand, &cmd)
}

