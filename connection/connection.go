// Package connection provides the safe Connection facade used by
// application code, wrapping a weak socket.Ref so that a Server or Client
// can freely shut down or garbage-collect the underlying Socket without the
// facade ever dereferencing stale memory (§4.4).
package connection

import (
	"github.com/vmorozov/sockline/command"
	"github.com/vmorozov/sockline/internal/socket"
)

// Controller is implemented by both server.Server and client.Client so
// Connection can look a peer up without either package importing the
// other or this one importing them.
type Controller interface {
	// Ref returns a weak reference to the Socket identified by id, or
	// false if no such Socket is currently registered.
	Ref(id uint64) (*socket.Ref, bool)
}

// Connection is a copyable value identifying one peer. Every method first
// resolves a socket.Ref through the Controller; a failed lookup or an
// invalid Socket turns every method into a silent no-op (§4.4, §7
// ShutdownError).
type Connection struct {
	id         uint64
	controller Controller
}

// New wraps id/controller as a Connection. Application code does not
// normally call this directly; Server and Client construct Connections for
// their hook callbacks (on_client_join, on_connect).
func New(id uint64, controller Controller) Connection {
	return Connection{id: id, controller: controller}
}

// ID returns the peer's Socket identity.
func (c Connection) ID() uint64 { return c.id }

func (c Connection) resolve() (*socket.Ref, bool) {
	if c.controller == nil {
		return nil, false
	}
	return c.controller.Ref(c.id)
}

// IsConnected reports whether the peer's Socket is currently reachable:
// present, not shut down, and past the handshake.
func (c Connection) IsConnected() bool {
	ref, ok := c.resolve()
	if !ok {
		return false
	}
	defer ref.Release()
	s := ref.Get()
	return s.IsValid() && s.IsAuthorized()
}

// Name returns the peer's cached name, refreshed from the live Socket on
// every call; empty if the peer cannot be resolved.
func (c Connection) Name() string {
	ref, ok := c.resolve()
	if !ok {
		return ""
	}
	defer ref.Release()
	return ref.Get().Name()
}

// SendString builds a STRING Command from s and enqueues it on the peer's
// Socket. Returns false if the peer cannot be resolved or is invalid.
func (c Connection) SendString(s string) bool {
	ref, ok := c.resolve()
	if !ok {
		return false
	}
	defer ref.Release()
	sock := ref.Get()
	if !sock.IsValid() {
		return false
	}
	return sock.SendCommand(command.NewString(s))
}

// SendCommand enqueues an arbitrary Command on the peer's Socket.
func (c Connection) SendCommand(cmd command.Command) bool {
	ref, ok := c.resolve()
	if !ok {
		return false
	}
	defer ref.Release()
	sock := ref.Get()
	if !sock.IsValid() {
		return false
	}
	return sock.SendCommand(cmd)
}

// RegisterGlobalHook forwards to the peer Socket's Hookable, wrapping the
// callback so it observes a Connection rather than a raw *socket.Socket.
// Returns the hook id and true on success; false if the peer cannot be
// resolved right now (the registration itself is not retried).
func (c Connection) RegisterGlobalHook(cb func(conn Connection, name string, data any) bool) (uint64, bool) {
	ref, ok := c.resolve()
	if !ok {
		return 0, false
	}
	defer ref.Release()
	controller := c.controller
	id := ref.Get().Hooks().RegisterGlobal(func(owner *socket.Socket, name string, data any) bool {
		return cb(New(owner.ID(), controller), name, data)
	})
	return id, true
}

// Unregister removes a previously registered hook from the peer Socket.
func (c Connection) Unregister(id uint64) {
	ref, ok := c.resolve()
	if !ok {
		return
	}
	defer ref.Release()
	ref.Get().Hooks().Unregister(id)
}
