// Package hook provides the named + global callback registry shared by
// every Socket. Dispatch tolerates callbacks that register or unregister
// other hooks mid-dispatch, and never holds its lock while invoking a
// callback.
package hook

import (
	"sync"
	"sync/atomic"

	"github.com/vmorozov/sockline/internal/logging"
	"github.com/vmorozov/sockline/internal/metrics"
)

// Callback is a named-hook listener. data carries whatever the triggering
// event attaches (a *command.Command, an error, or nil).
type Callback[T any] func(owner T, data any)

// GlobalCallback is a listener invoked for every event name. Returning false
// vetoes the remaining dispatch for that event, including any named hooks.
type GlobalCallback[T any] func(owner T, name string, data any) bool

var idCounter atomic.Uint64

func nextID() uint64 { return idCounter.Add(1) }

type namedEntry[T any] struct {
	id uint64
	cb Callback[T]
}

type globalEntry[T any] struct {
	id uint64
	cb GlobalCallback[T]
}

// Hookable is a named + global hook registry for owner type T.
type Hookable[T any] struct {
	mu     sync.RWMutex
	named  map[string][]namedEntry[T]
	global []globalEntry[T]
}

// New returns an empty Hookable.
func New[T any]() *Hookable[T] {
	return &Hookable[T]{named: make(map[string][]namedEntry[T])}
}

// Register adds a named-hook listener and returns its id.
func (h *Hookable[T]) Register(name string, cb Callback[T]) uint64 {
	id := nextID()
	h.mu.Lock()
	h.named[name] = append(h.named[name], namedEntry[T]{id: id, cb: cb})
	h.mu.Unlock()
	return id
}

// RegisterGlobal adds a global-hook listener and returns its id.
func (h *Hookable[T]) RegisterGlobal(cb GlobalCallback[T]) uint64 {
	id := nextID()
	h.mu.Lock()
	h.global = append(h.global, globalEntry[T]{id: id, cb: cb})
	h.mu.Unlock()
	return id
}

// Unregister removes a listener by id, global or named. Unregistering an
// id that is no longer present (e.g. removed by a concurrent dispatch) is a
// no-op.
func (h *Hookable[T]) Unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, e := range h.global {
		if e.id == id {
			h.global = append(h.global[:i:i], h.global[i+1:]...)
			return
		}
	}
	for name, list := range h.named {
		for i, e := range list {
			if e.id == id {
				h.named[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Trigger fires owner's listeners for name, passing data. Global hooks run
// first, in registration order; a global hook returning false aborts all
// further dispatch for this call, including the named hooks. A panicking
// callback is recovered, logged, and treated as if it returned true/did not
// abort dispatch.
func (h *Hookable[T]) Trigger(owner T, name string, data any) {
	h.mu.RLock()
	globalSnapshot := append([]globalEntry[T](nil), h.global...)
	h.mu.RUnlock()

	for _, e := range globalSnapshot {
		if !h.globalStillRegistered(e.id) {
			continue // unregistered mid-dispatch by a prior callback
		}
		if !invokeGlobal(e.cb, owner, name, data) {
			return
		}
	}

	h.mu.RLock()
	namedSnapshot := append([]namedEntry[T](nil), h.named[name]...)
	h.mu.RUnlock()

	for _, e := range namedSnapshot {
		if !h.namedStillRegistered(name, e.id) {
			continue
		}
		invokeNamed(e.cb, owner, data)
	}
}

func (h *Hookable[T]) globalStillRegistered(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.global {
		if e.id == id {
			return true
		}
	}
	return false
}

func (h *Hookable[T]) namedStillRegistered(name string, id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.named[name] {
		if e.id == id {
			return true
		}
	}
	return false
}

func invokeNamed[T any](cb Callback[T], owner T, data any) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("hook_callback_panic", "panic", r)
			metrics.IncHookPanic()
		}
	}()
	cb(owner, data)
}

func invokeGlobal[T any](cb GlobalCallback[T], owner T, name string, data any) (cont bool) {
	cont = true
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("hook_callback_panic", "panic", r, "hook", name)
			metrics.IncHookPanic()
		}
	}()
	return cb(owner, name, data)
}
