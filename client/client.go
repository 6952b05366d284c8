// Package client implements the connect+runtime loop described by
// spec.md §4.6: dial with retry, authorize, and drive a single Socket's
// runtime tick.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vmorozov/sockline/connection"
	"github.com/vmorozov/sockline/internal/logging"
	"github.com/vmorozov/sockline/internal/metrics"
	"github.com/vmorozov/sockline/internal/netopts"
	"github.com/vmorozov/sockline/internal/socket"
)

const (
	defaultTickInterval = 2 * time.Millisecond
	defaultDialRetries  = 10
	// The source's dial loop busy-retries with no gap between the 10
	// attempts; a tight loop against a refused connection is impractical
	// here, so this port adds a small fixed backoff (see DESIGN.md).
	defaultDialBackoff = 100 * time.Millisecond
)

// OnConnect is invoked once the Client's peer Socket completes its
// handshake.
type OnConnect func(connection.Connection)

// Client dials a single Server peer and runs its runtime tick.
type Client struct {
	mu   sync.RWMutex
	peer *socket.Socket

	addr         string
	dialRetries  int
	dialBackoff  time.Duration
	tickInterval time.Duration
	socketOpts   []socket.Option
	sendTimeout  time.Duration
	onConnect    OnConnect

	logger *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Client at construction.
type Option func(*Client)

// WithServerAddr sets the address to dial.
func WithServerAddr(addr string) Option { return func(c *Client) { c.addr = addr } }

// WithDialRetries overrides the connect-attempt budget (default 10).
func WithDialRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.dialRetries = n
		}
	}
}

// WithTickInterval overrides the ~2ms runtime tick cadence.
func WithTickInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.tickInterval = d
		}
	}
}

// WithSocketOptions forwards options to the peer socket.Socket.
func WithSocketOptions(opts ...socket.Option) Option {
	return func(c *Client) { c.socketOpts = append(c.socketOpts, opts...) }
}

// WithOnConnect registers the callback invoked once the peer authorizes.
func WithOnConnect(fn OnConnect) Option {
	return func(c *Client) { c.onConnect = fn }
}

// WithLogger overrides the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New constructs a Client. Call Run to dial and start the runtime tick.
func New(opts ...Option) *Client {
	c := &Client{
		dialRetries:  defaultDialRetries,
		dialBackoff:  defaultDialBackoff,
		tickInterval: defaultTickInterval,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run dials the address set by WithServerAddr, making up to dialRetries
// attempts, then runs the authorize+runtime loop until ctx
// is done or Stop is called.
func (c *Client) Run(ctx context.Context) error {
	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = netopts.SetSendTimeout(tcp, c.sendTimeout)
	}

	peer := socket.New(0, conn, c.socketOpts...)
	peer.Hooks().Register(socket.HookOnAuthorized, func(owner *socket.Socket, data any) {
		if c.onConnect != nil {
			c.onConnect(connection.New(owner.ID(), c))
		}
	})

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	metrics.SetActiveSockets(1)

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := peer.ClientAuthorize(); err != nil {
		c.logger.Warn("client_authorize_failed", "error", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTick(ctx)
	}()
	<-ctx.Done()
	return nil
}

func (c *Client) dialWithRetry(ctx context.Context) (net.Conn, error) {
	var lastErr error
	dialer := net.Dialer{Timeout: 5 * time.Second}
	for attempt := 0; attempt < c.dialRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.dialBackoff):
			}
		}
		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Debug("dial_retry", "attempt", attempt, "addr", c.addr, "error", err)
	}
	return nil, fmt.Errorf("dial %s: %w", c.addr, lastErr)
}

func (c *Client) runTick(ctx context.Context) {
	tick := time.NewTicker(c.tickInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c.tickOnce()
		}
	}
}

// tickOnce implements §4.6's client runtime tick: drop an invalid peer,
// authorize an unauthorized one, or drain an authorized one's queues.
func (c *Client) tickOnce() {
	c.mu.RLock()
	peer := c.peer
	c.mu.RUnlock()
	if peer == nil {
		return
	}

	switch {
	case !peer.IsValid():
		c.logger.Info("peer_disconnected", "id", peer.ID())
		c.mu.Lock()
		c.peer = nil
		c.mu.Unlock()
		metrics.SetActiveSockets(0)
	case !peer.IsAuthorized():
		if !peer.IsAuthorizing() {
			go peer.ClientAuthorize()
		}
	default:
		peer.RuntimeUpdate()
	}
}

// Ref implements connection.Controller: the Client holds at most one peer.
func (c *Client) Ref(id uint64) (*socket.Ref, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peer == nil || c.peer.ID() != id {
		return nil, false
	}
	return socket.NewRef(c.peer), true
}

// Stop cancels the runtime tick, drops the peer, and waits for the tick
// goroutine to finish.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.mu.Lock()
	if c.peer != nil {
		c.peer.Shutdown()
		c.peer = nil
	}
	c.mu.Unlock()
}
