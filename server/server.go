// Package server implements the accept loop, peer registry, keepalive and
// expired-peer sweep described in spec.md §4.5, built the way the teacher's
// internal/server.Server is built (functional options, a readiness channel,
// an RWMutex-guarded connection map, metrics/logging wired throughout).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vmorozov/sockline/command"
	"github.com/vmorozov/sockline/connection"
	"github.com/vmorozov/sockline/discovery"
	"github.com/vmorozov/sockline/internal/logging"
	"github.com/vmorozov/sockline/internal/metrics"
	"github.com/vmorozov/sockline/internal/netopts"
	"github.com/vmorozov/sockline/internal/socket"
)

const (
	defaultTickInterval      = 2 * time.Millisecond
	defaultPingInterval      = 10 * time.Second
	defaultSendTimeout       = 5 * time.Second
	defaultConnectProtectGap = 20 * time.Millisecond
)

// Info is descriptive, protocol-inert identity metadata for a Server,
// adapted from the original's ServerHeader{name, description, version}.
type Info struct {
	Name        string
	Description string
	Version     string
}

// PeerInfo is a read-locked snapshot of one connected peer, matching the
// original's get_client_list entry shape.
type PeerInfo struct {
	ID         uint64
	Name       string
	Authorized bool
}

// OnClientJoin is invoked once a Socket completes its handshake.
type OnClientJoin func(connection.Connection)

// Server accepts TCP peers, authorizes them, and runs the keepalive/expiry
// tick described by spec.md §4.5.
type Server struct {
	mu       sync.RWMutex
	addr     string
	listener net.Listener
	sockets  map[uint64]*socket.Socket
	expired  []*socket.Socket
	nextID   uint64

	lastConnect       time.Time
	connectProtectHit int

	tickInterval    time.Duration
	pingInterval    time.Duration
	sendTimeout     time.Duration
	socketOpts      []socket.Option
	maxClients      int
	onClientJoin    OnClientJoin
	info            Info
	connectProtect  time.Duration

	metricsAddr  string
	metricsSrv   *http.Server
	mdnsInstance string
	mdnsInfo     discovery.Info
	mdnsAd       *discovery.Advertiser

	logger    *slog.Logger
	readyOnce sync.Once
	readyCh   chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Server at construction.
type Option func(*Server)

// WithListenAddr sets the listen address (":0" for an ephemeral port).
func WithListenAddr(addr string) Option { return func(s *Server) { s.addr = addr } }

// WithTickInterval overrides the ~2ms runtime tick cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithPingInterval overrides the 10s keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithSendTimeout overrides the SO_SNDTIMEO applied to accepted sockets.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// WithSocketOptions forwards options to every accepted socket.Socket (e.g.
// socket.WithMaxPayloadSize for a reduced receive cache in tests).
func WithSocketOptions(opts ...socket.Option) Option {
	return func(s *Server) { s.socketOpts = append(s.socketOpts, opts...) }
}

// WithMaxClients caps the number of concurrently held peers; new
// connections beyond the cap are closed immediately after connecting.
func WithMaxClients(n int) Option {
	return func(s *Server) { s.maxClients = n }
}

// WithOnClientJoin registers the callback invoked once a peer authorizes.
func WithOnClientJoin(fn OnClientJoin) Option {
	return func(s *Server) { s.onClientJoin = fn }
}

// WithServerInfo sets the descriptive identity metadata.
func WithServerInfo(info Info) Option {
	return func(s *Server) { s.info = info }
}

// WithConnectProtect sets the minimum gap enforced between accepted
// connections before a short throttling sleep kicks in — guards against a
// misbehaving peer stuck in a fast reconnect loop (see DESIGN.md).
func WithConnectProtect(gap time.Duration) Option {
	return func(s *Server) { s.connectProtect = gap }
}

// WithMetricsAddr starts the Prometheus `/metrics` and readiness `/ready`
// HTTP server at addr once Serve begins listening. Unset (the default)
// serves nothing, matching a library that shouldn't open ports a caller
// didn't ask for.
func WithMetricsAddr(addr string) Option {
	return func(s *Server) { s.metricsAddr = addr }
}

// WithMDNS advertises the listening Server on the LAN under instance via
// mDNS, the same pattern the teacher's CLI used discovery for.
func WithMDNS(instance string, info Info) Option {
	return func(s *Server) {
		s.mdnsInstance = instance
		s.mdnsInfo = discovery.Info{Name: info.Name, Description: info.Description, Version: info.Version}
	}
}

// WithLogger overrides the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Server. Call Serve to start accepting.
func New(opts ...Option) *Server {
	s := &Server{
		sockets:        make(map[uint64]*socket.Socket),
		tickInterval:   defaultTickInterval,
		pingInterval:   defaultPingInterval,
		sendTimeout:    defaultSendTimeout,
		connectProtect: defaultConnectProtectGap,
		readyCh:        make(chan struct{}),
		logger:         logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":5050"
	}
	return s
}

// Addr returns the resolved listen address (only meaningful after Serve
// has started listening).
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Serve binds the listener and runs the accept loop and runtime tick until
// ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("sockline_listen", "addr", s.Addr())

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-s.readyCh:
			return true
		default:
			return false
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.metricsAddr != "" {
		s.metricsSrv = metrics.StartHTTP(s.metricsAddr)
	}

	if s.mdnsInstance != "" {
		if _, portStr, splitErr := net.SplitHostPort(s.Addr()); splitErr == nil {
			if port, convErr := strconv.Atoi(portStr); convErr == nil {
				ad, advErr := discovery.Advertise(ctx, s.mdnsInstance, port, s.mdnsInfo)
				if advErr != nil {
					s.logger.Warn("mdns_advertise_failed", "error", advErr)
				} else {
					s.mdnsAd = ad
				}
			}
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTick(ctx)
	}()

	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.throttleConnectProtect()
		s.acceptOne(conn)
	}
}

// throttleConnectProtect implements the supplemented loop-detection
// feature: if connections arrive faster than connectProtect apart three
// times running, sleep briefly before processing the next one.
func (s *Server) throttleConnectProtect() {
	s.mu.Lock()
	now := time.Now()
	gap := now.Sub(s.lastConnect)
	s.lastConnect = now
	if gap < s.connectProtect {
		s.connectProtectHit++
	} else {
		s.connectProtectHit = 0
	}
	hit := s.connectProtectHit
	s.mu.Unlock()

	if hit >= 3 {
		time.Sleep(s.connectProtect)
	}
}

func (s *Server) acceptOne(conn net.Conn) {
	s.mu.Lock()
	if s.maxClients > 0 && len(s.sockets) >= s.maxClients {
		s.mu.Unlock()
		metrics.IncError("max_clients")
		s.logger.Warn("client_rejected_max_clients", "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	id := s.nextFreeID()
	s.mu.Unlock()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = netopts.SetSendTimeout(tcp, s.sendTimeout)
	}

	sock := socket.New(id, conn, s.socketOpts...)
	s.registerDefaultHooks(sock)

	s.mu.Lock()
	s.sockets[id] = sock
	count := len(s.sockets)
	s.mu.Unlock()
	metrics.SetActiveSockets(count)

	s.logger.Info("client_accepted", "id", id, "remote", conn.RemoteAddr())
}

// nextFreeID scans forward from nextID the way the original's
// start_server accept callback does, skipping ids still present in the
// socket map. nextID only grows, so an id freed by a departed peer is not
// handed out again. Caller must hold s.mu.
func (s *Server) nextFreeID() uint64 {
	for {
		s.nextID++
		if _, taken := s.sockets[s.nextID]; !taken {
			return s.nextID
		}
	}
}

func (s *Server) registerDefaultHooks(sock *socket.Socket) {
	sock.Hooks().Register(socket.HookOnAuthorized, func(owner *socket.Socket, data any) {
		if s.onClientJoin != nil {
			s.onClientJoin(connection.New(owner.ID(), s))
		}
	})
	sock.Hooks().Register(socket.HookPreCommand, func(owner *socket.Socket, data any) {
		cmd, ok := data.(*command.Command)
		if ok && cmd.Kind == command.KindResponse {
			owner.SendCommand(command.Response())
		}
	})
}

// Ref implements connection.Controller.
func (s *Server) Ref(id uint64) (*socket.Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sock, ok := s.sockets[id]
	if !ok {
		return nil, false
	}
	return socket.NewRef(sock), true
}

// BroadcastString enqueues a STRING Command to every authorized Socket
// (§4.5 broadcast_string).
func (s *Server) BroadcastString(msg string) {
	s.mu.RLock()
	targets := make([]*socket.Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		if sock.IsAuthorized() {
			targets = append(targets, sock)
		}
	}
	s.mu.RUnlock()

	metrics.SetBroadcastFanout(len(targets))
	cmd := command.NewString(msg)
	for _, sock := range targets {
		sock.SendCommand(cmd)
	}
}

// Count returns the number of currently registered sockets (authorized or
// still authorizing), matching get_client_count.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sockets)
}

// Snapshot returns a read-locked copy of every registered peer, matching
// the original's get_client_list.
func (s *Server) Snapshot() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.sockets))
	for id, sock := range s.sockets {
		out = append(out, PeerInfo{ID: id, Name: sock.Name(), Authorized: sock.IsAuthorized()})
	}
	return out
}

// Stop cancels the accept loop and runtime tick and waits for the runtime
// tick to finish; it does not wait for Serve's accept loop to return.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.mdnsAd != nil {
		s.mdnsAd.Shutdown()
	}
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
	}

	s.mu.Lock()
	s.sockets = make(map[uint64]*socket.Socket)
	s.expired = nil
	s.mu.Unlock()
}
