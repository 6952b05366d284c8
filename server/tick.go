package server

import (
	"context"
	"time"

	"github.com/vmorozov/sockline/command"
	"github.com/vmorozov/sockline/internal/clockutil"
	"github.com/vmorozov/sockline/internal/metrics"
	"github.com/vmorozov/sockline/internal/socket"
)

// runTick drives the §4.5 server runtime tick at tickInterval. The §4.5
// ping/expiry sweep doesn't get its own ticker: a Clock tracks elapsed time
// since the last sweep (the teacher's restart/elapsed idiom) and pingAndSweep
// runs inline whenever that elapsed time reaches pingInterval.
func (s *Server) runTick(ctx context.Context) {
	tick := time.NewTicker(s.tickInterval)
	defer tick.Stop()
	pingClock := clockutil.New()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.tickOnce()
			if pingClock.Elapsed() >= s.pingInterval {
				s.pingAndSweep()
				pingClock.Restart()
			}
		}
	}
}

// tickOnce implements §4.5 step 1: for every registered Socket, either
// retire it to the expired list, authorize it, or drain its queues.
func (s *Server) tickOnce() {
	s.mu.RLock()
	sockets := make([]*socket.Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.mu.RUnlock()

	var toExpire []uint64
	for _, sock := range sockets {
		switch {
		case !sock.IsValid() && !sock.IsAuthorizing() && sock.ObserverCount() == 0:
			toExpire = append(toExpire, sock.ID())
		case !sock.IsValid():
			// waiting on observers or an in-flight authorization; leave in place
		case !sock.IsAuthorized():
			if !sock.IsAuthorizing() {
				go sock.ServerAuthorize()
			}
		default:
			sock.RuntimeUpdate()
		}
	}

	if len(toExpire) > 0 {
		s.mu.Lock()
		for _, id := range toExpire {
			if sock, ok := s.sockets[id]; ok {
				s.expired = append(s.expired, sock)
				delete(s.sockets, id)
			}
		}
		count := len(s.sockets)
		s.mu.Unlock()
		metrics.SetActiveSockets(count)
	}
}

// pingAndSweep implements §4.5 step 2: ping every authorized Socket, then
// sweep expired Sockets whose observer count has dropped to zero.
func (s *Server) pingAndSweep() {
	s.mu.RLock()
	sockets := make([]*socket.Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		if sock.IsAuthorized() {
			sockets = append(sockets, sock)
		}
	}
	s.mu.RUnlock()

	for _, sock := range sockets {
		sock.SendCommand(command.Ping())
	}

	s.mu.Lock()
	remaining := s.expired[:0]
	for _, sock := range s.expired {
		if sock.ObserverCount() == 0 {
			metrics.IncSocketExpired()
			continue
		}
		remaining = append(remaining, sock)
	}
	s.expired = remaining
	s.mu.Unlock()
}
