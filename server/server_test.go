package server

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/vmorozov/sockline/command"
	"github.com/vmorozov/sockline/connection"
	"github.com/vmorozov/sockline/internal/socket"
)

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	secret := socket.DefaultProtoAccess
	if _, err := conn.Write(secret[:]); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, cmd command.Command) {
	t.Helper()
	wire, err := cmd.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(wire)))
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(wire); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func startTestServer(t *testing.T, opts ...Option) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := New(append([]Option{WithListenAddr(":0")}, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	t.Cleanup(func() { cancel(); srv.Stop() })
	return srv, cancel
}

func TestServerAcceptsAndDecodesCommand(t *testing.T) {
	var mu sync.Mutex
	var got *command.Command

	srv, _ := startTestServer(t, WithOnClientJoin(func(conn connection.Connection) {
		conn.RegisterGlobalHook(func(c connection.Connection, name string, data any) bool {
			if name == socket.HookPreCommand {
				mu.Lock()
				got = data.(*command.Command)
				mu.Unlock()
			}
			return true
		})
	}))

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()
	writeFrame(t, conn, command.NewString("hello"))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		c := got
		mu.Unlock()
		if c != nil {
			if c.Kind != command.KindString || string(c.Data) != "hello" {
				t.Fatalf("unexpected command: %+v", *c)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("server never observed the command")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestServerExposesMetricsEndpoint(t *testing.T) {
	const metricsAddr = "127.0.0.1:32845"
	startTestServer(t, WithMetricsAddr(metricsAddr))

	var resp *http.Response
	var err error
	deadline := time.After(2 * time.Second)
	for {
		resp, err = http.Get("http://" + metricsAddr + "/ready")
		if err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("metrics server never came up: %v", err)
		case <-time.After(5 * time.Millisecond):
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected /ready to report 200 once the server is listening, got %d", resp.StatusCode)
	}

	metricsResp, err := http.Get("http://" + metricsAddr + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected /metrics to report 200, got %d", metricsResp.StatusCode)
	}
}

func TestServerRejectsBadHandshake(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	bad := socket.DefaultProtoAccess
	bad[0] ^= 0xFF
	if _, err := conn.Write(bad[:]); err != nil {
		t.Fatalf("write bad handshake: %v", err)
	}

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after a handshake mismatch")
	}
}

func TestBroadcastReachesAllAuthorizedPeers(t *testing.T) {
	srv, _ := startTestServer(t)

	connA := dialAndHandshake(t, srv.Addr())
	defer connA.Close()
	connB := dialAndHandshake(t, srv.Addr())
	defer connB.Close()

	// Give both peers a moment to authorize before broadcasting.
	deadline := time.After(2 * time.Second)
	for srv.Count() < 2 {
		select {
		case <-deadline:
			t.Fatal("both peers never registered")
		case <-time.After(time.Millisecond):
		}
	}

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		srv.BroadcastString("x")
		close(done)
	}()
	<-done

	for _, conn := range []net.Conn{connA, connB} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		hdr := make([]byte, 4)
		if _, err := readFull(conn, hdr); err != nil {
			t.Fatalf("read broadcast header: %v", err)
		}
		n := binary.LittleEndian.Uint32(hdr)
		payload := make([]byte, n)
		if _, err := readFull(conn, payload); err != nil {
			t.Fatalf("read broadcast payload: %v", err)
		}
		cmd, err := command.Decode(payload)
		if err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if cmd.Kind != command.KindString || string(cmd.Data) != "x" {
			t.Fatalf("unexpected broadcast command: %+v", cmd)
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
