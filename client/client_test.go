package client

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vmorozov/sockline/command"
	"github.com/vmorozov/sockline/connection"
	"github.com/vmorozov/sockline/internal/socket"
)

// fakeServer accepts one connection, performs the server side of the
// handshake, and delivers the accepted conn on the returned channel so the
// test can drive the rest of the wire protocol by hand — enough to exercise
// Client.Run without depending on the server package.
func fakeServer(t *testing.T) (addr string, accepted <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, socket.ProtoAccessSize)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		connCh <- c
	}()
	return ln.Addr().String(), connCh
}

func TestClientConnectsAndAuthorizes(t *testing.T) {
	addr, accepted := fakeServer(t)

	var mu sync.Mutex
	var connected bool
	c := New(WithServerAddr(addr), WithOnConnect(func(conn connection.Connection) {
		mu.Lock()
		connected = true
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Stop()
	srvConn := <-accepted
	defer srvConn.Close()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		ok := connected
		mu.Unlock()
		if ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("client never authorized")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestClientReceivesServerFrame(t *testing.T) {
	addr, accepted := fakeServer(t)

	c := New(WithServerAddr(addr))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Stop()
	srvConn := <-accepted
	defer srvConn.Close()

	// Wait for the client to finish authorizing before sending a frame.
	deadline := time.After(2 * time.Second)
	for {
		ref, ok := c.Ref(0)
		if ok {
			authorized := ref.Get().IsAuthorized()
			ref.Release()
			if authorized {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("client never authorized")
		case <-time.After(time.Millisecond):
		}
	}

	cmd := command.NewString("greetings")
	wire, _ := cmd.Encode()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(wire)))
	srvConn.Write(hdr[:])
	srvConn.Write(wire)

	deadline = time.After(2 * time.Second)
	for {
		ref, ok := c.Ref(0)
		if !ok {
			t.Fatal("client peer disappeared")
		}
		msgs := drainForTest(ref.Get())
		ref.Release()
		if len(msgs) > 0 {
			if msgs[0].Kind != command.KindString || string(msgs[0].Data) != "greetings" {
				t.Fatalf("unexpected command: %+v", msgs[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("client never received the frame")
		case <-time.After(time.Millisecond):
		}
	}
}

// drainForTest runs one RuntimeUpdate-style inbound drain via the public
// surface available to callers outside the socket package: register a
// one-shot pre_command hook and trigger a tick by waiting for the next
// natural RuntimeUpdate call from the client's own runtime goroutine.
func drainForTest(s *socket.Socket) []command.Command {
	var out []command.Command
	var mu sync.Mutex
	id := s.Hooks().Register(socket.HookPreCommand, func(owner *socket.Socket, data any) {
		mu.Lock()
		out = append(out, *data.(*command.Command))
		mu.Unlock()
	})
	defer s.Hooks().Unregister(id)
	time.Sleep(5 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	return append([]command.Command(nil), out...)
}
