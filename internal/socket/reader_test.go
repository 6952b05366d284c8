package socket

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/vmorozov/sockline/command"
)

// TestFragmentedFrame exercises the fragmentation path (§8 boundary
// behaviors): a payload larger than MAX_PAYLOAD_SIZE must still decode
// byte-identical on the far side, reassembled across several chunk reads.
func TestFragmentedFrame(t *testing.T) {
	server, client := pipePair(t, WithMaxPayloadSize(256))
	defer server.Shutdown()
	defer client.Shutdown()
	authorize(t, server, client)

	payload := bytes.Repeat([]byte{0x5A}, 100000)
	client.SendCommand(command.New(command.KindInherited, payload))

	stop := make(chan struct{})
	go pump(client, stop)
	defer close(stop)

	deadline := time.After(3 * time.Second)
	for {
		msgs := server.drainInbound()
		if len(msgs) > 0 {
			if !bytes.Equal(msgs[0].Data, payload) {
				t.Fatal("reassembled payload does not match original")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("never received fragmented frame")
		case <-time.After(time.Millisecond):
		}
	}
}

// TestKeepaliveFrameDiscarded confirms an L==0 header is consumed without
// producing a Command.
func TestKeepaliveFrameDiscarded(t *testing.T) {
	a, b := net.Pipe()
	s := New(1, a)
	defer s.Shutdown()

	go s.runFrameReader()
	s.authorized.Store(true)

	go func() {
		b.Write([]byte{0, 0, 0, 0}) // L == 0
		cmd := command.NewString("after-keepalive")
		wire, _ := cmd.Encode()
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(wire)))
		b.Write(hdr[:])
		b.Write(wire)
	}()

	deadline := time.After(2 * time.Second)
	for {
		msgs := s.drainInbound()
		if len(msgs) > 0 {
			if msgs[0].Kind != command.KindString || string(msgs[0].Data) != "after-keepalive" {
				t.Fatalf("unexpected command after keepalive: %+v", msgs[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("never received command after keepalive no-op")
		case <-time.After(time.Millisecond):
		}
	}
}
