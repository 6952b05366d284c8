package socket

import (
	"encoding/binary"
	"io"

	"github.com/vmorozov/sockline/command"
	"github.com/vmorozov/sockline/internal/logging"
	"github.com/vmorozov/sockline/internal/metrics"
)

// runFrameReader is the reader goroutine started once a Socket authorizes.
// It loops reading frames until a non-retryable error shuts the Socket
// down. Because only this goroutine ever calls readOneFrame, the
// in_payload_protection gate (inGate) can never actually be contended;
// it is kept as an explicit acquire/release pair to preserve the single-
// holder invariant §4.2.2 calls for, and to make a future refactor that
// parallelizes reads fail loudly instead of silently.
func (s *Socket) runFrameReader() {
	for s.valid.Load() {
		if !s.readOneFrame() {
			return
		}
	}
}

// readOneFrame reads and dispatches exactly one frame. It returns false
// when the reader loop should stop: the in_payload_protection gate was
// already held, or a read error was not retryable (internalErrorCheck has
// already been called and shut the socket down in that case).
func (s *Socket) readOneFrame() bool {
	if !s.acquireInGate() {
		logging.L().Error("in_payload_protection_held", "socket", s.id)
		return false
	}
	defer s.releaseInGate()

	header := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return s.internalErrorCheck(err)
	}

	length := binary.LittleEndian.Uint32(header)
	if length == 0 {
		s.resetErrorCounter()
		return true // keepalive no-op, re-enter
	}

	return s.readFragmented(length)
}

// readFragmented implements incoming_data_handle: read length bytes in
// chunks bounded by MAX_PAYLOAD_SIZE, then decode the reassembled buffer
// as a Command.
func (s *Socket) readFragmented(length uint32) bool {
	reassembly := make([]byte, 0, length)
	remaining := length
	if s.recvCache == nil {
		s.recvCache = make([]byte, s.opts.maxPayloadSize)
	}
	chunkBuf := s.recvCache

	for remaining > 0 {
		chunk := remaining
		if chunk > uint32(s.opts.maxPayloadSize) {
			chunk = uint32(s.opts.maxPayloadSize)
		}
		if _, err := io.ReadFull(s.conn, chunkBuf[:chunk]); err != nil {
			return s.internalErrorCheck(err)
		}
		reassembly = append(reassembly, chunkBuf[:chunk]...)
		remaining -= chunk
	}

	cmd, err := command.Decode(reassembly)
	if err != nil {
		logging.L().Warn("frame_decode_failed", "socket", s.id, "error", err)
		metrics.IncMalformed()
		s.resetErrorCounter()
		return true // discard, resume stream
	}

	metrics.IncFramesRx()
	s.enqueueInbound(cmd)
	s.resetErrorCounter()
	return true
}

func (s *Socket) acquireInGate() bool {
	return s.inGate.CompareAndSwap(false, true)
}

func (s *Socket) releaseInGate() {
	s.inGate.Store(false)
}
