package socket

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/sagernet/sing/common/bufio"
	"github.com/vmorozov/sockline/command"
	"github.com/vmorozov/sockline/internal/clockutil"
	"github.com/vmorozov/sockline/internal/logging"
	"github.com/vmorozov/sockline/internal/metrics"
)

// SendCommand enqueues cmd to the outbound queue (§4.2.3). When the queue
// exceeds the configured soft cap the caller cooperatively waits (short
// sleeps, not a condition variable) rather than failing; a Socket that has
// been shut down drops the command silently and returns false.
func (s *Socket) SendCommand(cmd command.Command) bool {
	for {
		if !s.valid.Load() {
			return false
		}
		s.outMu.Lock()
		if len(s.outbound) <= s.opts.outboundSoftCap {
			s.outbound = append(s.outbound, cmd)
			s.outMu.Unlock()
			return true
		}
		s.outMu.Unlock()
		clockutil.SleepMilliseconds(1)
	}
}

func (s *Socket) drainOutbound() []command.Command {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	n := len(s.outbound)
	if n == 0 {
		return nil
	}
	if n > s.opts.drainBatch {
		n = s.opts.drainBatch
	}
	drained := append([]command.Command(nil), s.outbound[:n]...)
	remaining := append([]command.Command(nil), s.outbound[n:]...)
	s.outbound = remaining
	return drained
}

// processOutgoingCommands drains up to drainBatch commands and appends each
// as a length-prefixed frame into the NEXT buffer, then attempts a flush.
func (s *Socket) processOutgoingCommands() {
	drained := s.drainOutbound()
	if len(drained) == 0 {
		s.flushCommandPackage()
		return
	}

	s.outBufMu.Lock()
	for _, cmd := range drained {
		encoded, err := cmd.Encode()
		if err != nil {
			logging.L().Warn("command_encode_failed", "socket", s.id, "error", err)
			continue
		}
		if len(encoded) == 0 {
			logging.L().Warn("skipping_zero_length_command", "socket", s.id, "kind", cmd.Kind)
			continue
		}
		var header [4]byte
		binary.LittleEndian.PutUint32(header[:], uint32(len(encoded)))
		s.outNext = append(s.outNext, header[:], encoded)
		s.outNextFrames++
	}
	s.outBufMu.Unlock()

	s.flushCommandPackage()
}

// flushCommandPackage implements §4.2.3's swap-on-flush: try to acquire the
// single-holder out_payload_protection gate, swap NEXT and FLUSHING under
// outBufMu, and write FLUSHING. If the gate is already held, new commands
// keep accumulating into NEXT and this call is a no-op (matches the
// source's "flush in flight" behavior). Unlike the source, an empty
// FLUSHING buffer always releases the gate — the source's equivalent path
// returned early without releasing it, which would leak the gate forever
// whenever every queued command that round was skipped as zero-length.
func (s *Socket) flushCommandPackage() bool {
	if !s.outGate.CompareAndSwap(false, true) {
		return false
	}

	s.outBufMu.Lock()
	s.outFlushing, s.outNext = s.outNext, s.outFlushing[:0]
	flushingFrames := s.outNextFrames
	s.outNextFrames = 0
	flushing := s.outFlushing
	s.outBufMu.Unlock()

	if len(flushing) == 0 {
		s.outGate.Store(false)
		return true
	}

	go s.writeFlushBuffer(flushing, flushingFrames)
	return true
}

// writeFlushBuffer performs the actual write and releases the gate on
// completion, success or failure. bufs holds one entry per frame header and
// one per frame payload, in order, so a multi-frame flush never pays the
// cost of concatenating payloads into a single buffer: it prefers the
// vectorised writer sing exposes, falling back to net.Buffers (which itself
// uses writev when the underlying conn supports it) when the conn isn't one
// sing can vectorise.
func (s *Socket) writeFlushBuffer(bufs [][]byte, frames int) {
	defer s.outGate.Store(false)

	var err error
	if bw, ok := bufio.CreateVectorisedWriter(s.conn); ok {
		_, err = bufio.WriteVectorised(bw, bufs)
	} else {
		_, err = net.Buffers(bufs).WriteTo(s.conn)
	}

	if err != nil {
		s.internalErrorCheck(err)
		return
	}

	metrics.AddFramesTx(frames)
	s.resetErrorCounter()
}

// WaitForFlush blocks until the outbound buffers are empty and no flush is
// in flight, the Socket becomes invalid, or ctx is done.
func (s *Socket) WaitForFlush(ctx context.Context) error {
	for {
		if !s.valid.Load() {
			return ErrInvalid
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.outBufMu.Lock()
		idle := len(s.outNext) == 0 && len(s.outFlushing) == 0 && !s.outGate.Load()
		s.outBufMu.Unlock()
		if idle {
			return nil
		}
		clockutil.SleepMilliseconds(1)
	}
}
