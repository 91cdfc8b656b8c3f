// Package wire implements the per-Connection sender (C2) and receiver (C3):
// the serial, queued write side and the demultiplexing read side of one
// socket. Both halves run as a single dedicated goroutine each — never more
// — so that frames in one direction are always delivered in the order they
// were enqueued or arrived, per spec.md §5's ordering guarantees.
package wire

import (
	"bufio"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/neoframe/neomux/frame"
	"github.com/neoframe/neomux/metrics"
)

func frameTypeLabel(t frame.Type) string {
	switch t {
	case frame.Authentication:
		return "authentication"
	case frame.Request:
		return "request"
	case frame.Heartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// outboundFrame is one queued write: a frame type plus its fully-formed
// body. The sender copies the body into this struct at Enqueue time — see
// the Sender doc on addArray below — so the caller's backing array can be
// reused the instant Enqueue returns.
type outboundFrame struct {
	typ  frame.Type
	body []byte
}

// Sender owns the write half of one socket once the Connection is
// Established (the handshake bytes are written to the socket directly,
// before the Sender exists). Every RoC feeds frames into it through
// Enqueue; a single background goroutine drains the queue and
// writes to the socket, batching whatever has queued up since the last
// write into one bufio flush instead of one syscall per frame.
//
// This is the "addArray" fix called out in spec.md §9: the teacher's
// original bug came from handing the writer a pointer to a caller-owned
// stack array whose length word could be overwritten before the frame was
// actually flushed. Enqueue takes ownership of a private copy immediately,
// before returning to the caller, so nothing the RoC does afterwards can
// corrupt an in-flight write.
type Sender struct {
	conn net.Conn
	log  *zap.SugaredLogger

	mu     sync.Mutex
	queue  []outboundFrame
	wake   chan struct{}
	closed bool
	err    error

	done chan struct{}
}

// NewSender starts the sender's background write goroutine.
func NewSender(conn net.Conn, log *zap.SugaredLogger) *Sender {
	s := &Sender{
		conn: conn,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue copies body and schedules it for the next write batch. It never
// blocks the caller: if the socket is momentarily unwritable, the frame
// simply waits in the queue while the background goroutine is itself
// suspended inside conn.Write.
func (s *Sender) Enqueue(typ frame.Type, body []byte) error {
	cp := make([]byte, len(body))
	copy(cp, body)

	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = errors.New("wire: sender closed")
		}
		return err
	}
	s.queue = append(s.queue, outboundFrame{typ: typ, body: cp})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// EnqueueRequest is Enqueue for a Request-typed frame, prefixing the
// request id the way frame.EncodeRequest does.
func (s *Sender) EnqueueRequest(requestID uint64, body []byte) error {
	full := make([]byte, frame.RequestIDSize+len(body))
	// Copy happens here already, so Enqueue's own copy is a second
	// (cheap, small) defensive copy of the now-private buffer — the
	// invariant is "owned before Enqueue returns", not "copied exactly
	// once".
	putUint64(full[:frame.RequestIDSize], requestID)
	copy(full[frame.RequestIDSize:], body)
	return s.Enqueue(frame.Request, full)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// run drains the queue in a loop, batching whatever is waiting into one
// bufio.Writer flush. There is no separate Flush primitive (spec.md §4.2):
// every drain cycle ends in a flush, so "enqueue" and "eventually on the
// wire" are the only two states a frame passes through.
func (s *Sender) run() {
	defer close(s.done)
	bw := bufio.NewWriter(s.conn)

	for {
		<-s.wake
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			closed := s.closed
			s.mu.Unlock()
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}

			for _, of := range batch {
				if err := frame.Encode(bw, of.typ, of.body); err != nil {
					s.fail(err)
					return
				}
				metrics.FramesSent.WithLabelValues(frameTypeLabel(of.typ)).Inc()
			}
			if err := bw.Flush(); err != nil {
				s.fail(err)
				return
			}
			if closed {
				return
			}
		}
	}
}

// fail terminates the sender task after a socket-write error, per spec.md
// §4.2: any remaining queued frames are dropped, and the failure is
// recorded for future Enqueue callers and for the Connection to observe via
// Err/Done.
func (s *Sender) fail(err error) {
	s.mu.Lock()
	s.closed = true
	s.err = err
	s.queue = nil
	s.mu.Unlock()
	if s.log != nil {
		s.log.Warnw("sender: write failed, closing", "error", err)
	}
}

// Done returns a channel closed once the sender's background goroutine has
// exited (cleanly via Close, or after a write failure).
func (s *Sender) Done() <-chan struct{} { return s.done }

// Err returns the error that caused the sender to stop, if any.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops accepting new frames and lets the background goroutine drain
// and exit.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
	return nil
}
