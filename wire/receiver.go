package wire

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/neoframe/neomux/frame"
	"github.com/neoframe/neomux/metrics"
)

// Router is supplied by conn.Connection and decides what happens to each
// decoded Request frame: deliver it to a live RoC's mailbox, hand it to the
// server-side request map as the first frame of a brand new request, or
// drop it silently because its id belongs to a RoC that has already ended
// locally (spec.md §4.3's intentional race-free policy).
type Router interface {
	Route(requestID uint64, body []byte) error
}

// Receiver owns the read half of one socket. It is the only goroutine that
// ever calls Read on the connection — frame boundaries must be parsed by a
// single sequential reader — and it demultiplexes every Request frame by
// the id in its first 8 body bytes.
type Receiver struct {
	conn   net.Conn
	router Router
	log    *zap.SugaredLogger

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// NewReceiver starts the receiver's background read goroutine.
func NewReceiver(conn net.Conn, router Router, log *zap.SugaredLogger) *Receiver {
	r := &Receiver{
		conn:   conn,
		router: router,
		log:    log,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Receiver) run() {
	defer close(r.done)
	for {
		h, body, err := frame.Decode(r.conn)
		if err != nil {
			r.fail(err)
			return
		}

		metrics.FramesReceived.WithLabelValues(frameTypeLabel(h.Type)).Inc()

		switch h.Type {
		case frame.Heartbeat:
			continue
		case frame.Authentication:
			r.fail(errors.Wrap(frame.ErrProtocol, "authentication frame after handshake"))
			return
		case frame.Request:
			id, rest, err := frame.SplitRequestID(body)
			if err != nil {
				r.fail(err)
				return
			}
			if err := r.router.Route(id, rest); err != nil {
				r.fail(err)
				return
			}
		}
	}
}

func (r *Receiver) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	if r.log != nil {
		r.log.Debugw("receiver: stopping", "error", err)
	}
}

// Done returns a channel closed once the receiver's read goroutine has
// exited (connection closed, protocol error, or I/O error).
func (r *Receiver) Done() <-chan struct{} { return r.done }

// Err returns the error that ended the receive loop, if any.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
