// Package control implements the suspendable-request mini control-plane
// (C9): the Suspend/Resume/Stop/Ack/End protocol long-running requests
// (e.g. an iteration over all records) use to let a client throttle or
// cancel a server-side producer cooperatively, with the single-in-flight
// ACK ordering spec.md §4.9 and §8 require.
package control

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/neoframe/neomux/metrics"
	"github.com/neoframe/neomux/notify"
	"github.com/neoframe/neomux/roc"
)

// MsgType is the first body byte of every control-protocol frame.
type MsgType byte

const (
	MsgRecord  MsgType = 0
	MsgEnd     MsgType = 1
	MsgAck     MsgType = 2
	MsgErr     MsgType = 3
	MsgSuspend MsgType = 4
	MsgResume  MsgType = 5
	MsgStop    MsgType = 6
)

// kindProducerDone and kindResumed are internal roc.Fiber signal kinds
// used to rendezvous the controller fiber with the producer fiber on the
// same RoC; they never appear on the wire.
const (
	kindProducerDone = -1
	kindResumed      = -2
)

// ErrControlInFlight is returned by ClientController when Suspend/Resume/
// Stop is called again before the previous control message has been
// acked — spec.md §8's "Suspendable ACK linearity" property.
var ErrControlInFlight = errors.New("control: previous control message not yet acked")

// ServerController is the server-side half: it owns the controller
// sub-fiber that listens for Suspend/Resume/Stop and acks them, and
// coordinates with a sibling producer fiber via Next/Finish.
type ServerController struct {
	mu            sync.Mutex
	suspended     bool
	stopRequested bool
	ended         bool
}

// NewServerController spawns the controller sub-fiber on root and returns
// a handle the handler's producer fiber uses to cooperate with it.
func NewServerController(root *roc.Fiber) *ServerController {
	c := &ServerController{}
	root.Spawn("controller", c.run)
	return c
}

func (c *ServerController) run(f *roc.Fiber) error {
	for {
		sawSignal, typ, _, err := f.ReceiveOneOfOrSignal(kindProducerDone, byte(MsgSuspend), byte(MsgResume), byte(MsgStop))
		if err != nil {
			return err
		}
		if sawSignal {
			return c.sendEndAndWaitAck(f)
		}
		switch MsgType(typ) {
		case MsgSuspend:
			c.mu.Lock()
			c.suspended = true
			c.mu.Unlock()
			if err := f.Send([]byte{byte(MsgAck)}); err != nil {
				return err
			}
		case MsgResume:
			c.mu.Lock()
			c.suspended = false
			c.mu.Unlock()
			if err := f.Send([]byte{byte(MsgAck)}); err != nil {
				return err
			}
			f.Signal(kindResumed)
		case MsgStop:
			c.mu.Lock()
			c.stopRequested = true
			c.mu.Unlock()
			if err := f.Send([]byte{byte(MsgAck)}); err != nil {
				return err
			}
			f.Signal(kindResumed) // wake a producer that was suspended so it can notice the stop
			if _, _, _, err := f.ReceiveOneOfOrSignal(kindProducerDone); err != nil {
				return err
			}
			return c.sendEndAndWaitAck(f)
		}
	}
}

func (c *ServerController) sendEndAndWaitAck(f *roc.Fiber) error {
	if err := f.Send([]byte{byte(MsgEnd)}); err != nil {
		return err
	}
	if _, _, err := f.ReceiveOneOf(byte(MsgAck)); err != nil {
		return err
	}
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	return nil
}

func (c *ServerController) isSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

func (c *ServerController) isStopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// Next is the per-record checkpoint a producer fiber calls before
// emitting each record: it blocks while suspended, and returns ok=false
// once a Stop has been acked, telling the producer to stop producing
// (spec.md §4.9: "will not produce more data frames while suspended...
// On Stop it stops producing").
func (c *ServerController) Next(f *roc.Fiber) (ok bool, err error) {
	for {
		if c.isStopRequested() {
			return false, nil
		}
		if !c.isSuspended() {
			return true, nil
		}
		if err := f.WaitSignal(kindResumed); err != nil {
			return false, err
		}
	}
}

// Finish is called by the producer fiber exactly once, however its loop
// ended (ran out of data, or Next returned ok=false), to hand control back
// to the controller fiber so it can send End and wait for the final Ack.
func (c *ServerController) Finish(f *roc.Fiber) {
	f.Signal(kindProducerDone)
}

// ClientController is the client-side half: Suspend/Resume/Stop enforce
// the single-in-flight invariant, rejecting a new control message until
// the previous one's Ack has been observed by the client's receive loop
// (AckReceived).
type ClientController struct {
	f *roc.Fiber

	mu       sync.Mutex
	inFlight bool
	pending  MsgType
}

// NewClientController wraps f, the RoC's root fiber (or a dedicated
// control sub-fiber), with the client-side ack-linearity guard.
func NewClientController(f *roc.Fiber) *ClientController {
	return &ClientController{f: f}
}

func (c *ClientController) send(typ MsgType) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		metrics.ControlMessagesRejected.WithLabelValues(msgTypeLabel(typ)).Inc()
		return ErrControlInFlight
	}
	c.inFlight = true
	c.pending = typ
	c.mu.Unlock()

	if err := c.f.Send([]byte{byte(typ)}); err != nil {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// Suspend sends a Suspend control message, or ErrControlInFlight if a
// previous control message has not yet been acked.
func (c *ClientController) Suspend() error { return c.send(MsgSuspend) }

// Resume sends a Resume control message.
func (c *ClientController) Resume() error { return c.send(MsgResume) }

// Stop sends a Stop control message.
func (c *ClientController) Stop() error { return c.send(MsgStop) }

// AckReceived clears the in-flight flag and reports which control message
// was just acked (MsgSuspend, MsgResume, or MsgStop); the client's receive
// loop calls this on every MsgAck it sees so it can translate the ack into
// the matching notify.Kind (spec.md §7's suspended/resumed categories).
func (c *ClientController) AckReceived() MsgType {
	c.mu.Lock()
	defer c.mu.Unlock()
	typ := c.pending
	c.inFlight = false
	return typ
}

func msgTypeLabel(t MsgType) string {
	switch t {
	case MsgSuspend:
		return "suspend"
	case MsgResume:
		return "resume"
	case MsgStop:
		return "stop"
	default:
		return "unknown"
	}
}

// DriveClient runs the client-side receive loop for a suspendable request:
// it demultiplexes Record/Ack/Error/End messages, delivers notifications,
// clears ctrl's in-flight flag on Ack, and — once End arrives — sends the
// final Ack and returns. stoppedFn reports whether the local Stop() was
// the reason this stream is ending, so the terminal notification can
// distinguish KindStopped from KindSucceeded.
func DriveClient(f *roc.Fiber, requestID uint64, n notify.Notifier, ctrl *ClientController, stoppedFn func() bool) error {
	for {
		typ, body, err := f.ReceiveOneOf(byte(MsgRecord), byte(MsgAck), byte(MsgErr), byte(MsgEnd))
		if err != nil {
			return err
		}
		switch MsgType(typ) {
		case MsgRecord:
			n.Deliver(notify.Notification{Kind: notify.KindRecord, RequestID: requestID, Record: body})
		case MsgAck:
			if ctrl != nil {
				switch ctrl.AckReceived() {
				case MsgSuspend:
					n.Deliver(notify.Notification{Kind: notify.KindSuspended, RequestID: requestID})
				case MsgResume:
					n.Deliver(notify.Notification{Kind: notify.KindResumed, RequestID: requestID})
				}
			}
		case MsgErr:
			n.Deliver(notify.Notification{Kind: notify.KindNodeError, RequestID: requestID, Err: errors.New(string(body))})
		case MsgEnd:
			// A stray Stop may race in after we've already moved on, but
			// we are the client here — nothing left to ignore. Send the
			// final Ack that lets the server release its RoC.
			if err := f.Send([]byte{byte(MsgAck)}); err != nil {
				return err
			}
			kind := notify.KindSucceeded
			if stoppedFn != nil && stoppedFn() {
				kind = notify.KindStopped
			}
			n.Deliver(notify.Notification{Kind: kind, RequestID: requestID})
			return nil
		}
	}
}
