// Package roc implements the request-on-connection runtime: C5 (one
// cooperative task per request × connection pair) and C6 (the per-RoC
// event dispatcher that lets a handler split into cooperating sub-fibers).
//
// The framework has no stackful-coroutine primitive in the standard
// library, so each "fiber" is modeled as a goroutine that only ever
// communicates with the outside world through a *Fiber's methods — send,
// receive, signal, abort, yield, wait-resume. Handler code never touches a
// raw channel or mutex; the dispatcher is the only thing that does.
package roc

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/neoframe/neomux/frame"
)

// ErrAborted is returned from a Fiber's blocking primitive when another
// fiber (or the Connection, during shutdown) calls Abort on it.
var ErrAborted = errors.New("roc: fiber aborted")

// ErrUnexpectedResume is returned by WaitResume when the delivered resume
// code is not one of the caller's allowed codes — spec.md §4.5's "an
// unexpected manual resume is a protocol error, never a silent wake-up".
var ErrUnexpectedResume = errors.Wrap(frame.ErrProtocol, "unexpected manual resume code")

// Sender is the narrow slice of wire.Sender the dispatcher needs: enqueue
// one Request-typed frame body for this RoC's id.
type Sender interface {
	EnqueueRequest(requestID uint64, body []byte) error
}

type waitReq struct {
	types map[byte]bool // nil: wildcard, matches any message
	ch    chan []byte
}

type resumeEvent struct {
	code int
	err  error
}

// Dispatcher is the per-RoC multiplexer shared by the handler's root fiber
// and every sub-fiber it spawns. It owns the RoC's inbound mailbox
// (backlog + pending waiters, demultiplexed by the first body byte) and
// its resume-code / signal side channels.
type Dispatcher struct {
	requestID uint64
	sender    Sender

	mu      sync.Mutex
	backlog [][]byte
	waiters []*waitReq

	sigMu      sync.Mutex
	sigWaiters map[int][]chan struct{}

	resumeMu sync.Mutex
	resumeCh chan resumeEvent

	wg sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher for one RoC.
func NewDispatcher(requestID uint64, sender Sender) *Dispatcher {
	return &Dispatcher{
		requestID:  requestID,
		sender:     sender,
		sigWaiters: make(map[int][]chan struct{}),
		resumeCh:   make(chan resumeEvent, 8),
	}
}

// deliver is called by the RoC's mailbox feed (ultimately from
// wire.Receiver via Connection's Router) for every inbound frame body
// addressed to this RoC. It either hands the body straight to a fiber
// already waiting on a matching type, or appends it to the backlog in
// arrival order.
func (d *Dispatcher) deliver(body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, w := range d.waiters {
		if matches(w.types, body) {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			w.ch <- body
			return
		}
	}
	d.backlog = append(d.backlog, body)
}

func matches(types map[byte]bool, body []byte) bool {
	if types == nil {
		return true
	}
	if len(body) == 0 {
		return false
	}
	return types[body[0]]
}

// receive is the shared blocking implementation behind Fiber.Receive and
// Fiber.ReceiveOneOf: check the backlog first (preserving arrival order),
// else register a waiter and suspend until deliver() or abort resolves it.
func (d *Dispatcher) receive(ctx context.Context, abort <-chan struct{}, types map[byte]bool) ([]byte, error) {
	d.mu.Lock()
	for i, b := range d.backlog {
		if matches(types, b) {
			d.backlog = append(d.backlog[:i], d.backlog[i+1:]...)
			d.mu.Unlock()
			return b, nil
		}
	}
	w := &waitReq{types: types, ch: make(chan []byte, 1)}
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()

	select {
	case body := <-w.ch:
		return body, nil
	case <-abort:
		d.cancelWaiter(w)
		return nil, ErrAborted
	case <-ctx.Done():
		d.cancelWaiter(w)
		return nil, ctx.Err()
	}
}

// receiveOrSignal races a typed-message wait against a single signal kind,
// letting a fiber cooperatively rendezvous on "whichever happens first" —
// e.g. a controller fiber waiting for the next control message OR a
// sibling producer fiber signalling that it has naturally run out of data.
func (d *Dispatcher) receiveOrSignal(ctx context.Context, abort <-chan struct{}, types map[byte]bool, kind int) (sawSignal bool, body []byte, err error) {
	d.mu.Lock()
	for i, b := range d.backlog {
		if matches(types, b) {
			d.backlog = append(d.backlog[:i], d.backlog[i+1:]...)
			d.mu.Unlock()
			return false, b, nil
		}
	}
	w := &waitReq{types: types, ch: make(chan []byte, 1)}
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()

	sigCh := make(chan struct{})
	d.sigMu.Lock()
	d.sigWaiters[kind] = append(d.sigWaiters[kind], sigCh)
	d.sigMu.Unlock()

	select {
	case b := <-w.ch:
		d.cancelSignalWaiter(kind, sigCh)
		return false, b, nil
	case <-sigCh:
		d.cancelWaiter(w)
		return true, nil, nil
	case <-abort:
		d.cancelWaiter(w)
		d.cancelSignalWaiter(kind, sigCh)
		return false, nil, ErrAborted
	case <-ctx.Done():
		d.cancelWaiter(w)
		d.cancelSignalWaiter(kind, sigCh)
		return false, nil, ctx.Err()
	}
}

func (d *Dispatcher) cancelSignalWaiter(kind int, target chan struct{}) {
	d.sigMu.Lock()
	defer d.sigMu.Unlock()
	waiters := d.sigWaiters[kind]
	for i, w := range waiters {
		if w == target {
			d.sigWaiters[kind] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) cancelWaiter(target *waitReq) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.waiters {
		if w == target {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return
		}
	}
}

// send enqueues body as a Request frame for this RoC's id.
func (d *Dispatcher) send(body []byte) error {
	return d.sender.EnqueueRequest(d.requestID, body)
}

// signal broadcasts kind to every fiber currently blocked in WaitSignal(kind).
func (d *Dispatcher) signal(kind int) {
	d.sigMu.Lock()
	waiters := d.sigWaiters[kind]
	delete(d.sigWaiters, kind)
	d.sigMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (d *Dispatcher) waitSignal(ctx context.Context, abort <-chan struct{}, kind int) error {
	ch := make(chan struct{})
	d.sigMu.Lock()
	d.sigWaiters[kind] = append(d.sigWaiters[kind], ch)
	d.sigMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-abort:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resume is called by RoC.Resume/RoC.ResumeErr — code delivered by
// something outside this RoC (a timer, an admin command) to wake a fiber
// blocked in WaitResume.
func (d *Dispatcher) resume(ev resumeEvent) {
	select {
	case d.resumeCh <- ev:
	default:
		// Buffer full: drop the oldest to make room rather than
		// block the resumer; resume codes are a best-effort signalling
		// channel, not a durable queue.
		select {
		case <-d.resumeCh:
		default:
		}
		d.resumeCh <- ev
	}
}

func (d *Dispatcher) waitResume(ctx context.Context, abort <-chan struct{}, allowed []int) (int, error) {
	for {
		select {
		case ev := <-d.resumeCh:
			if ev.err != nil {
				return 0, ev.err
			}
			if len(allowed) == 0 || containsInt(allowed, ev.code) {
				return ev.code, nil
			}
			return 0, errors.Wrapf(ErrUnexpectedResume, "code=%d allowed=%v", ev.code, allowed)
		case <-abort:
			return 0, ErrAborted
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// yield gives up the scheduler once; the Go runtime has no notion of
// "next event-loop iteration" the way a single-threaded cooperative
// scheduler does, so this is modeled as runtime.Gosched() plus an abort
// check, which is the idiomatic Go equivalent: let other runnable
// goroutines (other fibers, the sender/receiver) make progress before this
// one continues.
func (d *Dispatcher) yield(ctx context.Context, abort <-chan struct{}) error {
	select {
	case <-abort:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	default:
		runtime.Gosched()
		return nil
	}
}
