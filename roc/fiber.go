package roc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// protocolPanic is the sentinel recovered by RoC.run after a Fiber calls
// ShutdownWithProtocolError — the Go stand-in for "throw inside the
// handler's task" (spec.md §4.5).
type protocolPanic struct {
	reason string
}

// Fiber is the handle a handler (or one of its sub-fibers) uses to
// interact with the outside world. It is the sole surface spec.md §4.5/§4.6
// exposes to handler code: send, receive, yield, wait-resume, signal,
// abort. Every blocking method suspends the calling goroutine until its
// event occurs, is aborted, or ctx is cancelled.
type Fiber struct {
	name string
	d    *Dispatcher
	ctx  context.Context

	abortCh   chan struct{}
	abortOnce sync.Once
	aborted   atomic.Bool

	parent *Fiber
}

func newRootFiber(ctx context.Context, d *Dispatcher) *Fiber {
	return &Fiber{name: "root", d: d, ctx: ctx, abortCh: make(chan struct{})}
}

// Name identifies the fiber for logging (e.g. "reader", "controller",
// "writer").
func (f *Fiber) Name() string { return f.name }

// Send hands a payload to the sender (C2). Returns once enqueued; never
// waits for a response.
func (f *Fiber) Send(body []byte) error {
	if f.aborted.Load() {
		return ErrAborted
	}
	return f.d.send(body)
}

// Receive resumes when the next inbound frame for this RoC arrives,
// regardless of its message type.
func (f *Fiber) Receive() ([]byte, error) {
	return f.d.receive(f.ctx, f.abortCh, nil)
}

// ReceiveOneOf waits for any message whose first body byte is one of
// types.
func (f *Fiber) ReceiveOneOf(types ...byte) (byte, []byte, error) {
	set := make(map[byte]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	body, err := f.d.receive(f.ctx, f.abortCh, set)
	if err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

// ReceiveValue receives exactly one message and parses it with decode,
// erroring if decode rejects the payload (e.g. wrong length).
func ReceiveValue[T any](f *Fiber, decode func([]byte) (T, error)) (T, error) {
	var zero T
	body, err := f.Receive()
	if err != nil {
		return zero, err
	}
	return decode(body)
}

// ReceiveOneOfOrSignal waits for either a message of one of types or a
// Signal(kind) from a sibling fiber, whichever happens first. sawSignal
// reports which one woke the call.
func (f *Fiber) ReceiveOneOfOrSignal(kind int, types ...byte) (sawSignal bool, msgType byte, body []byte, err error) {
	set := make(map[byte]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	isSignal, raw, err := f.d.receiveOrSignal(f.ctx, f.abortCh, set, kind)
	if err != nil || isSignal {
		return isSignal, 0, nil, err
	}
	return false, raw[0], raw[1:], nil
}

// Yield gives up the scheduler once; resumes on the next opportunity.
func (f *Fiber) Yield() error {
	return f.d.yield(f.ctx, f.abortCh)
}

// WaitResume suspends until another task calls Resume(code) or
// ResumeErr(err) on this RoC. If allowed is non-empty, a delivered code
// outside that set is surfaced as ErrUnexpectedResume instead of being
// treated as a normal wake-up.
func (f *Fiber) WaitResume(allowed ...int) (int, error) {
	return f.d.waitResume(f.ctx, f.abortCh, allowed)
}

// Signal delivers kind to every fiber of this RoC currently blocked in
// WaitSignal(kind).
func (f *Fiber) Signal(kind int) {
	f.d.signal(kind)
}

// WaitSignal suspends until some fiber calls Signal(kind).
func (f *Fiber) WaitSignal(kind int) error {
	return f.d.waitSignal(f.ctx, f.abortCh, kind)
}

// ShutdownWithProtocolError, called from the root handler, ends the RoC
// with a *ProtocolError; the hosting Connection logs it and shuts down.
// Implemented as a panic/recover pair scoped to the RoC's own goroutine
// tree — the panic never escapes to the Connection's other RoCs. Called
// from a sub-fiber, the panic is recovered by Spawn and surfaces only as
// that ChildFiber's Err.
func (f *Fiber) ShutdownWithProtocolError(reason string) {
	panic(protocolPanic{reason: reason})
}

// Spawn starts a new sub-fiber cooperating on the same RoC. The parent
// handler is free to Abort it later (e.g. once some other fiber finishes
// and the parent wants to tear the rest down).
func (f *Fiber) Spawn(name string, fn func(*Fiber) error) *ChildFiber {
	child := &Fiber{name: name, d: f.d, ctx: f.ctx, abortCh: make(chan struct{}), parent: f}
	cf := &ChildFiber{fiber: child}
	f.d.wg.Add(1)
	go func() {
		defer f.d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				cf.setResult(nil, errors.Errorf("roc: sub-fiber %q panicked: %v", name, r))
			}
		}()
		err := fn(child)
		cf.setResult(nil, err)
	}()
	return cf
}

// Abort delivers a sentinel abort to c's fiber: its next suspend point
// returns ErrAborted. Idempotent.
func (f *Fiber) Abort(c *ChildFiber) {
	c.fiber.abortOnce.Do(func() {
		c.fiber.aborted.Store(true)
		close(c.fiber.abortCh)
	})
}

// ChildFiber is the handle a parent fiber holds for a sub-fiber it spawned
// via Spawn — used to Abort it and to observe its outcome.
type ChildFiber struct {
	fiber *Fiber

	mu   sync.Mutex
	done bool
	err  error
	ch   chan struct{}
	once sync.Once
}

// setResult and Done can race: one goroutine may call Done (lazily
// allocating c.ch) while another concurrently calls setResult (observing
// c.done already true). Both paths must close the very same c.ch exactly
// once, so the close itself — not just the decision to attempt it — runs
// through c.once; whichever of the two reads a non-nil c.ch under c.mu
// is the one whose close.Do call actually fires.
func (c *ChildFiber) setResult(_ any, err error) {
	c.mu.Lock()
	c.done = true
	c.err = err
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		c.once.Do(func() { close(ch) })
	}
}

// Done returns a channel closed once the sub-fiber has returned (or
// panicked).
func (c *ChildFiber) Done() <-chan struct{} {
	c.mu.Lock()
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	ch, done := c.ch, c.done
	c.mu.Unlock()
	if done {
		c.once.Do(func() { close(ch) })
	}
	return ch
}

// Err returns the sub-fiber's terminal error, if any, once Done is closed.
func (c *ChildFiber) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
