package roc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/neoframe/neomux/metrics"
	"github.com/neoframe/neomux/notify"
)

// HandlerFunc is the body of a RoC: it runs as the one cooperative task
// driving this (request × connection) pair, interacting with the outside
// world exclusively through root.
type HandlerFunc func(ctx context.Context, root *Fiber) error

// Result summarizes how a RoC ended, for the server-side pool and the
// client-side request set (C7) to fold into a notify.Notification.
type Result struct {
	Kind notify.Kind
	Err  error
}

// RoC is one request-on-connection: the runtime half of spec.md §3's RoC
// entity. It owns a Dispatcher (the per-RoC mailbox and sub-fiber
// coordinator) and drives HandlerFunc as a goroutine.
type RoC struct {
	RequestID uint64

	dispatcher *Dispatcher
	handler    HandlerFunc
	log        *zap.SugaredLogger

	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result Result
}

// New constructs a RoC bound to requestID and sender, ready to Run.
func New(requestID uint64, sender Sender, handler HandlerFunc, log *zap.SugaredLogger) *RoC {
	return &RoC{
		RequestID:  requestID,
		dispatcher: NewDispatcher(requestID, sender),
		handler:    handler,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Run starts the handler goroutine. ctx cancellation (e.g. the owning
// Connection shutting down) aborts the root fiber and, transitively, every
// sub-fiber it spawned.
func (r *RoC) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	root := newRootFiber(ctx, r.dispatcher)
	metrics.RoCsStarted.Inc()

	go func() {
		defer r.finish(root)
		err := r.runHandler(root)
		r.setResult(classify(err), err)
	}()
}

func (r *RoC) runHandler(root *Fiber) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if pp, ok := rec.(protocolPanic); ok {
				err = &ProtocolError{Reason: pp.reason}
				return
			}
			err = &HandlerPanic{Recovered: rec}
		}
	}()
	return r.handler(root.ctx, root)
}

// finish waits for every spawned sub-fiber to actually return before
// declaring the RoC terminal — a parent returning doesn't mean its
// children have unwound yet.
func (r *RoC) finish(root *Fiber) {
	root.d.wg.Wait()
	r.once.Do(func() { close(r.done) })
}

func (r *RoC) setResult(kind notify.Kind, err error) {
	r.result = Result{Kind: kind, Err: err}
	metrics.RoCsFinished.WithLabelValues(kind.String()).Inc()
}

func classify(err error) notify.Kind {
	if err == nil {
		return notify.KindSucceeded
	}
	if _, ok := err.(*ProtocolError); ok {
		return notify.KindConnectionClosed
	}
	return notify.KindFailed
}

// Done returns a channel closed once the RoC's handler (and all of its
// sub-fibers) have terminated.
func (r *RoC) Done() <-chan struct{} { return r.done }

// Result returns the terminal outcome. Only meaningful after Done is
// closed.
func (r *RoC) Result() Result { return r.result }

// Deliver feeds one inbound frame body (with the request-id already
// stripped) into this RoC's mailbox.
func (r *RoC) Deliver(body []byte) {
	r.dispatcher.deliver(body)
}

// Resume wakes a fiber blocked in WaitResume with code.
func (r *RoC) Resume(code int) {
	r.dispatcher.resume(resumeEvent{code: code})
}

// ResumeErr wakes a fiber blocked in WaitResume with an error instead of a
// code. (A Connection shutting down uses Abort, not ResumeErr.)
func (r *RoC) ResumeErr(err error) {
	r.dispatcher.resume(resumeEvent{err: err})
}

// Abort cancels the RoC's root context, aborting the root fiber and every
// sub-fiber transitively.
func (r *RoC) Abort() {
	if r.cancel != nil {
		r.cancel()
	}
}
