package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neoframe/neomux/notify"
	"github.com/neoframe/neomux/roc"
)

type fakeSender struct {
	mu  sync.Mutex
	out [][]byte
}

func (f *fakeSender) EnqueueRequest(requestID uint64, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	f.out = append(f.out, cp)
	return nil
}

func (f *fakeSender) pop(t *testing.T) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.out) > 0 {
			b := f.out[0]
			f.out = f.out[1:]
			f.mu.Unlock()
			return b
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for outbound frame")
	return nil
}

// recorder collects Notification.Kind values delivered during a test.
type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Deliver(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) last() notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

// TestServerControllerDrainsFully runs a producer to completion with no
// Suspend/Resume/Stop traffic: the controller should send exactly one End
// after the producer finishes naturally, and complete once the client acks.
func TestServerControllerDrainsFully(t *testing.T) {
	sender := &fakeSender{}
	r := roc.New(1, sender, func(ctx context.Context, root *roc.Fiber) error {
		ctrl := NewServerController(root)
		for i := 0; i < 3; i++ {
			ok, err := ctrl.Next(root)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, root.Send([]byte{byte(MsgRecord), byte('a' + i)}))
		}
		ctrl.Finish(root)
		return nil
	}, nil)
	r.Run(context.Background())

	for i := 0; i < 3; i++ {
		body := sender.pop(t)
		require.Equal(t, byte(MsgRecord), body[0])
	}
	end := sender.pop(t)
	require.Equal(t, byte(MsgEnd), end[0])

	r.Deliver([]byte{byte(MsgAck)})

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("RoC did not finish after final Ack")
	}
	require.NoError(t, r.Result().Err)
}

// TestServerControllerSuspendResume verifies Suspend blocks the producer and
// Resume releases it, with an Ack for each control message.
func TestServerControllerSuspendResume(t *testing.T) {
	sender := &fakeSender{}
	producedSecond := make(chan struct{})
	suspendAcked := make(chan struct{})
	r := roc.New(1, sender, func(ctx context.Context, root *roc.Fiber) error {
		ctrl := NewServerController(root)
		ok, err := ctrl.Next(root)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, root.Send([]byte{byte(MsgRecord), '1'}))

		// Next does not block until a Suspend has been received.
		<-suspendAcked
		ok, err = ctrl.Next(root) // blocks here until Resume
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, root.Send([]byte{byte(MsgRecord), '2'}))
		close(producedSecond)

		ctrl.Finish(root)
		return nil
	}, nil)
	r.Run(context.Background())

	first := sender.pop(t)
	require.Equal(t, []byte{byte(MsgRecord), '1'}, first)

	r.Deliver([]byte{byte(MsgSuspend)})
	ack1 := sender.pop(t)
	require.Equal(t, byte(MsgAck), ack1[0])
	close(suspendAcked)

	select {
	case <-producedSecond:
		t.Fatal("producer advanced while suspended")
	case <-time.After(50 * time.Millisecond):
	}

	r.Deliver([]byte{byte(MsgResume)})
	ack2 := sender.pop(t)
	require.Equal(t, byte(MsgAck), ack2[0])

	select {
	case <-producedSecond:
	case <-time.After(time.Second):
		t.Fatal("producer never resumed")
	}

	second := sender.pop(t)
	require.Equal(t, []byte{byte(MsgRecord), '2'}, second)
	end := sender.pop(t)
	require.Equal(t, byte(MsgEnd), end[0])

	r.Deliver([]byte{byte(MsgAck)})
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("RoC did not finish")
	}
}

// TestServerControllerStopEndsEarly verifies Stop is acked, the producer
// stops, and exactly one End/Ack exchange follows — "Stop after End is
// ignored" is exercised indirectly: once ended, no further control message
// can reach the (already finished) controller fiber.
func TestServerControllerStopEndsEarly(t *testing.T) {
	sender := &fakeSender{}
	stopAcked := make(chan struct{})
	r := roc.New(1, sender, func(ctx context.Context, root *roc.Fiber) error {
		ctrl := NewServerController(root)
		for i := 0; ; i++ {
			if i == 1 {
				<-stopAcked // otherwise records keep flowing until the Stop arrives
			}
			ok, err := ctrl.Next(root)
			require.NoError(t, err)
			if !ok {
				break
			}
			require.NoError(t, root.Send([]byte{byte(MsgRecord), byte('a' + i)}))
		}
		ctrl.Finish(root)
		return nil
	}, nil)
	r.Run(context.Background())

	first := sender.pop(t)
	require.Equal(t, []byte{byte(MsgRecord), 'a'}, first)

	r.Deliver([]byte{byte(MsgStop)})
	ack := sender.pop(t)
	require.Equal(t, byte(MsgAck), ack[0])
	close(stopAcked)

	end := sender.pop(t)
	require.Equal(t, byte(MsgEnd), end[0])

	r.Deliver([]byte{byte(MsgAck)})
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("RoC did not finish")
	}
}

// TestClientControllerRejectsSecondControlMessage is the "Suspendable ACK
// linearity" property: a second Suspend/Resume/Stop sent before the first
// has been acked must be rejected rather than racing two in-flight control
// messages onto the wire.
func TestClientControllerRejectsSecondControlMessage(t *testing.T) {
	sender := &fakeSender{}
	r := roc.New(1, sender, func(ctx context.Context, root *roc.Fiber) error {
		ctrl := NewClientController(root)
		require.NoError(t, ctrl.Suspend())
		require.ErrorIs(t, ctrl.Resume(), ErrControlInFlight)

		_, body, err := root.ReceiveOneOf(byte(MsgAck))
		require.NoError(t, err)
		_ = body
		ctrl.AckReceived()

		require.NoError(t, ctrl.Resume())
		return nil
	}, nil)
	r.Run(context.Background())
	r.Deliver([]byte{byte(MsgAck)})

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("RoC did not finish")
	}
	require.NoError(t, r.Result().Err)
}

// TestDriveClientDistinguishesStoppedFromSucceeded covers the client-side
// receive loop's terminal notification, both for a natural end and for a
// client-initiated Stop.
func TestDriveClientDistinguishesStoppedFromSucceeded(t *testing.T) {
	sender := &fakeSender{}
	rec := &recorder{}
	r := roc.New(1, sender, func(ctx context.Context, root *roc.Fiber) error {
		return DriveClient(root, 1, rec, nil, func() bool { return false })
	}, nil)
	r.Run(context.Background())
	r.Deliver([]byte{byte(MsgRecord), 'x'})
	r.Deliver([]byte{byte(MsgEnd)})

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("RoC did not finish")
	}
	require.NoError(t, r.Result().Err)
	require.Equal(t, notify.KindSucceeded, rec.last().Kind)

	ackFrame := sender.pop(t)
	require.Equal(t, byte(MsgAck), ackFrame[0])

	sender2 := &fakeSender{}
	rec2 := &recorder{}
	stopped := true
	r2 := roc.New(2, sender2, func(ctx context.Context, root *roc.Fiber) error {
		return DriveClient(root, 2, rec2, nil, func() bool { return stopped })
	}, nil)
	r2.Run(context.Background())
	r2.Deliver([]byte{byte(MsgEnd)})

	select {
	case <-r2.Done():
	case <-time.After(time.Second):
		t.Fatal("RoC did not finish")
	}
	require.Equal(t, notify.KindStopped, rec2.last().Kind)
}
