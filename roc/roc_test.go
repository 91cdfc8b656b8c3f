package roc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neoframe/neomux/notify"
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

func (f *fakeSender) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.out))
	copy(out, f.out)
	return out
}

func TestRoCSendReceive(t *testing.T) {
	sender := &fakeSender{}
	r := New(1, sender, func(ctx context.Context, root *Fiber) error {
		require.NoError(t, root.Send([]byte("ping")))
		body, err := root.Receive()
		require.NoError(t, err)
		require.Equal(t, []byte("pong"), body)
		return nil
	}, nil)

	r.Run(context.Background())
	r.Deliver([]byte("pong"))

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("RoC did not finish")
	}
	require.NoError(t, r.Result().Err)
	require.Equal(t, notify.KindSucceeded, r.Result().Kind)
	require.Equal(t, [][]byte{[]byte("ping")}, sender.snapshot())
}

func TestRoCReceiveOneOfBacklogOrder(t *testing.T) {
	sender := &fakeSender{}
	done := make(chan []byte, 2)
	r := New(1, sender, func(ctx context.Context, root *Fiber) error {
		_, body, err := root.ReceiveOneOf('A')
		if err != nil {
			return err
		}
		done <- body
		_, body, err = root.ReceiveOneOf('A')
		if err != nil {
			return err
		}
		done <- body
		return nil
	}, nil)
	r.Run(context.Background())

	r.Deliver([]byte("A1"))
	r.Deliver([]byte("A2"))

	first := <-done
	second := <-done
	require.Equal(t, []byte("1"), first)
	require.Equal(t, []byte("2"), second)
}

func TestRoCShutdownWithProtocolError(t *testing.T) {
	sender := &fakeSender{}
	r := New(1, sender, func(ctx context.Context, root *Fiber) error {
		root.ShutdownWithProtocolError("bad frame")
		return nil // unreachable
	}, nil)
	r.Run(context.Background())

	<-r.Done()
	require.Error(t, r.Result().Err)
	var pe *ProtocolError
	require.ErrorAs(t, r.Result().Err, &pe)
	require.Equal(t, "bad frame", pe.Reason)
	require.Equal(t, notify.KindConnectionClosed, r.Result().Kind)
}

func TestRoCAbortViaContext(t *testing.T) {
	sender := &fakeSender{}
	r := New(1, sender, func(ctx context.Context, root *Fiber) error {
		_, err := root.Receive()
		return err
	}, nil)
	r.Run(context.Background())
	r.Abort()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("RoC did not finish after Abort")
	}
	require.Error(t, r.Result().Err)
}

func TestRoCWaitResumeUnexpectedCode(t *testing.T) {
	sender := &fakeSender{}
	resultCh := make(chan error, 1)
	r := New(1, sender, func(ctx context.Context, root *Fiber) error {
		_, err := root.WaitResume(1, 2)
		resultCh <- err
		return err
	}, nil)
	r.Run(context.Background())
	r.Resume(99)

	err := <-resultCh
	require.ErrorIs(t, err, ErrUnexpectedResume)
}

func TestRoCSubFiberAbort(t *testing.T) {
	sender := &fakeSender{}
	childStarted := make(chan struct{})
	childDone := make(chan error, 1)

	r := New(1, sender, func(ctx context.Context, root *Fiber) error {
		child := root.Spawn("worker", func(f *Fiber) error {
			close(childStarted)
			_, err := f.Receive()
			return err
		})
		<-childStarted
		root.Abort(child)
		select {
		case <-child.Done():
			childDone <- child.Err()
		case <-time.After(time.Second):
			t.Error("child did not abort")
		}
		return nil
	}, nil)
	r.Run(context.Background())

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("RoC did not finish")
	}
	require.ErrorIs(t, <-childDone, ErrAborted)
}

func TestRoCSignalBroadcast(t *testing.T) {
	sender := &fakeSender{}
	gotA := make(chan struct{})
	gotB := make(chan struct{})

	r := New(1, sender, func(ctx context.Context, root *Fiber) error {
		a := root.Spawn("a", func(f *Fiber) error {
			if err := f.WaitSignal(7); err != nil {
				return err
			}
			close(gotA)
			return nil
		})
		b := root.Spawn("b", func(f *Fiber) error {
			if err := f.WaitSignal(7); err != nil {
				return err
			}
			close(gotB)
			return nil
		})
		time.Sleep(20 * time.Millisecond) // let both register their wait
		root.Signal(7)
		<-a.Done()
		<-b.Done()
		return nil
	}, nil)
	r.Run(context.Background())

	select {
	case <-gotA:
	case <-time.After(time.Second):
		t.Fatal("fiber a never observed signal")
	}
	select {
	case <-gotB:
	case <-time.After(time.Second):
		t.Fatal("fiber b never observed signal")
	}
}
