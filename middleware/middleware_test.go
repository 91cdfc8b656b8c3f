package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neoframe/neomux/roc"
)

type fakeSender struct{}

func (fakeSender) EnqueueRequest(requestID uint64, body []byte) error { return nil }

func okHandler(ctx context.Context, root *roc.Fiber) error { return nil }

func slowHandler(ctx context.Context, root *roc.Fiber) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

func TestLogging(t *testing.T) {
	handler := Logging(zap.NewNop().Sugar())(okHandler)
	r := roc.New(1, fakeSender{}, handler, nil)
	r.Run(context.Background())

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("handler did not finish")
	}
	require.NoError(t, r.Result().Err)
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(okHandler)
	r := roc.New(1, fakeSender{}, handler, nil)
	r.Run(context.Background())

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("handler did not finish")
	}
	require.NoError(t, r.Result().Err)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)
	r := roc.New(1, fakeSender{}, handler, nil)
	r.Run(context.Background())

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("handler did not finish")
	}
	require.Error(t, r.Result().Err)
}

func TestChain(t *testing.T) {
	chained := Chain(Logging(zap.NewNop().Sugar()), Timeout(500*time.Millisecond))
	handler := chained(okHandler)
	r := roc.New(1, fakeSender{}, handler, nil)
	r.Run(context.Background())

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("handler did not finish")
	}
	require.NoError(t, r.Result().Err)
}
