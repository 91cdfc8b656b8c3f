package reqmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/neoframe/neomux/conn"
	"github.com/neoframe/neomux/roc"
)

func echoHandler(initialArgs []byte) roc.HandlerFunc {
	return func(ctx context.Context, root *roc.Fiber) error { return nil }
}

func TestLookupUnknownCode(t *testing.T) {
	m := New(nil)
	m.Register(1, 1, echoHandler)

	_, status := m.Lookup(9, 1)
	require.Equal(t, conn.StatusRequestNotSupported, status)
}

func TestLookupUnknownVersion(t *testing.T) {
	m := New(nil)
	m.Register(1, 1, echoHandler)

	_, status := m.Lookup(1, 2)
	require.Equal(t, conn.StatusRequestVersionNotSupported, status)
}

func TestLookupSupported(t *testing.T) {
	m := New(nil)
	m.Register(1, 1, echoHandler, WithTiming())

	desc, status := m.Lookup(1, 1)
	require.Equal(t, conn.StatusSupported, status)
	require.True(t, desc.Timing)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	m := New(nil)
	m.Register(1, 1, echoHandler)
	require.Panics(t, func() { m.Register(1, 1, echoHandler) })
}

func TestRateLimitedRejectsOnceBudgetExhausted(t *testing.T) {
	m := New(nil)
	m.Register(1, 1, echoHandler)

	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	limited := RateLimited(m, limiter)

	_, status := limited.Lookup(1, 1)
	require.Equal(t, conn.StatusSupported, status)

	_, status = limited.Lookup(1, 1)
	require.Equal(t, conn.StatusRequestNotSupported, status)
}
