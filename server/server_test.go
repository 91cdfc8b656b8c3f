package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neoframe/neomux/auth"
	"github.com/neoframe/neomux/conn"
	"github.com/neoframe/neomux/roc"
)

const testVersion byte = 3

type echoMap struct{}

func (echoMap) Lookup(code, version byte) (conn.Descriptor, conn.Status) {
	if code != 1 || version != 1 {
		return conn.Descriptor{}, conn.StatusRequestNotSupported
	}
	return conn.Descriptor{Code: 1, Version: 1, New: func(initialArgs []byte) roc.HandlerFunc {
		return func(ctx context.Context, root *roc.Fiber) error {
			return root.Send(append([]byte{0xEE}, initialArgs...))
		}
	}}, conn.StatusSupported
}

func dialClient(t *testing.T, addr string) *conn.Connection {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c := conn.New(nc, conn.Config{
		Role:            conn.RoleClient,
		ProtocolVersion: testVersion,
		ClientName:      "alice",
		ClientKey:       []byte("shared-key"),
	})
	require.NoError(t, c.Start())
	return c
}

func TestServerAcceptsAndDispatches(t *testing.T) {
	store := auth.NewMapStore(map[string][]byte{"alice": []byte("shared-key")})
	svr := New(Config{ProtocolVersion: testVersion, CredentialStore: store, RequestMap: echoMap{}})

	done := make(chan error, 1)
	addrCh := make(chan string, 1)
	go func() {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			done <- err
			return
		}
		svr.listener = l
		addrCh <- l.Addr().String()
		done <- svr.serveOn(l)
	}()

	addr := <-addrCh
	client := dialClient(t, addr)
	defer client.Close()

	received := make(chan []byte, 1)
	client.StartRoC(1, func(ctx context.Context, root *roc.Fiber) error {
		require.NoError(t, root.Send([]byte{1, 1, 'h', 'i'}))
		require.NoError(t, drainStatus(root))
		body, err := root.Receive()
		require.NoError(t, err)
		received <- body
		return nil
	})

	select {
	case body := <-received:
		require.Equal(t, []byte{0xEE, 'h', 'i'}, body)
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svr.Shutdown(ctx))
}

func drainStatus(root *roc.Fiber) error {
	_, _, err := root.ReceiveOneOf(byte(conn.StatusSupported))
	return err
}

func TestDropAllConnectionsClosesButKeepsListening(t *testing.T) {
	store := auth.NewMapStore(map[string][]byte{"alice": []byte("shared-key")})
	svr := New(Config{ProtocolVersion: testVersion, CredentialStore: store})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svr.listener = l
	go svr.serveOn(l)

	client := dialClient(t, l.Addr().String())
	defer client.Close()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, svr.ConnectionCount())

	svr.DropAllConnections()

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client connection was not dropped")
	}

	// Listener must still accept new connections after a drop.
	client2 := dialClient(t, l.Addr().String())
	defer client2.Close()
	require.Equal(t, conn.StateEstablished, client2.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svr.Shutdown(ctx))
}
