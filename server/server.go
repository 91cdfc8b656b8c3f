// Package server implements the node-side listener and connection pool
// (C10's server half): Serve accepts sockets and hands each to a new
// conn.Connection, authenticated against a shared credential store and
// dispatching new requests through a conn.RequestMap (C8); Shutdown drains
// every live Connection's in-flight RoCs with a deadline before closing.
package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/neoframe/neomux/auth"
	"github.com/neoframe/neomux/conn"
	"github.com/neoframe/neomux/notify"
	"github.com/neoframe/neomux/registry"
)

// Config configures a Server.
type Config struct {
	ProtocolVersion byte
	CredentialStore auth.Store
	RequestMap      conn.RequestMap
	Notifier        notify.Notifier
	Log             *zap.SugaredLogger

	// Registry/PoolName/AdvertiseAddr, if set, register this node in a
	// discovery backend for the duration of Serve and deregister it on
	// Shutdown. AdvertiseAddr is the routable address clients should dial,
	// which may differ from the listen address ("127.0.0.1:8080" vs
	// ":8080").
	Registry        registry.Registry
	PoolName        string
	AdvertiseAddr   string
	RegistrationTTL int64 // seconds; defaults to 10 if zero

	// AdminSocketPath, if set, runs the unix-socket admin command listener
	// (spec.md §6: "reset" and "drop-all-connections") alongside the main
	// listener.
	AdminSocketPath string
}

// Server is the listener plus the live pool of accepted Connections.
type Server struct {
	cfg Config

	listener      net.Listener
	adminListener net.Listener

	mu       sync.Mutex
	conns    map[*conn.Connection]struct{}
	draining bool
}

// New constructs a Server. Call Serve to start accepting connections.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, conns: make(map[*conn.Connection]struct{})}
}

// Serve listens on address and accepts Connections until Shutdown closes
// the listener. It blocks — run it in its own goroutine.
func (s *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrap(err, "server: listen")
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.cfg.Registry != nil && s.cfg.PoolName != "" {
		ttl := s.cfg.RegistrationTTL
		if ttl == 0 {
			ttl = 10
		}
		node := registry.Node{Addr: s.cfg.AdvertiseAddr}
		if err := s.cfg.Registry.Register(s.cfg.PoolName, node, ttl); err != nil && s.cfg.Log != nil {
			s.cfg.Log.Warnw("server: registry registration failed", "error", err)
		}
	}

	if s.cfg.AdminSocketPath != "" {
		adminLn, err := net.Listen("unix", s.cfg.AdminSocketPath)
		if err != nil {
			return errors.Wrap(err, "server: admin listen")
		}
		s.adminListener = adminLn
		go s.serveAdmin()
	}

	return s.serveOn(ln)
}

// serveOn runs the accept loop on an already-bound listener, split out of
// Serve so tests can observe the bound address before the first Accept.
func (s *Server) serveOn(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return nil
			}
			return err
		}
		go s.handleConn(nc)
	}
}

// handleConn wraps an accepted socket in a Connection, adds it to the
// pool, and removes it again once the Connection reaches Closed — "on
// Connection close the object returns to the pool" (spec.md §5), here
// meaning the pool's bookkeeping entry, since each accepted socket gets
// its own Connection rather than a reused one.
func (s *Server) handleConn(nc net.Conn) {
	c := conn.New(nc, conn.Config{
		Role:            conn.RoleServer,
		ProtocolVersion: s.cfg.ProtocolVersion,
		CredentialStore: s.cfg.CredentialStore,
		RequestMap:      s.cfg.RequestMap,
		Notifier:        s.cfg.Notifier,
		Log:             s.cfg.Log,
	})
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	if err := c.Start(); err != nil {
		s.remove(c)
		return
	}
	go func() {
		<-c.Done()
		s.remove(c)
	}()
}

func (s *Server) remove(c *conn.Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ListenAddr returns the bound address once Serve has called net.Listen, or
// "" before then — lets a caller that asked for an ephemeral port (":0")
// discover what it actually got.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ConnectionCount reports how many Connections are currently in the pool.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropAllConnections finalizes every open Connection but leaves the
// listener (and any admin listener) accepting new sockets — the
// "drop-all-connections" admin command.
func (s *Server) DropAllConnections() {
	s.mu.Lock()
	conns := make([]*conn.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Shutdown stops accepting new connections, deregisters from the registry,
// and waits for every live Connection's in-flight RoCs to finish before
// ctx's deadline, then closes every Connection. If the deadline passes
// first, every Connection is force-closed and an error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	if s.cfg.Registry != nil && s.cfg.PoolName != "" {
		s.cfg.Registry.Deregister(s.cfg.PoolName, s.cfg.AdvertiseAddr)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.adminListener != nil {
		s.adminListener.Close()
	}

	done := make(chan struct{})
	go func() {
		for {
			s.mu.Lock()
			n := 0
			for c := range s.conns {
				n += c.LiveRequestCount()
			}
			s.mu.Unlock()
			if n == 0 {
				close(done)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()

	select {
	case <-done:
		s.DropAllConnections()
		return nil
	case <-ctx.Done():
		s.DropAllConnections()
		return errors.New("server: shutdown deadline exceeded, connections force-closed")
	}
}

// serveAdmin runs the unix-socket admin command listener: one line of
// command text per connection.
func (s *Server) serveAdmin() {
	for {
		nc, err := s.adminListener.Accept()
		if err != nil {
			return
		}
		go s.handleAdminConn(nc)
	}
}

func (s *Server) handleAdminConn(nc net.Conn) {
	defer nc.Close()
	scanner := bufio.NewScanner(nc)
	if !scanner.Scan() {
		return
	}
	switch strings.TrimSpace(scanner.Text()) {
	case "reset":
		nc.Write([]byte("ok\n"))
	case "drop-all-connections":
		s.DropAllConnections()
		nc.Write([]byte("ok\n"))
	default:
		nc.Write([]byte("unknown command\n"))
	}
}
