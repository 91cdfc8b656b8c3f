// Package conn implements the Connection (C4): the version handshake, the
// HMAC authentication exchange, and the
// Initial→Handshake→Authenticating→Established→ShuttingDown→Closed state
// machine spec.md §4.4 describes. Once Established, a Connection owns the
// wire.Sender/wire.Receiver pair for its socket and the live map of RoCs
// multiplexed on it, and acts as the wire.Router that demultiplexes
// inbound Request frames to them.
package conn

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/neoframe/neomux/auth"
	"github.com/neoframe/neomux/metrics"
	"github.com/neoframe/neomux/notify"
	"github.com/neoframe/neomux/roc"
	"github.com/neoframe/neomux/wire"
)

// State is one stage of the Connection lifecycle.
type State int32

const (
	StateInitial State = iota
	StateHandshake
	StateAuthenticating
	StateEstablished
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateHandshake:
		return "handshake"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of the handshake a Connection plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Runtime toggles fixed by spec.md §6: TCP_NODELAY forced on, keepalive on
// with a 3s probe period. net.TCPConn exposes no separate idle/count knobs
// without a platform-specific syscall package absent from the retrieval
// pack, so SetKeepAlivePeriod is the closest portable approximation.
const keepAlivePeriod = 3 * time.Second

// Config configures one Connection. Role-specific fields are only read for
// the matching Role.
type Config struct {
	Role Role

	// ProtocolVersion is the single version byte exchanged first.
	ProtocolVersion byte

	// Client-side authentication identity.
	ClientName string
	ClientKey  []byte

	// Server-side credential lookup.
	CredentialStore auth.Store

	// RequestMap lets this Connection accept brand-new inbound requests
	// (normally only set server-side; nil means a frame for an id this
	// Connection never originated is dropped silently, with no reply).
	RequestMap RequestMap

	// Notifier, if set, receives a KindConnectionClosed notification for
	// every RoC still live when this Connection shuts down.
	Notifier notify.Notifier

	Log *zap.SugaredLogger
}

// Connection is one socket's worth of C4 state machine plus the live RoCs
// multiplexed on it.
type Connection struct {
	cfg     Config
	netConn net.Conn

	sender   *wire.Sender
	receiver *wire.Receiver

	id         string // correlation id for logs, independent of any wire value
	mu         sync.Mutex
	state      State
	rocs       map[uint64]*roc.RoC
	remoteName string // populated server-side once authentication succeeds

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closedCh  chan struct{}
}

// New wraps an already-accepted or already-dialed net.Conn; call Start to
// run the handshake and, on success, begin the Established read/write
// loops.
func New(netConn net.Conn, cfg Config) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "unknown"
	}
	return &Connection{
		cfg:      cfg,
		netConn:  netConn,
		id:       id,
		state:    StateInitial,
		rocs:     make(map[uint64]*roc.RoC),
		ctx:      ctx,
		cancel:   cancel,
		closedCh: make(chan struct{}),
	}
}

// ID is this Connection's correlation id, generated once at construction
// and stable for its lifetime, for tying together log lines from a single
// socket across reconnects.
func (c *Connection) ID() string { return c.id }

// State returns the Connection's current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// RemoteName is the authenticated client name, populated server-side once
// Established.
func (c *Connection) RemoteName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteName
}

// RemoteAddr is the peer address, for logging and notifications.
func (c *Connection) RemoteAddr() string {
	if c.netConn == nil {
		return ""
	}
	return c.netConn.RemoteAddr().String()
}

// Done returns a channel closed once this Connection has reached Closed.
func (c *Connection) Done() <-chan struct{} { return c.closedCh }

// LiveRequestCount reports how many RoCs are currently multiplexed on this
// Connection — used by the server's Shutdown to wait for in-flight
// requests to finish.
func (c *Connection) LiveRequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rocs)
}

// Start runs the version handshake and authentication exchange, then (on
// success) starts the Established sender/receiver loops and returns. It
// does not block waiting for the Connection to close — call Done for that.
func (c *Connection) Start() error {
	applyRuntimeToggles(c.netConn)

	c.setState(StateHandshake)
	if err := c.versionHandshake(); err != nil {
		c.failHandshake(err)
		return err
	}

	c.setState(StateAuthenticating)
	if err := c.authenticate(); err != nil {
		c.failHandshake(err)
		return err
	}

	c.setState(StateEstablished)
	c.sender = wire.NewSender(c.netConn, c.cfg.Log)
	c.receiver = wire.NewReceiver(c.netConn, c, c.cfg.Log)
	metrics.ConnectionsEstablished.WithLabelValues(c.roleLabel()).Inc()
	go c.watchTransport()
	return nil
}

func (c *Connection) roleLabel() string {
	if c.cfg.Role == RoleClient {
		return "client"
	}
	return "server"
}

func applyRuntimeToggles(netConn net.Conn) {
	tc, ok := netConn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
}

func (c *Connection) versionHandshake() error {
	if _, err := c.netConn.Write([]byte{c.cfg.ProtocolVersion}); err != nil {
		return errors.Wrap(err, "conn: version handshake write")
	}
	var peer [1]byte
	if _, err := io.ReadFull(c.netConn, peer[:]); err != nil {
		return errors.Wrap(err, "conn: version handshake read")
	}
	if peer[0] != c.cfg.ProtocolVersion {
		return errors.Errorf("conn: protocol version mismatch: local=%d peer=%d", c.cfg.ProtocolVersion, peer[0])
	}
	return nil
}

func (c *Connection) authenticate() error {
	if c.cfg.Role == RoleClient {
		return c.authenticateAsClient()
	}
	return c.authenticateAsServer()
}

func (c *Connection) authenticateAsClient() error {
	ts := uint64(time.Now().Unix())
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], ts)
	if _, err := c.netConn.Write(tsBuf[:]); err != nil {
		return errors.Wrap(err, "conn: auth: write timestamp")
	}

	var nonceBuf [8]byte
	if _, err := io.ReadFull(c.netConn, nonceBuf[:]); err != nil {
		return errors.Wrap(err, "conn: auth: read nonce")
	}
	nonce := binary.LittleEndian.Uint64(nonceBuf[:])

	mac := auth.Sign(c.cfg.ClientKey, ts, nonce)

	if len(c.cfg.ClientName) > 255 {
		return errors.Errorf("conn: client name too long: %d bytes", len(c.cfg.ClientName))
	}
	payload := make([]byte, 0, 1+len(c.cfg.ClientName)+auth.HMACSize)
	payload = append(payload, byte(len(c.cfg.ClientName)))
	payload = append(payload, c.cfg.ClientName...)
	payload = append(payload, mac...)
	if _, err := c.netConn.Write(payload); err != nil {
		return errors.Wrap(err, "conn: auth: write name+hmac")
	}

	var status [1]byte
	if _, err := io.ReadFull(c.netConn, status[:]); err != nil {
		return errors.Wrap(err, "conn: auth: read status")
	}
	if status[0] != 0 {
		return errors.New("conn: authentication rejected by node")
	}
	return nil
}

func (c *Connection) authenticateAsServer() error {
	var tsBuf [8]byte
	if _, err := io.ReadFull(c.netConn, tsBuf[:]); err != nil {
		return errors.Wrap(err, "conn: auth: read timestamp")
	}
	ts := binary.LittleEndian.Uint64(tsBuf[:])

	var nonceRaw [8]byte
	if _, err := rand.Read(nonceRaw[:]); err != nil {
		return errors.Wrap(err, "conn: auth: generate nonce")
	}
	nonce := binary.LittleEndian.Uint64(nonceRaw[:])
	if _, err := c.netConn.Write(nonceRaw[:]); err != nil {
		return errors.Wrap(err, "conn: auth: write nonce")
	}

	var nameLen [1]byte
	if _, err := io.ReadFull(c.netConn, nameLen[:]); err != nil {
		return errors.Wrap(err, "conn: auth: read name length")
	}
	nameBuf := make([]byte, nameLen[0])
	if _, err := io.ReadFull(c.netConn, nameBuf); err != nil {
		return errors.Wrap(err, "conn: auth: read name")
	}
	mac := make([]byte, auth.HMACSize)
	if _, err := io.ReadFull(c.netConn, mac); err != nil {
		return errors.Wrap(err, "conn: auth: read hmac")
	}

	name := string(nameBuf)
	key, ok := c.cfg.CredentialStore.Lookup(name)
	ok = ok && auth.Verify(key, ts, nonce, mac)

	status := byte(0)
	if !ok {
		status = 1
	}
	if _, err := c.netConn.Write([]byte{status}); err != nil {
		return errors.Wrap(err, "conn: auth: write status")
	}
	if !ok {
		return errors.Errorf("conn: authentication failed for client %q", name)
	}
	c.mu.Lock()
	c.remoteName = name
	c.mu.Unlock()
	return nil
}

func (c *Connection) failHandshake(err error) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.netConn.Close()
	c.closeOnce.Do(func() { close(c.closedCh) })
	if c.cfg.Log != nil {
		c.cfg.Log.Warnw("conn: handshake failed", "error", err, "remote", c.RemoteAddr(), "conn_id", c.id)
	}
}

// watchTransport shuts the Connection down as soon as either half of its
// transport ends, whichever happens first.
func (c *Connection) watchTransport() {
	select {
	case <-c.sender.Done():
		c.shutdown(c.sender.Err())
	case <-c.receiver.Done():
		c.shutdown(c.receiver.Err())
	case <-c.ctx.Done():
		c.shutdown(c.ctx.Err())
	}
}

// Close tears the Connection down from the outside (graceful shutdown, or
// the owning pool recycling it).
func (c *Connection) Close() {
	c.shutdown(errors.New("conn: closed locally"))
}

// shutdown is the single path into ShuttingDown/Closed: it aborts every
// live RoC with a connection-closed notification, stops the sender, closes
// the socket, and is idempotent.
func (c *Connection) shutdown(cause error) {
	c.mu.Lock()
	if c.state == StateShuttingDown || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	live := make([]*roc.RoC, 0, len(c.rocs))
	for _, r := range c.rocs {
		live = append(live, r)
	}
	c.mu.Unlock()

	for _, r := range live {
		r.Abort()
	}
	if c.sender != nil {
		c.sender.Close()
	}
	c.netConn.Close()
	c.cancel()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closedCh) })
	metrics.ConnectionsClosed.WithLabelValues(c.roleLabel()).Inc()

	if c.cfg.Notifier != nil {
		for _, r := range live {
			c.cfg.Notifier.Deliver(notify.Notification{
				Kind:       notify.KindConnectionClosed,
				RequestID:  r.RequestID,
				RemoteAddr: c.RemoteAddr(),
				Err:        cause,
			})
		}
	}
}

// StartRoC registers and runs handler as a new RoC for requestID — the
// client side's entry point for originating a request on this Connection
// (spec.md §4.4 point 3: "either side may originate new Request frames for
// any id it chooses").
func (c *Connection) StartRoC(requestID uint64, handler roc.HandlerFunc) *roc.RoC {
	rc := roc.New(requestID, c.sender, handler, c.cfg.Log)
	c.registerRoC(requestID, rc)
	rc.Run(c.ctx)
	go c.awaitRoC(rc)
	return rc
}

func (c *Connection) registerRoC(id uint64, rc *roc.RoC) {
	c.mu.Lock()
	c.rocs[id] = rc
	c.mu.Unlock()
}

func (c *Connection) awaitRoC(rc *roc.RoC) {
	<-rc.Done()
	c.mu.Lock()
	delete(c.rocs, rc.RequestID)
	c.mu.Unlock()

	var pe *roc.ProtocolError
	if errors.As(rc.Result().Err, &pe) {
		if c.cfg.Log != nil {
			c.cfg.Log.Warnw("conn: protocol error, shutting down", "conn_id", c.id, "request_id", rc.RequestID, "error", pe)
		}
		c.shutdown(pe)
	}
}

// Route implements wire.Router: it delivers to an existing RoC's mailbox,
// or — if RequestMap is configured and the id is new — performs C8's
// lookup/status/handler-construction dance for the first frame of a
// brand-new request.
func (c *Connection) Route(requestID uint64, body []byte) error {
	c.mu.Lock()
	rc, ok := c.rocs[requestID]
	c.mu.Unlock()
	if ok {
		rc.Deliver(body)
		return nil
	}

	if c.cfg.RequestMap == nil {
		if c.cfg.Log != nil {
			c.cfg.Log.Debugw("conn: dropping frame for unknown request id", "request_id", requestID)
		}
		return nil
	}
	if len(body) < 2 {
		return errors.New("conn: initial request frame shorter than command_code+version")
	}
	code, version := body[0], body[1]
	args := body[2:]

	desc, status := c.cfg.RequestMap.Lookup(code, version)
	if status != StatusSupported {
		return c.sender.EnqueueRequest(requestID, []byte{byte(status)})
	}
	if err := c.sender.EnqueueRequest(requestID, []byte{byte(status)}); err != nil {
		return err
	}

	handler := desc.New(args)
	newRoC := roc.New(requestID, c.sender, handler, c.cfg.Log)
	c.registerRoC(requestID, newRoC)
	newRoC.Run(c.ctx)
	go c.awaitRoC(newRoC)
	return nil
}
