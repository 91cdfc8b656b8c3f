// Package reqset implements the client request set (C7) and the
// client-side half of the connection set (C10): it owns every outbound
// conn.Connection a client holds, keeps them connected when auto_connect
// is enabled, and fans a single logical request out across one, some, or
// all of them according to its dispatch pattern, folding the per-node
// outcomes into one aggregated notify.Notification.
//
// Grounded on the teacher's client/client.go (registry discovery →
// balancer pick → shared transport → call) and transport/pool.go's
// reconnect loop, generalized from "one RPC call" to "one RoC dispatched
// under one of four patterns".
package reqset

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/neoframe/neomux/conn"
	"github.com/neoframe/neomux/loadbalance"
	"github.com/neoframe/neomux/notify"
	"github.com/neoframe/neomux/registry"
	"github.com/neoframe/neomux/roc"
)

// Pattern selects how a request is fanned out across the set's nodes.
type Pattern int

const (
	// SingleNode sends the request to exactly one node, chosen by the
	// caller.
	SingleNode Pattern = iota
	// RoundRobin sends the request to one node, chosen by the set's
	// round-robin balancer.
	RoundRobin
	// AllNodes sends the request to every currently connected node.
	AllNodes
	// MultiNode sends the request to an explicit subset of nodes.
	MultiNode
)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Config configures a ConnSet.
type Config struct {
	ProtocolVersion byte
	ClientName      string
	ClientKey       []byte

	// AutoConnect, when true, makes a failed dial or a node's Connection
	// failure trigger an automatic reconnect loop with exponential backoff.
	// When false, the node stays in the set with no usable Connection.
	AutoConnect bool

	// Registry and PoolName, if set, let ConnSet discover and track nodes
	// dynamically instead of (or in addition to) explicit AddNode calls.
	Registry registry.Registry
	PoolName string

	Notifier notify.Notifier
	Log      *zap.SugaredLogger
}

// node is one entry in the set: the address it was added under and its
// current Connection, if any (nil while reconnecting).
type node struct {
	addr string
	mu   sync.Mutex
	c    *conn.Connection
}

// ConnSet owns every outbound Connection a client holds and dispatches
// requests across them.
type ConnSet struct {
	cfg      Config
	balancer loadbalance.RoundRobinBalancer

	// reconnectLimiter caps the rate of dial attempts across the whole
	// set, independent of each node's own backoff delay — a second line of
	// defense against a reconnect storm when many nodes fail at once.
	reconnectLimiter *rate.Limiter

	mu      sync.Mutex
	nodes   map[string]*node
	closed  bool
	closeCh chan struct{}

	// liveAllNodes holds every AllNodes request still in flight, so a
	// Connection that reaches Established after the request started (a
	// freshly AddNode'd node, a reconnect, or a registry-discovered node)
	// still gets an RoC for it (spec.md §4.7, §4.4).
	liveAllNodes map[*liveRequest]struct{}

	nextID uint64
}

// New constructs an empty ConnSet. Call AddNode (or supply Config.Registry)
// to populate it.
func New(cfg Config) *ConnSet {
	s := &ConnSet{
		cfg:              cfg,
		reconnectLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		nodes:            make(map[string]*node),
		closeCh:          make(chan struct{}),
		liveAllNodes:     make(map[*liveRequest]struct{}),
	}
	if cfg.Registry != nil && cfg.PoolName != "" {
		go s.watchRegistry()
	}
	return s
}

func (s *ConnSet) watchRegistry() {
	discovered, err := s.cfg.Registry.Discover(s.cfg.PoolName)
	if err == nil {
		for _, n := range discovered {
			_ = s.AddNode(n.Addr)
		}
	}
	watchCh := s.cfg.Registry.Watch(s.cfg.PoolName)
	for {
		select {
		case <-s.closeCh:
			return
		case nodes, ok := <-watchCh:
			if !ok {
				return
			}
			s.reconcile(nodes)
		}
	}
}

func (s *ConnSet) reconcile(discovered []registry.Node) {
	want := make(map[string]bool, len(discovered))
	for _, n := range discovered {
		want[n.Addr] = true
		if !s.hasNode(n.Addr) {
			_ = s.AddNode(n.Addr)
		}
	}
	for _, addr := range s.Nodes() {
		if !want[addr] {
			s.RemoveNode(addr)
		}
	}
}

func (s *ConnSet) hasNode(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[addr]
	return ok
}

// Nodes returns the addresses currently tracked, connected or not.
func (s *ConnSet) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.nodes))
	for addr := range s.nodes {
		out = append(out, addr)
	}
	return out
}

// AddNode dials addr and adds it to the set. If AutoConnect is enabled, a
// dial failure here still registers the node and leaves a background
// goroutine retrying the connection with backoff.
func (s *ConnSet) AddNode(addr string) error {
	n := &node{addr: addr}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("reqset: set is closed")
	}
	s.nodes[addr] = n
	s.mu.Unlock()

	err := s.dial(n)
	if err != nil && s.cfg.AutoConnect {
		go s.reconnectLoop(n)
		return nil
	}
	return err
}

// RemoveNode closes and forgets addr.
func (s *ConnSet) RemoveNode(addr string) {
	s.mu.Lock()
	n, ok := s.nodes[addr]
	delete(s.nodes, addr)
	s.mu.Unlock()
	if !ok {
		return
	}
	n.mu.Lock()
	if n.c != nil {
		n.c.Close()
	}
	n.mu.Unlock()
}

func (s *ConnSet) dial(n *node) error {
	netConn, err := net.Dial("tcp", n.addr)
	if err != nil {
		return errors.Wrapf(err, "reqset: dial %s", n.addr)
	}
	c := conn.New(netConn, conn.Config{
		Role:            conn.RoleClient,
		ProtocolVersion: s.cfg.ProtocolVersion,
		ClientName:      s.cfg.ClientName,
		ClientKey:       s.cfg.ClientKey,
		Notifier:        s.cfg.Notifier,
		Log:             s.cfg.Log,
	})
	if err := c.Start(); err != nil {
		return errors.Wrapf(err, "reqset: start %s", n.addr)
	}
	n.mu.Lock()
	n.c = c
	n.mu.Unlock()

	s.joinLiveAllNodes(c)

	if s.cfg.AutoConnect {
		go s.watchNode(n)
	}
	return nil
}

// joinLiveAllNodes starts an RoC on c for every AllNodes request still in
// flight — the mechanism behind spec.md §4.7's "also start one [RoC] on
// every future Connection that reaches Established before the request
// finishes" and §4.4's "existing AllNodes-type requests are automatically
// resumed on the new Connection after it reaches Established". Called
// once per Connection, right after it is recorded as this node's current
// Connection, whether that Connection came from AddNode, a reconnect, or
// Reconnect.
func (s *ConnSet) joinLiveAllNodes(c *conn.Connection) {
	s.mu.Lock()
	reqs := make([]*liveRequest, 0, len(s.liveAllNodes))
	for r := range s.liveAllNodes {
		reqs = append(reqs, r)
	}
	s.mu.Unlock()
	for _, r := range reqs {
		r.start(s, c)
	}
}

// Reconnect tears down every Connection in the set and redials them,
// preserving any AllNodes requests still in flight: each freshly
// Established Connection joins those live requests exactly as a brand
// new AddNode would (spec.md §4.10: "reconnect() tears every Connection
// down and restarts them, preserving all long-lived AllNodes requests").
// A node whose redial fails falls back to its normal reconnect loop when
// AutoConnect is set, same as any other dial failure.
func (s *ConnSet) Reconnect() {
	s.mu.Lock()
	nodes := make([]*node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	for _, n := range nodes {
		n.mu.Lock()
		old := n.c
		n.c = nil
		n.mu.Unlock()
		if old != nil {
			old.Close()
		}
	}
	for _, n := range nodes {
		if err := s.dial(n); err != nil && s.cfg.AutoConnect {
			go s.reconnectLoop(n)
		}
	}
}

// watchNode relaunches the reconnect loop the moment a previously healthy
// Connection dies, so AutoConnect nodes never stay dark after a transient
// network blip.
func (s *ConnSet) watchNode(n *node) {
	n.mu.Lock()
	c := n.c
	n.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Done():
	case <-s.closeCh:
		return
	}
	n.mu.Lock()
	replaced := n.c != c // Reconnect cleared or replaced it and redials itself
	n.mu.Unlock()
	if !replaced && s.hasNode(n.addr) {
		s.reconnectLoop(n)
	}
}

func (s *ConnSet) reconnectLoop(n *node) {
	backoff := minBackoff
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}
		if !s.hasNode(n.addr) {
			return
		}

		if err := s.reconnectLimiter.Wait(context.Background()); err != nil {
			return
		}
		if err := s.dial(n); err == nil {
			if s.cfg.Log != nil {
				s.cfg.Log.Infow("reqset: reconnected", "addr", n.addr)
			}
			return
		}

		select {
		case <-time.After(backoff):
		case <-s.closeCh:
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close tears down every Connection in the set and stops any reconnect
// loops in flight.
func (s *ConnSet) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	nodes := make([]*node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	close(s.closeCh)
	for _, n := range nodes {
		n.mu.Lock()
		if n.c != nil {
			n.c.Close()
		}
		n.mu.Unlock()
	}
}

func (s *ConnSet) nextRequestID() uint64 {
	return atomic.AddUint64(&s.nextID, 1)
}

func (s *ConnSet) liveConns() []*conn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn.Connection, 0, len(s.nodes))
	for _, n := range s.nodes {
		n.mu.Lock()
		if n.c != nil && n.c.State() == conn.StateEstablished {
			out = append(out, n.c)
		}
		n.mu.Unlock()
	}
	return out
}

func (s *ConnSet) connFor(addr string) (*conn.Connection, bool) {
	s.mu.Lock()
	n, ok := s.nodes[addr]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.c == nil || n.c.State() != conn.StateEstablished {
		return nil, false
	}
	return n.c, true
}

func asNodes(conns []*conn.Connection) []loadbalance.Node {
	out := make([]loadbalance.Node, len(conns))
	for i, c := range conns {
		out[i] = loadbalance.Node{Addr: c.RemoteAddr(), Weight: 1}
	}
	return out
}

// liveRequest tracks one fanned-out request's in-flight RoCs, so further
// targets can join the same aggregation after Dispatch returns: AllNodes
// joins every newly Established Connection automatically via
// joinLiveAllNodes, and MultiNode exposes the same mechanism to the
// handler through Handle.StartOnNewConn (spec.md §4.7: "For MultiNode,
// start one RoC and expose a start_on_new_conn() callback so the handler
// itself may fan out"). The request is "finished" — and stops accepting
// new joins — the moment its pending RoC count first reaches zero.
type liveRequest struct {
	newHandler func(addr string) roc.HandlerFunc
	n          notify.Notifier

	mu        sync.Mutex
	pending   int
	total     int
	succeeded int
	finished  bool
}

func (r *liveRequest) start(s *ConnSet, c *conn.Connection) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.pending++
	r.total++
	r.mu.Unlock()

	requestID := s.nextRequestID()
	rc := c.StartRoC(requestID, r.newHandler(c.RemoteAddr()))
	go r.await(s, rc)
}

func (r *liveRequest) await(s *ConnSet, rc *roc.RoC) {
	<-rc.Done()
	succeeded := rc.Result().Kind == notify.KindSucceeded

	r.mu.Lock()
	if succeeded {
		r.succeeded++
	}
	r.pending--
	done := r.pending == 0
	total, succ := r.total, r.succeeded
	if done {
		r.finished = true
	}
	r.mu.Unlock()

	if !done {
		return
	}
	s.unregisterLiveRequest(r)
	if r.n == nil {
		return
	}
	kind := notify.KindFailed
	switch {
	case succ == total:
		kind = notify.KindSucceeded
	case succ > 0:
		kind = notify.KindPartialSuccess
	}
	r.n.Deliver(notify.Notification{
		Kind:         kind,
		NodesTotal:   total,
		NodesSucceed: succ,
	})
}

func (s *ConnSet) registerLiveAllNodes(r *liveRequest) {
	s.mu.Lock()
	s.liveAllNodes[r] = struct{}{}
	s.mu.Unlock()
}

func (s *ConnSet) unregisterLiveRequest(r *liveRequest) {
	s.mu.Lock()
	delete(s.liveAllNodes, r)
	s.mu.Unlock()
}

// Handle is returned by Dispatch for patterns that may grow after the
// initial call. MultiNode's handler uses StartOnNewConn to fan out to
// additional targets it discovers it needs mid-request, under the same
// aggregated Notification as the original targets.
type Handle struct {
	s   *ConnSet
	req *liveRequest
}

// StartOnNewConn starts an additional RoC against addr under this
// dispatch's aggregation. Returns an error if addr has no Established
// Connection.
func (h *Handle) StartOnNewConn(addr string) error {
	c, ok := h.s.connFor(addr)
	if !ok {
		return errors.Errorf("reqset: node %s not connected", addr)
	}
	h.req.start(h.s, c)
	return nil
}

// Dispatch starts one RoC per target node for pattern, and — for patterns
// spanning more than one node — delivers a single aggregated Notification
// to n once every sub-RoC has finished (spec.md §4.7's succeeded/
// partial_success/failed rollup).
//
// newHandler is called once per target node to build that node's
// HandlerFunc (so a handler can close over which node it's talking to).
// targets is only consulted for SingleNode (targets[0]) and MultiNode (the
// full slice); it is ignored for RoundRobin and AllNodes.
//
// The returned Handle is non-nil for AllNodes and MultiNode, the two
// patterns whose aggregation can keep growing after Dispatch returns; it
// is nil for SingleNode and RoundRobin.
func (s *ConnSet) Dispatch(pattern Pattern, targets []string, n notify.Notifier, newHandler func(addr string) roc.HandlerFunc) (*Handle, error) {
	switch pattern {
	case SingleNode:
		if len(targets) == 0 {
			return nil, errors.New("reqset: SingleNode dispatch requires one target")
		}
		c, ok := s.connFor(targets[0])
		if !ok {
			return nil, errors.Errorf("reqset: node %s not connected", targets[0])
		}
		requestID := s.nextRequestID()
		c.StartRoC(requestID, newHandler(c.RemoteAddr()))
		return nil, nil

	case RoundRobin:
		live := s.liveConns()
		picked, err := s.balancer.Pick(asNodes(live))
		if err != nil {
			return nil, err
		}
		var c *conn.Connection
		for _, cc := range live {
			if cc.RemoteAddr() == picked.Addr {
				c = cc
				break
			}
		}
		if c == nil {
			return nil, errors.New("reqset: round-robin pick matched no live connection")
		}
		requestID := s.nextRequestID()
		c.StartRoC(requestID, newHandler(c.RemoteAddr()))
		return nil, nil

	case AllNodes:
		conns := s.liveConns()
		if len(conns) == 0 {
			return nil, errors.New("reqset: no connected nodes")
		}
		req := &liveRequest{newHandler: newHandler, n: n}
		s.registerLiveAllNodes(req)
		for _, c := range conns {
			req.start(s, c)
		}
		return &Handle{s: s, req: req}, nil

	case MultiNode:
		if len(targets) == 0 {
			return nil, errors.New("reqset: MultiNode dispatch requires at least one target")
		}
		conns := make([]*conn.Connection, 0, len(targets))
		for _, addr := range targets {
			c, ok := s.connFor(addr)
			if !ok {
				return nil, errors.Errorf("reqset: node %s not connected", addr)
			}
			conns = append(conns, c)
		}
		req := &liveRequest{newHandler: newHandler, n: n}
		for _, c := range conns {
			req.start(s, c)
		}
		return &Handle{s: s, req: req}, nil

	default:
		return nil, errors.Errorf("reqset: unknown dispatch pattern %d", pattern)
	}
}
