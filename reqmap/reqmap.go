// Package reqmap implements the server-side request map (C8): the mapping
// from (command_code, version) to a handler constructor that a Connection
// consults on the first frame of every new request, replacing the
// teacher's reflect-based service/method dispatch with a flat, explicit
// registry — spec.md has no notion of "Service.Method" strings or
// reflection, only an opaque command code and version.
package reqmap

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/neoframe/neomux/conn"
	"github.com/neoframe/neomux/metrics"
	"github.com/neoframe/neomux/roc"
)

type key struct {
	code    byte
	version byte
}

// Map is a concrete conn.RequestMap: a registry of command handlers, with
// optional per-handler timing and deprecation-warning flags (spec.md
// §4.8).
type Map struct {
	mu    sync.RWMutex
	descs map[key]conn.Descriptor
	log   *zap.SugaredLogger
}

// New constructs an empty Map. log, if non-nil, receives the
// scheduled-for-removal warning line on every dispatch of a deprecated
// (code, version) pair.
func New(log *zap.SugaredLogger) *Map {
	return &Map{descs: make(map[key]conn.Descriptor), log: log}
}

// Register adds one (code, version) → handler-constructor entry. Panics on
// a duplicate registration — a programming error, not a runtime condition.
func (m *Map) Register(code, version byte, newHandler func(initialArgs []byte) roc.HandlerFunc, opts ...Option) {
	d := conn.Descriptor{Code: code, Version: version, New: newHandler}
	for _, opt := range opts {
		opt(&d)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{code: code, version: version}
	if _, exists := m.descs[k]; exists {
		panic("reqmap: duplicate registration for command " + keyString(k))
	}
	m.descs[k] = d
}

// Option customizes a Descriptor at registration time.
type Option func(*conn.Descriptor)

// WithTiming marks a handler for latency-histogram collection.
func WithTiming() Option { return func(d *conn.Descriptor) { d.Timing = true } }

// ScheduledForRemoval marks a handler version as deprecated: every dispatch
// logs a warning and increments the metrics counter so operators can see
// when the legacy version is finally unused.
func ScheduledForRemoval() Option {
	return func(d *conn.Descriptor) { d.ScheduledForRemoval = true }
}

// Lookup implements conn.RequestMap.
func (m *Map) Lookup(code, version byte) (conn.Descriptor, conn.Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	anyVersion := false
	for k, d := range m.descs {
		if k.code != code {
			continue
		}
		anyVersion = true
		if k.version == version {
			if d.ScheduledForRemoval {
				metrics.DeprecatedCommandDispatched.WithLabelValues(codeString(code), versionString(version)).Inc()
				if m.log != nil {
					m.log.Warnw("reqmap: dispatching command scheduled for removal", "code", code, "version", version)
				}
			}
			if d.Timing {
				c, v := codeString(code), versionString(version)
				metrics.TimedCommandDispatched.WithLabelValues(c, v).Inc()
				newHandler := d.New
				d.New = func(initialArgs []byte) roc.HandlerFunc {
					h := newHandler(initialArgs)
					return func(ctx context.Context, root *roc.Fiber) error {
						start := time.Now()
						defer func() { metrics.HandlerLatency.WithLabelValues(c, v).Observe(time.Since(start).Seconds()) }()
						return h(ctx, root)
					}
				}
			}
			return d, conn.StatusSupported
		}
	}
	if anyVersion {
		return conn.Descriptor{}, conn.StatusRequestVersionNotSupported
	}
	return conn.Descriptor{}, conn.StatusRequestNotSupported
}

// RateLimited wraps m so that a Lookup that would otherwise dispatch a new
// request is instead rejected with StatusRequestNotSupported once limiter's
// budget is exhausted — new-request admission control, counted on
// metrics.ControlMessagesRejected under the "admission" label. The limiter
// is installed by whoever constructs the server's request map; no admin
// command installs or changes it. Existing RoCs already running are unaffected; this only gates the first
// frame of a brand-new request.
func RateLimited(m *Map, limiter *rate.Limiter) conn.RequestMap {
	return &rateLimitedMap{m: m, limiter: limiter}
}

type rateLimitedMap struct {
	m       *Map
	limiter *rate.Limiter
}

func (r *rateLimitedMap) Lookup(code, version byte) (conn.Descriptor, conn.Status) {
	if !r.limiter.Allow() {
		metrics.ControlMessagesRejected.WithLabelValues("admission").Inc()
		return conn.Descriptor{}, conn.StatusRequestNotSupported
	}
	return r.m.Lookup(code, version)
}

func keyString(k key) string {
	return codeString(k.code) + "/" + versionString(k.version)
}

func codeString(b byte) string    { return strconv.Itoa(int(b)) }
func versionString(b byte) string { return strconv.Itoa(int(b)) }
