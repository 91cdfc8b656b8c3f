// Package metrics exposes the Prometheus collectors this framework
// populates: RoC lifecycle counts, frame counts, and the handler-level
// timing/deprecation counters C8 (reqmap) gathers per spec.md §4.8.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoCsStarted counts every RoC started.
	RoCsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neomux_rocs_started_total",
		Help: "Total requests-on-connection started.",
	})

	// RoCsFinished counts every RoC that reached a terminal notify.Kind,
	// labeled by that kind's string form.
	RoCsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neomux_rocs_finished_total",
		Help: "Total requests-on-connection finished, by terminal kind.",
	}, []string{"kind"})

	// FramesSent/FramesReceived count frames crossing the wire, by
	// frame.Type name.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neomux_frames_sent_total",
		Help: "Total frames written to a Connection's socket.",
	}, []string{"type"})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neomux_frames_received_total",
		Help: "Total frames read from a Connection's socket.",
	}, []string{"type"})

	// ConnectionsEstablished/ConnectionsClosed track C4's state machine
	// transitions at the two ends operators care about.
	ConnectionsEstablished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neomux_connections_established_total",
		Help: "Total Connections that completed handshake and authentication.",
	}, []string{"role"})

	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neomux_connections_closed_total",
		Help: "Total Connections that reached Closed.",
	}, []string{"role"})

	// HandlerLatency is populated only for reqmap entries registered
	// WithTiming() — spec.md §4.8's optional per-handler latency
	// histogram.
	HandlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neomux_handler_duration_seconds",
		Help:    "RoC handler duration for commands registered with timing enabled.",
		Buckets: prometheus.DefBuckets,
	}, []string{"code", "version"})

	// TimedCommandDispatched counts every dispatch of a WithTiming()
	// command, independent of HandlerLatency's observe call so reqmap can
	// bump it at dispatch time without knowing the handler's duration yet.
	TimedCommandDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neomux_timed_command_dispatched_total",
		Help: "Total dispatches of a command registered with timing enabled.",
	}, []string{"code", "version"})

	// DeprecatedCommandDispatched counts every dispatch of a
	// ScheduledForRemoval command, so operators can see when a legacy
	// version is finally unused (spec.md §4.8).
	DeprecatedCommandDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neomux_deprecated_command_dispatched_total",
		Help: "Total dispatches of a command scheduled for removal.",
	}, []string{"code", "version"})

	// ControlMessagesRejected counts control.ErrControlInFlight rejections
	// (labelled suspend/resume/stop), a proxy for clients racing control
	// messages faster than the peer acks them, and, under "admission", new
	// requests that reqmap.RateLimited refused for lack of limiter budget.
	ControlMessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neomux_control_messages_rejected_total",
		Help: "Total client-side Suspend/Resume/Stop calls rejected for a still-unacked predecessor, plus new requests refused by a rate-limited request map (admission).",
	}, []string{"request_kind"})
)
