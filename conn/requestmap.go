package conn

import "github.com/neoframe/neomux/roc"

// Status is the one-byte reply to the first frame of a new request,
// spec.md §6's `{Supported=1, RequestNotSupported=2,
// RequestVersionNotSupported=3}`.
type Status byte

const (
	StatusSupported                  Status = 1
	StatusRequestNotSupported        Status = 2
	StatusRequestVersionNotSupported Status = 3
)

// Descriptor is one entry of the server-side request map (C8): a
// constructor that, given the rest of the initial payload (after
// command_code and version), returns the RoC handler to run.
type Descriptor struct {
	Code    byte
	Version byte
	New     func(initialArgs []byte) roc.HandlerFunc

	// Timing, when set, asks the caller's request map implementation to
	// gather a latency histogram for this handler (spec.md §4.8).
	Timing bool
	// ScheduledForRemoval asks for a warning log line and counter
	// increment every time this (code, version) pair is dispatched.
	ScheduledForRemoval bool
}

// RequestMap is C8: the server-side mapping from (command_code, version)
// to a handler constructor, consulted by a Connection on the first frame
// of every new request id.
type RequestMap interface {
	Lookup(code, version byte) (Descriptor, Status)
}
