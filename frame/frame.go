// Package frame implements the wire-level framing used by every connection
// in the framework: a fixed 6-byte header followed by a variable-length
// payload. It solves TCP's sticky-packet problem the same way the rest of
// the stack does — read the header, learn the body length, read exactly
// that many bytes — but keeps the header itself small and parity-checked
// so a peer speaking an unrelated protocol on the same port is rejected
// immediately instead of corrupting the demultiplexer.
//
// Frame format:
//
//	0    1          5    6
//	┌────┬──────────┬────┬───────────────┐
//	│type│  length  │par │    body ...    │
//	│u8  │ u32 (LE) │u8  │  length bytes  │
//	└────┴──────────┴────┴───────────────┘
//
// A Request-typed frame's body begins with an 8-byte little-endian
// request id; the remainder is opaque to this package.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Type distinguishes the kinds of frame the protocol exchanges:
// Authentication and Request, plus a bodiless Heartbeat. Everything else (control messages, initial request bodies, record
// payloads) rides inside a Request frame's body.
type Type byte

const (
	// Authentication carries handshake bytes; only legal before a
	// Connection reaches Established.
	Authentication Type = 1
	// Request carries an 8-byte request id followed by an opaque body.
	Request Type = 2
	// Heartbeat carries no body. A Receiver counts and discards it, so it
	// never reaches a RoC; nothing in this module sends one on a timer.
	Heartbeat Type = 3
)

func (t Type) valid() bool {
	return t == Authentication || t == Request || t == Heartbeat
}

// HeaderSize is the fixed size, in bytes, of every frame's header.
const HeaderSize = 6

// MaxBodyLen is the implementation-chosen cap on body length (2^28, per
// spec.md §4.1's "MAY cap at 2**28").
const MaxBodyLen = 1 << 28

// RequestIDSize is the width of the request id prefix on a Request frame's
// body.
const RequestIDSize = 8

// Header is the decoded form of a frame's fixed-size header.
type Header struct {
	Type   Type
	Length uint32
}

func parity(typ Type, length uint32) byte {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], length)
	p := byte(typ)
	for _, b := range lb {
		p ^= b
	}
	return p
}

// Encode writes one complete frame (header + body) to w. len(body) must
// equal the caller's declared length and must not exceed MaxBodyLen.
func Encode(w io.Writer, typ Type, body []byte) error {
	if !typ.valid() {
		return errors.Errorf("frame: invalid type %d", typ)
	}
	if len(body) > MaxBodyLen {
		return errors.Errorf("frame: body too large: %d > %d", len(body), MaxBodyLen)
	}
	length := uint32(len(body))

	buf := make([]byte, HeaderSize+len(body))
	buf[0] = byte(typ)
	binary.LittleEndian.PutUint32(buf[1:5], length)
	buf[5] = parity(typ, length)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// EncodeRequest is a convenience wrapper that prefixes body with the
// request id, matching §3's "first 8 payload bytes... hold the
// request-id" invariant for Request-typed frames.
func EncodeRequest(w io.Writer, requestID uint64, body []byte) error {
	full := make([]byte, RequestIDSize+len(body))
	binary.LittleEndian.PutUint64(full[:RequestIDSize], requestID)
	copy(full[RequestIDSize:], body)
	return Encode(w, Request, full)
}

// ErrProtocol is the sentinel wrapped by every decode failure caused by a
// malformed frame (bad parity, unknown type, oversized body). Connection
// code tests for it with errors.Is to route the failure into the Protocol
// error taxonomy rather than the IO one.
var ErrProtocol = errors.New("frame: protocol error")

// DecodeHeader reads and validates exactly one frame header from r. It
// never reads into the body — callers read Length bytes themselves so the
// receiver can split header parsing from request-id demultiplexing.
func DecodeHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	typ := Type(buf[0])
	length := binary.LittleEndian.Uint32(buf[1:5])
	want := parity(typ, length)
	if buf[5] != want {
		return Header{}, errors.Wrapf(ErrProtocol, "bad header parity: got %#x want %#x", buf[5], want)
	}
	if !typ.valid() {
		return Header{}, errors.Wrapf(ErrProtocol, "unknown frame type %d", typ)
	}
	if length > MaxBodyLen {
		return Header{}, errors.Wrapf(ErrProtocol, "body length %d exceeds cap", length)
	}
	return Header{Type: typ, Length: length}, nil
}

// Decode reads one complete frame (header + body) from r.
func Decode(r io.Reader) (Header, []byte, error) {
	h, err := DecodeHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}

// SplitRequestID pulls the request id prefix off a Request frame's body.
func SplitRequestID(body []byte) (uint64, []byte, error) {
	if len(body) < RequestIDSize {
		return 0, nil, errors.Wrapf(ErrProtocol, "request frame body too short: %d bytes", len(body))
	}
	return binary.LittleEndian.Uint64(body[:RequestIDSize]), body[RequestIDSize:], nil
}
