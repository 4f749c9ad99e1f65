// Package rpcmsg is the minimal call/reply header codec this transport
// core is tested against. The real codec (XDR encode/decode of RPC
// arguments and results) is out of scope for this package — it exists
// only so the core is runnable and testable end-to-end, and is
// deliberately built on encoding/binary alone rather than any
// third-party XDR/serialization library.
package rpcmsg

import (
	"encoding/binary"
	"errors"
)

// MinDatagramLen is the minimum number of bytes a valid call or reply
// datagram can carry.
const MinDatagramLen = 16

// ErrShort is returned when a datagram is too small to hold a header.
var ErrShort = errors.New("rpcmsg: datagram shorter than minimum valid length")

// AcceptStat mirrors the handful of accept_stat values this core cares
// about: whether a reply carries results to be auth-wrapped.
type AcceptStat uint32

const (
	Success AcceptStat = iota
	ProgUnavail
	ProgMismatch
	ProcUnavail
	GarbageArgs
	SystemErr
)

// MsgType distinguishes a call from a reply on the wire.
type MsgType uint32

const (
	Call MsgType = iota
	Reply
)

// ReplyStat distinguishes an accepted from a rejected reply.
type ReplyStat uint32

const (
	MsgAccepted ReplyStat = iota
	MsgDenied
)

// CallHeader is the decoded fixed portion of an RPC call message: just
// enough of RFC 1831 §8's call_body to drive dispatch and cache lookup.
type CallHeader struct {
	XID     uint32
	Prog    uint32
	Vers    uint32
	Proc    uint32
	AuthLen uint32 // length of the opaque auth body that follows in the buffer
}

// wireLen is the fixed-size prefix: xid, msg_type, rpcvers, prog, vers,
// proc, then the auth flavor + length that precede the (not decoded
// here) opaque auth body.
const wireLen = 4 * 8

// DecodeCall parses a call header from the front of b. It returns
// ErrShort if b is too small; callers drop such datagrams silently rather
// than treating a short read as an error.
func DecodeCall(b []byte) (CallHeader, error) {
	if len(b) < MinDatagramLen || len(b) < wireLen {
		return CallHeader{}, ErrShort
	}
	be := binary.BigEndian
	xid := be.Uint32(b[0:4])
	msgType := be.Uint32(b[4:8])
	if MsgType(msgType) != Call {
		return CallHeader{}, errors.New("rpcmsg: not a call message")
	}
	// b[8:12] is rpcvers, unchecked here (out of scope: XDR versioning).
	prog := be.Uint32(b[12:16])
	vers := be.Uint32(b[16:20])
	proc := be.Uint32(b[20:24])
	// b[24:28] is the auth flavor, unchecked here.
	authLen := be.Uint32(b[28:32])
	return CallHeader{XID: xid, Prog: prog, Vers: vers, Proc: proc, AuthLen: authLen}, nil
}

// ReplyMsg is the minimal reply message this core encodes. Results
// is the already-marshaled procedure result payload; Location is advisory
// metadata for the auth wrapper (kept opaque to this package, since auth
// flavor wrap/unwrap lives outside it).
type ReplyMsg struct {
	XID    uint32
	Stat   ReplyStat
	Accept AcceptStat

	Results  []byte // nil unless Accept == Success
	Location string
}

// HasArgs reports whether this reply carries results that must be routed
// through the auth wrapper rather than encoded generically.
func (r ReplyMsg) HasArgs() bool {
	return r.Stat == MsgAccepted && r.Accept == Success
}

// EncodeHeader writes the reply header (everything except Results, which
// the auth wrapper appends separately when HasArgs is true) into buf,
// returning the number of bytes written.
func (r ReplyMsg) EncodeHeader(buf []byte) (int, error) {
	if len(buf) < wireLen {
		return 0, errors.New("rpcmsg: reply buffer too small")
	}
	be := binary.BigEndian
	be.PutUint32(buf[0:4], r.XID)
	be.PutUint32(buf[4:8], uint32(Reply))
	be.PutUint32(buf[8:12], uint32(r.Stat))
	be.PutUint32(buf[12:16], uint32(r.Accept))
	// Remaining fixed slots reserved for verifier data, zeroed.
	for i := 16; i < wireLen; i++ {
		buf[i] = 0
	}
	return wireLen, nil
}
