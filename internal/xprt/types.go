// Package xprt implements a connectionless (datagram) server transport
// endpoint: socket setup and size negotiation, the receive path, the reply
// path (with duplicate-reply cache insertion), and a control surface for
// installing a per-endpoint operation overlay.
package xprt

import (
	"context"
	"net"

	"github.com/udprpc/svcdg/internal/auth"
	"github.com/udprpc/svcdg/internal/pktinfo"
	"github.com/udprpc/svcdg/internal/rpcmsg"
)

// Request carries everything decoded out of one received datagram that the
// dispatch layer and the reply path need. It deliberately exposes no
// handle to the raw argument bytes: those live in the endpoint's ioBuf,
// which is only safe to read while recvMu is held, and that lock is
// released between Recv returning and Reply re-acquiring it. A
// Dispatcher must decode arguments from its own copy, not from Request.
type Request struct {
	Call  rpcmsg.CallHeader
	Peer  *net.UDPAddr
	Local Addr
	Cksum uint64 // fingerprint over the leading bytes of the datagram
}

// Addr re-exports the local-address type recv/reply pass through, so
// callers of this package don't need to import pktinfo directly.
type Addr = pktinfo.Addr

// Dispatcher resolves a decoded call to a reply. GetArgs/FreeArgs bracket
// argument decoding exactly as svc_getargs/svc_freeargs do in the
// reference; Dispatch runs the procedure and returns the reply to send.
// All three are supplied by the RPC program layer, which is out of scope
// for this package.
type Dispatcher interface {
	GetArgs(req *Request) error
	Dispatch(req *Request) rpcmsg.ReplyMsg
	FreeArgs(req *Request)
}

// EventLoop is the collaborator that multiplexes readiness across
// endpoints (the epoll/kqueue loop svc_run drives in the reference). This
// package only needs to register and unregister itself; running the loop
// is out of scope for this package.
type EventLoop interface {
	Register(x *Endpoint) error
	Unregister(x *Endpoint)
}

// noopLoop is the default EventLoop: an endpoint not attached to a real
// multiplexer still works, it's simply driven by explicit Recv calls.
type noopLoop struct{}

func (noopLoop) Register(*Endpoint) error { return nil }
func (noopLoop) Unregister(*Endpoint)     {}

// Ops is the per-endpoint operation vector: GetReq drives one full
// receive-dispatch-reply cycle, in terms of the
// other package-level primitives. A caller installs a custom Ops via
// Control to intercept or replace these steps (e.g. for tests, or to wrap
// Dispatch with tracing) without touching any other endpoint.
type Ops struct {
	GetReq func(ctx context.Context, x *Endpoint) bool
}

// Wrapper re-exports auth.Wrapper so callers configuring an Endpoint don't
// need a second import for it.
type Wrapper = auth.Wrapper

// Status is svc_dg_stat's three-way classification of an endpoint.
type Status int

const (
	StatusIdle Status = iota
	StatusBlocked
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBlocked:
		return "blocked"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
