package xprt

import (
	"context"
	"sync"
)

// opMu is the single process-wide lock guarding overlay installation
// across all endpoints: the reference's mutable global op-vector becomes
// an immutable package-level default (defaultOps) plus a per-endpoint
// overlay, so opMu is held only while Control installs an overlay or
// GetReq selects the operation to run, never while that operation runs.
var opMu sync.Mutex

// defaultOps is the immutable base operation vector every Endpoint starts
// with: its GetReq declines without reading, so an endpoint only serves
// calls once a Dispatcher-backed GetReq (see WithDispatcher) is installed.
var defaultOps = Ops{
	GetReq: func(ctx context.Context, x *Endpoint) bool {
		return false // a caller must install a Dispatcher-backed GetReq via Control
	},
}

// Control installs ops as this endpoint's overlay, replacing whichever
// operations it sets (a zero Ops.GetReq leaves the current GetReq, base
// or overlay, in place). It is the only mutator of per-endpoint
// operations and is safe to call concurrently with GetReq.
func (x *Endpoint) Control(ops Ops) {
	opMu.Lock()
	defer opMu.Unlock()
	if ops.GetReq != nil {
		x.overlay.GetReq = ops.GetReq
		x.hasOverlay = true
	}
}

// GetReq runs one receive/dispatch/reply cycle using the endpoint's
// installed operation vector (its overlay if Control has set one,
// otherwise defaultOps, which always declines).
func (x *Endpoint) GetReq(ctx context.Context) bool {
	opMu.Lock()
	op := defaultOps.GetReq
	if x.hasOverlay && x.overlay.GetReq != nil {
		op = x.overlay.GetReq
	}
	opMu.Unlock()
	return op(ctx, x)
}

// WithDispatcher builds the standard GetReq Ops for use with Control: it
// calls Recv, and on a dispatchable datagram runs GetArgs, Dispatch, and
// the reply path (auth-wrapping via wrapper), then FreeArgs.
func WithDispatcher(d Dispatcher, wrapper Wrapper) Ops {
	return Ops{
		GetReq: func(ctx context.Context, x *Endpoint) bool {
			var req Request
			if !x.Recv(ctx, &req) {
				return false
			}
			defer d.FreeArgs(&req)

			if err := d.GetArgs(&req); err != nil {
				x.log.Warn("xprt: getargs failed", "local_addr", x.localAddr, "error", err)
				return false
			}
			reply := d.Dispatch(&req)
			return x.Reply(&req, reply, wrapper)
		},
	}
}
