package xprt

import (
	"github.com/udprpc/svcdg/internal/auth"
	"github.com/udprpc/svcdg/internal/rpcmsg"
)

// Reply implements the reply path: it encodes reply's header, auth-wraps
// any results, writes the datagram back to req.Peer sourced from
// req.Local, and — when caching is enabled — inserts the transmitted
// bytes into the duplicate-reply cache, rotating the endpoint's working
// buffer in the same step.
//
// It takes the duplex lock at entry (re-acquiring what Recv released) and
// releases it before returning.
func (x *Endpoint) Reply(req *Request, reply rpcmsg.ReplyMsg, wrapper auth.Wrapper) bool {
	x.recvMu.Lock()
	defer x.recvMu.Unlock()

	n, err := reply.EncodeHeader(x.ioBuf)
	if err != nil {
		x.log.Error("xprt: reply: encode header", "local_addr", x.localAddr, "error", err)
		return false
	}

	if reply.HasArgs() {
		if wrapper == nil {
			wrapper = auth.None{}
		}
		wrapped, err := wrapper.Wrap(x.ioBuf[:n], reply.Results, reply.Location)
		if err != nil {
			x.log.Error("xprt: reply: auth wrap", "local_addr", x.localAddr, "error", err)
			return false
		}
		if cap(wrapped) != cap(x.ioBuf) {
			// The wrapper grew beyond the endpoint's quad-aligned I/O
			// buffer capacity and reallocated; treat as an encode
			// failure rather than silently breaking the size invariant
			// the cache's buffer rotation depends on.
			x.log.Error("xprt: reply: auth wrap exceeded io buffer capacity", "local_addr", x.localAddr, "want_cap", cap(x.ioBuf), "got_len", len(wrapped))
			return false
		}
		n = len(wrapped)
	}

	sent, err := x.conn.WriteTo(x.ioBuf[:n], req.Peer, req.Local)
	if err != nil {
		x.log.Warn("xprt: reply: write failed", "local_addr", x.localAddr, "error", err)
		return false
	}
	if sent != n {
		x.log.Warn("xprt: reply: short write", "local_addr", x.localAddr, "want", n, "got", sent)
		return false
	}
	x.metrics.replySent(x.localAddr, "dispatch")

	if x.cache != nil {
		next := x.cache.Set(req.Call.XID, req.Call.Prog, req.Call.Vers, req.Call.Proc, req.Peer, x.ioBuf, n)
		x.ioBuf = next
	} else {
		// No cache: reuse the same buffer for the next cycle. Zeroing
		// isn't required (Recv always overwrites before reading).
	}
	return true
}
