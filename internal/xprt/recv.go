package xprt

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/cespare/xxhash/v2"

	"github.com/udprpc/svcdg/internal/pktinfo"
	"github.com/udprpc/svcdg/internal/rpcmsg"
)

// fingerprintWindow bounds how many leading bytes of a datagram feed the
// Request.Cksum fingerprint. The fingerprint is not part of the
// duplicate-reply cache key.
const fingerprintWindow = 256

// isFatalNetErr determines whether a network-related error is
// non-recoverable, adapted in spirit from
// client/doublezerod/internal/liveness/receiver.go's helper of the same
// name.
func isFatalNetErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var se syscall.Errno
	if errors.As(err, &se) {
		switch se {
		case syscall.EBADF, syscall.ENETDOWN, syscall.ENODEV, syscall.ENXIO:
			return true
		case syscall.EINTR:
			return false
		}
	}
	var oe *net.OpError
	if errors.As(err, &oe) && !oe.Timeout() && !oe.Temporary() {
		return true
	}
	return false
}

// Recv implements the receive path: it blocks until a datagram arrives or
// ctx is canceled, decodes the call header, and either short-circuits a
// cache hit by retransmitting the stored reply, or fills req and returns
// true so the caller can dispatch it.
//
// It takes the duplex lock at entry and releases it before returning on
// every path, a simplification of the reference's interlock hand-off.
func (x *Endpoint) Recv(ctx context.Context, req *Request) bool {
	x.recvMu.Lock()
	defer x.recvMu.Unlock()

	x.setBlocked(true)
	x.metrics.blockedDelta(1)
	defer func() {
		x.setBlocked(false)
		x.metrics.blockedDelta(-1)
	}()

	oob := pktinfo.NewOOB()
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if err := x.armReadDeadline(); err != nil {
			if isFatalNetErr(err) {
				x.log.Error("xprt: recv: set read deadline", "local_addr", x.localAddr, "error", err)
				return false
			}
			continue
		}

		n, peer, local, pktinfoOK, err := x.conn.ReadFrom(x.ioBuf, oob)
		if err != nil {
			select {
			case <-ctx.Done():
				return false
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			var se syscall.Errno
			if errors.As(err, &se) && se == syscall.EINTR {
				// Transient I/O interruptions are retried immediately, not
				// rate-limited or backed off.
				continue
			}
			x.metrics.readError(x.localAddr)
			if isFatalNetErr(err) {
				x.log.Error("xprt: recv: fatal read error", "local_addr", x.localAddr, "error", err)
				return false
			}
			x.log.Warn("xprt: recv: transient read error", "local_addr", x.localAddr, "error", err)
			continue
		}

		if n < rpcmsg.MinDatagramLen {
			x.metrics.dropped(x.localAddr, "short")
			continue
		}
		call, err := rpcmsg.DecodeCall(x.ioBuf[:n])
		if err != nil {
			// Invalid datagram (bad header) is a silent drop, metric only,
			// matching receiver.go's UnmarshalControlPacket branch.
			x.metrics.dropped(x.localAddr, "undecodable")
			continue
		}
		x.metrics.received(x.localAddr)

		req.Call = call
		req.Peer = peer
		if pktinfoOK {
			req.Local = local
		} else {
			req.Local = pktinfo.Addr{}
		}
		limit := n
		if limit > fingerprintWindow {
			limit = fingerprintWindow
		}
		req.Cksum = xxhash.Sum64(x.ioBuf[:limit])

		if x.cache != nil {
			if reply, hit := x.cache.Get(call.XID, call.Prog, call.Vers, call.Proc, peer); hit {
				if _, err := x.conn.WriteTo(reply, peer, req.Local); err != nil {
					x.log.Warn("xprt: recv: cache retransmit failed", "local_addr", x.localAddr, "error", err)
				} else {
					x.metrics.replySent(x.localAddr, "cache_hit")
				}
				continue
			}
		}
		return true
	}
}
