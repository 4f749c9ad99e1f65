package xprt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/udprpc/svcdg/internal/dgcache"
	"github.com/udprpc/svcdg/internal/pktinfo"
)

// defaultDatagramSize is the protocol-family default a caller falls back
// to when requesting size 0 for either direction, mirroring
// svc_dg_create's __rpc_get_t_size floor for UDP.
const defaultDatagramSize = 8 * 1024

// quadAlign rounds n up to the next multiple of 4, as svc_dg_create does
// before allocating its I/O buffer.
func quadAlign(n int) int {
	return (n + 3) &^ 3
}

const (
	flagBlocked uint32 = 1 << iota
	flagDestroyed
)

// registry is the process-wide fd-indexed lookup table, translated to Go
// as a sync.Map keyed by the underlying *net.UDPConn's pointer identity
// (Go has no raw fd namespace to index into directly).
var registry sync.Map // map[*net.UDPConn]*Endpoint

// Config configures a new Endpoint. All fields are optional.
type Config struct {
	Log *slog.Logger

	// SendSize/RecvSize request buffer sizes for each direction; 0 picks
	// defaultDatagramSize.
	SendSize, RecvSize int

	// CloseOnDestroy closes the underlying socket when the last
	// reference is released.
	CloseOnDestroy bool

	EventLoop EventLoop
	Metrics   *Metrics

	// CacheSize enables the duplicate-reply cache with the given
	// capacity; 0 disables it (caching is opt-in per endpoint).
	CacheSize int
}

// Endpoint is one connectionless transport endpoint: a bound, optionally
// PKTINFO-aware UDP socket plus its duplicate-reply cache, duplex lock,
// and operation overlay.
type Endpoint struct {
	log  *slog.Logger
	conn *pktinfo.Conn
	raw  *net.UDPConn

	localAddr string // cached string form of raw.LocalAddr(), for metric labels

	ioSz   int
	ioBuf  []byte
	recvMu sync.Mutex // the duplex lock; also serializes ioBuf access/rotation

	flags       atomic.Uint32
	refcount    atomic.Int32
	destroyOnce sync.Once

	eventLoop      EventLoop
	closeOnDestroy bool

	cache   *dgcache.Cache
	metrics *Metrics

	overlay    Ops
	hasOverlay bool
}

// New looks up an existing Endpoint for raw, incrementing its reference
// count, or creates a fresh one and registers it. The lookup-or-install
// is atomic: registry.LoadOrStore is the single linearization point, so
// two goroutines racing New on the same raw can never both win and
// install competing Endpoints for it.
func New(ctx context.Context, raw *net.UDPConn, cfg Config) (*Endpoint, error) {
	if v, ok := registry.Load(raw); ok {
		x := v.(*Endpoint)
		x.refcount.Add(1)
		return x, nil
	}

	sendSz, recvSz := cfg.SendSize, cfg.RecvSize
	if sendSz == 0 {
		sendSz = defaultDatagramSize
	}
	if recvSz == 0 {
		recvSz = defaultDatagramSize
	}
	ioSz := quadAlign(max(sendSz, recvSz))

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	// The local address query is a single syscall in practice, but
	// endpoint creation tolerates transient resource exhaustion; bound
	// that with a short backoff rather than retrying forever (in
	// contrast to the tight immediate-retry loop the receive path uses
	// for EINTR).
	localAddr, err := backoff.Retry(ctx, func() (net.Addr, error) {
		a := raw.LocalAddr()
		if a == nil {
			return nil, errors.New("xprt: socket has no local address")
		}
		return a, nil
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return nil, fmt.Errorf("xprt: resolve local address: %w", err)
	}

	conn, err := pktinfo.New(raw)
	if err != nil {
		return nil, fmt.Errorf("xprt: wrap socket: %w", err)
	}

	loop := cfg.EventLoop
	if loop == nil {
		loop = noopLoop{}
	}

	x := &Endpoint{
		log:            log,
		conn:           conn,
		raw:            raw,
		localAddr:      localAddr.String(),
		ioSz:           ioSz,
		ioBuf:          make([]byte, ioSz),
		eventLoop:      loop,
		closeOnDestroy: cfg.CloseOnDestroy,
		metrics:        cfg.Metrics,
	}
	x.refcount.Store(1)

	if cfg.CacheSize > 0 {
		x.cache = dgcache.New(log, cfg.CacheSize, dgcache.Metrics{
			Hit:        func() { x.metrics.cacheHit(x.localAddr) },
			Insert:     func() { x.metrics.cacheInsert(x.localAddr) },
			Evict:      func() { x.metrics.cacheEviction(x.localAddr) },
			Corruption: func() { x.metrics.cacheCorruption(x.localAddr) },
		})
	}

	// LoadOrStore is the atomic find-or-install: if another goroutine
	// has since won the race for this raw, actual is its Endpoint and x
	// is discarded without ever having touched the event loop.
	actual, loaded := registry.LoadOrStore(raw, x)
	if loaded {
		winner := actual.(*Endpoint)
		winner.refcount.Add(1)
		return winner, nil
	}

	if err := loop.Register(x); err != nil {
		registry.Delete(raw)
		return nil, fmt.Errorf("xprt: register with event loop: %w", err)
	}
	return x, nil
}

// Destroy releases one reference; when the count reaches zero it tears
// the endpoint down exactly once, even if Destroy is called again
// afterwards.
func (x *Endpoint) Destroy() {
	if x.refcount.Add(-1) > 0 {
		return
	}
	x.destroyOnce.Do(func() {
		for {
			old := x.flags.Load()
			if x.flags.CompareAndSwap(old, old|flagDestroyed) {
				break
			}
		}
		x.eventLoop.Unregister(x)
		registry.Delete(x.raw)
		if x.closeOnDestroy {
			if err := x.raw.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				x.log.Warn("xprt: close on destroy", "local_addr", x.localAddr, "error", err)
			}
		}
	})
}

// Stat reports whether the endpoint is idle, blocked in Recv, or torn
// down.
func (x *Endpoint) Stat() Status {
	f := x.flags.Load()
	if f&flagDestroyed != 0 {
		return StatusDestroyed
	}
	if f&flagBlocked != 0 {
		return StatusBlocked
	}
	return StatusIdle
}

func (x *Endpoint) setBlocked(v bool) {
	for {
		old := x.flags.Load()
		var next uint32
		if v {
			next = old | flagBlocked
		} else {
			next = old &^ flagBlocked
		}
		if x.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// LocalAddr returns the string form of the bound socket's local address,
// used as a metric label and in log lines.
func (x *Endpoint) LocalAddr() string { return x.localAddr }

// armReadDeadline sets a short read deadline so the receive loop stays
// responsive to ctx cancellation, matching the 500ms polling interval
// liveness/receiver.go uses.
func (x *Endpoint) armReadDeadline() error {
	return x.raw.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
}
