// Package dgcache implements the duplicate-reply cache: a bounded
// call-identity-to-reply store that lets a datagram transport short-circuit
// a retransmitted call by re-sending the previously computed reply instead
// of re-executing the procedure.
//
// It is a two-index structure: a hash-bucket chain for lookup plus a FIFO
// ring that defines strict eviction order and whose content must always
// equal the set of entries reachable from the bucket chains — including a
// buffer rotation trick on Set: it takes full ownership of the caller's
// just-transmitted buffer and hands back a same-size buffer the caller
// can keep writing into, without ever copying the reply bytes.
package dgcache

import (
	"log/slog"
	"net"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// sparseness is the reference implementation's fixed bucket multiplier:
// the hash table has size*sparseness buckets so chains stay short.
const sparseness = 4

// Key identifies one cached reply: the client-chosen xid, the target
// procedure, and the peer address that sent it. Equality requires
// bytewise equality of the peer address.
type Key struct {
	XID      uint32
	Prog     uint32
	Vers     uint32
	Proc     uint32
	PeerIP   string // net.IP.String() of the peer; stable, comparable
	PeerPort int
	PeerZone string
}

func keyOf(xid, prog, vers, proc uint32, peer *net.UDPAddr) Key {
	k := Key{XID: xid, Prog: prog, Vers: vers, Proc: proc}
	if peer != nil {
		k.PeerIP = peer.IP.String()
		k.PeerPort = peer.Port
		k.PeerZone = peer.Zone
	}
	return k
}

func (k Key) hash() uint64 {
	var buf [20]byte
	putU32(buf[0:4], k.XID)
	putU32(buf[4:8], k.Prog)
	putU32(buf[8:12], k.Vers)
	putU32(buf[12:16], k.Proc)
	putU32(buf[16:20], uint32(k.PeerPort))
	h := xxhash.New()
	h.Write(buf[:])
	h.WriteString(k.PeerIP)
	h.WriteString(k.PeerZone)
	return h.Sum64()
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}

// entry is one cached reply. buf is always the full allocation the
// endpoint handed over; n is how much of it is the actual reply. The
// reference C implementation stores the peer address as a pointer into
// the entry's own inline storage, which forbids copying or moving the
// entry; here Key already holds the peer address by value, so no
// self-reference is needed.
type entry struct {
	key  Key
	buf  []byte
	n    int
	next *entry // next_in_bucket: singly-linked chain within a bucket
}

func (e *entry) reply() []byte { return e.buf[:e.n] }

// Cache is the duplicate-reply cache container: a fixed-capacity set of
// entries indexed for lookup by hash bucket and for eviction by FIFO
// order.
type Cache struct {
	log *slog.Logger

	mu      sync.Mutex
	size    int
	buckets []*entry // len == size*sparseness
	fifo    []*entry // len == size, insertion-ordered ring
	next    int      // next_victim

	// Scratch fields recording the (prog, vers, proc) of the most recent
	// miss, so SetFromLastMiss can complete a key without re-parsing the
	// call. Two different programs racing on the same endpoint between a
	// miss and the matching set could attribute a reply to the wrong key
	// through this mutable state; SetFromLastMiss is kept for parity with
	// the reference implementation, but Endpoint.Reply uses the safer
	// Set, which takes the identity explicitly instead of trusting it.
	pendingProg, pendingVers, pendingProc uint32

	metrics Metrics
}

// Metrics are counters the cache bumps on notable events; all are
// optional (nil funcs are skipped) so tests can use a zero Metrics.
type Metrics struct {
	Hit        func()
	Miss       func()
	Insert     func()
	Evict      func()
	Corruption func()
}

func (m Metrics) hit()        { call(m.Hit) }
func (m Metrics) miss()       { call(m.Miss) }
func (m Metrics) insert()     { call(m.Insert) }
func (m Metrics) evict()      { call(m.Evict) }
func (m Metrics) corruption() { call(m.Corruption) }
func call(f func()) {
	if f != nil {
		f()
	}
}

// New builds a cache with capacity size. size must be positive.
func New(log *slog.Logger, size int, metrics Metrics) *Cache {
	if size <= 0 {
		panic("dgcache: size must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		log:     log,
		size:    size,
		buckets: make([]*entry, size*sparseness),
		fifo:    make([]*entry, size),
		metrics: metrics,
	}
}

func (c *Cache) bucketFor(k Key) int {
	return int(k.hash() % uint64(len(c.buckets)))
}

// Get looks up (xid, prog, vers, proc, peer). On a hit it returns the
// cached reply bytes and true. On a miss it records (prog, vers, proc)
// into the cache's scratch fields for a later SetFromLastMiss, and
// returns (nil, false).
func (c *Cache) Get(xid, prog, vers, proc uint32, peer *net.UDPAddr) ([]byte, bool) {
	k := keyOf(xid, prog, vers, proc, peer)
	c.mu.Lock()
	defer c.mu.Unlock()

	loc := c.bucketFor(k)
	for e := c.buckets[loc]; e != nil; e = e.next {
		if e.key == k {
			c.metrics.hit()
			return e.reply(), true
		}
	}
	c.pendingProg, c.pendingVers, c.pendingProc = prog, vers, proc
	c.metrics.miss()
	return nil, false
}

// Set inserts a reply for (xid, prog, vers, proc, peer): full is the
// caller's entire working buffer which it just finished transmitting the
// first sentLen bytes of. The cache takes ownership of full and returns a
// same-size buffer the caller should install as its new working buffer —
// either a recycled eviction victim's old buffer or a fresh allocation —
// so the transmitted bytes are cached without ever being copied.
func (c *Cache) Set(xid, prog, vers, proc uint32, peer *net.UDPAddr, full []byte, sentLen int) (nextBuf []byte) {
	k := keyOf(xid, prog, vers, proc, peer)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(k, full, sentLen)
}

// SetFromLastMiss is Set, but recovers (prog, vers, proc) from the most
// recent Get miss on this cache rather than taking it as an argument. Kept
// for parity with the reference implementation's svc_dg_cache_set, which
// has no other way to recover the call identity at reply time — and no
// protection against two different programs racing on the same endpoint
// between a miss and its matching set (see the pendingProg/Vers/Proc
// fields above).
func (c *Cache) SetFromLastMiss(xid uint32, peer *net.UDPAddr, full []byte, sentLen int) (nextBuf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := keyOf(xid, c.pendingProg, c.pendingVers, c.pendingProc, peer)
	return c.insertLocked(k, full, sentLen)
}

func (c *Cache) insertLocked(k Key, full []byte, sentLen int) []byte {
	victim := c.fifo[c.next]
	if victim != nil {
		loc := c.bucketFor(victim.key)
		pp := &c.buckets[loc]
		found := false
		for *pp != nil {
			if *pp == victim {
				*pp = victim.next
				found = true
				break
			}
			pp = &(*pp).next
		}
		if !found {
			// Corruption: the FIFO's occupant isn't reachable from its own
			// bucket chain. Abort this insertion; the cache keeps serving,
			// and the caller keeps using its own buffer (no rotation).
			c.log.Error("dgcache: victim not found in its bucket chain", "next_victim", c.next)
			c.metrics.corruption()
			return full
		}
		c.metrics.evict()

		nextBuf := victim.buf
		victim.buf, victim.n, victim.key = full, sentLen, k
		loc = c.bucketFor(k)
		victim.next = c.buckets[loc]
		c.buckets[loc] = victim
		c.fifo[c.next] = victim
		c.next = (c.next + 1) % c.size
		c.metrics.insert()
		return nextBuf
	}

	e := &entry{key: k, buf: full, n: sentLen}
	loc := c.bucketFor(k)
	e.next = c.buckets[loc]
	c.buckets[loc] = e

	c.fifo[c.next] = e
	c.next = (c.next + 1) % c.size
	c.metrics.insert()
	return make([]byte, len(full))
}

// Len reports the number of live entries, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.fifo {
		if e != nil {
			n++
		}
	}
	return n
}
