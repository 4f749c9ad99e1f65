// Package pktinfo captures and replays the ancillary data (IP_PKTINFO /
// IPV6_PKTINFO) that identifies the local address a datagram arrived on.
// It exists so a reply can be sourced from the exact local address the
// request targeted, which matters on multi-homed hosts.
package pktinfo

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Addr is the local destination address captured from a received
// datagram's ancillary data. The zero value means "no PKTINFO captured".
type Addr struct {
	IP      net.IP // destination address the datagram arrived on
	IfIndex int    // interface index (doubles as the v6 scope id on replay)
}

func (a Addr) valid() bool { return a.IP != nil }

// oobLen bounds one PKTINFO cmsg, v4 or v6; a datagram never carries both.
var oobLen = max(unix.CmsgSpace(unix.SizeofInet4Pktinfo), unix.CmsgSpace(unix.SizeofInet6Pktinfo))

// Conn wraps a bound UDP socket and knows how to extract and replay
// per-packet local-address control messages for both IPv4 and IPv6.
type Conn struct {
	raw *net.UDPConn
}

// New enables PKTINFO reception on raw and returns a Conn wrapping it. It
// only fails when raw's file descriptor cannot be reached at all (a
// broken *net.UDPConn); failure to enable a given family's socket option
// is logged and otherwise non-fatal, since decodePktinfo already treats
// "no recognized cmsg present" as a normal, silent miss.
func New(raw *net.UDPConn) (*Conn, error) {
	return newWithLogger(raw, slog.Default())
}

func newWithLogger(raw *net.UDPConn, log *slog.Logger) (*Conn, error) {
	sc, err := raw.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("pktinfo: syscall conn: %w", err)
	}

	isV6 := false
	if laddr, ok := raw.LocalAddr().(*net.UDPAddr); ok && laddr.IP != nil && laddr.IP.To4() == nil {
		isV6 = true
	}

	_ = sc.Control(func(fd uintptr) {
		if isV6 {
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); e != nil {
				log.Warn("pktinfo: enable IPV6_RECVPKTINFO", "error", e)
			}
			// Deliberately preserved: also enable IPv4 PKTINFO reception on a v6
			// socket so a dual-stack listener can recover a v4-mapped sender's
			// destination address too. Redundant for a true v6-only socket;
			// harmless either way, and a refusal from the platform is swallowed.
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
		} else {
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1); e != nil {
				log.Warn("pktinfo: enable IP_PKTINFO", "error", e)
			}
		}
	})
	return &Conn{raw: raw}, nil
}

// NewOOB allocates a control-message buffer sized for one PKTINFO cmsg.
func NewOOB() []byte { return make([]byte, oobLen) }

// ReadFrom reads one datagram into b, returning the sender address and,
// when present, the local address the datagram arrived on. store_pktinfo's
// boolean contract is folded into the ok return: ok is true only when
// exactly one recognized PKTINFO control message was present and the
// control buffer was not truncated.
func (c *Conn) ReadFrom(b, oob []byte) (n int, peer *net.UDPAddr, local Addr, ok bool, err error) {
	n, oobn, flags, peer, err := c.raw.ReadMsgUDP(b, oob)
	if err != nil {
		return n, peer, Addr{}, false, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return n, peer, Addr{}, false, nil // S6: truncated cmsg, decline silently
	}
	local, ok = decodePktinfo(oob[:oobn])
	return n, peer, local, ok, nil
}

// decodePktinfo implements store_pktinfo's recognition rule: the control
// stream must carry exactly one message, and it must be a recognized
// PKTINFO for v4 or v6.
func decodePktinfo(oob []byte) (Addr, bool) {
	if len(oob) == 0 {
		return Addr{}, false
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil || len(msgs) != 1 {
		return Addr{}, false
	}
	cm := msgs[0]
	switch {
	case cm.Header.Level == unix.IPPROTO_IP && cm.Header.Type == unix.IP_PKTINFO:
		if len(cm.Data) < unix.SizeofInet4Pktinfo {
			return Addr{}, false
		}
		var pi unix.Inet4Pktinfo
		copy((*[unix.SizeofInet4Pktinfo]byte)(unsafe.Pointer(&pi))[:], cm.Data)
		ip := net.IPv4(pi.Spec_dst[0], pi.Spec_dst[1], pi.Spec_dst[2], pi.Spec_dst[3])
		return Addr{IP: ip, IfIndex: int(pi.Ifindex)}, true

	case cm.Header.Level == unix.IPPROTO_IPV6 && cm.Header.Type == unix.IPV6_PKTINFO:
		if len(cm.Data) < unix.SizeofInet6Pktinfo {
			return Addr{}, false
		}
		var pi unix.Inet6Pktinfo
		copy((*[unix.SizeofInet6Pktinfo]byte)(unsafe.Pointer(&pi))[:], cm.Data)
		ip := make(net.IP, net.IPv6len)
		copy(ip, pi.Addr[:])
		return Addr{IP: ip, IfIndex: int(pi.Ifindex)}, true

	default:
		return Addr{}, false
	}
}

// WriteTo sends b to peer, attaching a PKTINFO control message that
// targets local when local is valid so the kernel sources the reply from
// that exact address (set_pktinfo). When local is the zero value no
// control message is attached and the kernel picks the source itself.
func (c *Conn) WriteTo(b []byte, peer *net.UDPAddr, local Addr) (int, error) {
	oob, err := encodePktinfo(local)
	if err != nil {
		return 0, err
	}
	n, _, err := c.raw.WriteMsgUDP(b, oob, peer)
	return n, err
}

func encodePktinfo(local Addr) ([]byte, error) {
	if !local.valid() {
		return nil, nil
	}
	if ip4 := local.IP.To4(); ip4 != nil {
		cmsg := struct {
			hdr unix.Cmsghdr
			pi  unix.Inet4Pktinfo
		}{
			hdr: unix.Cmsghdr{Level: unix.IPPROTO_IP, Type: unix.IP_PKTINFO, Len: unix.SizeofCmsghdr + unix.SizeofInet4Pktinfo},
		}
		copy(cmsg.pi.Spec_dst[:], ip4)
		cmsg.pi.Ifindex = int32(local.IfIndex)
		return (*[unsafe.Sizeof(cmsg)]byte)(unsafe.Pointer(&cmsg))[:], nil
	}
	ip6 := local.IP.To16()
	if ip6 == nil {
		return nil, errors.New("pktinfo: local address is neither v4 nor v6")
	}
	cmsg := struct {
		hdr unix.Cmsghdr
		pi  unix.Inet6Pktinfo
	}{
		hdr: unix.Cmsghdr{Level: unix.IPPROTO_IPV6, Type: unix.IPV6_PKTINFO, Len: unix.SizeofCmsghdr + unix.SizeofInet6Pktinfo},
	}
	copy(cmsg.pi.Addr[:], ip6)
	cmsg.pi.Ifindex = uint32(local.IfIndex)
	return (*[unsafe.Sizeof(cmsg)]byte)(unsafe.Pointer(&cmsg))[:], nil
}
