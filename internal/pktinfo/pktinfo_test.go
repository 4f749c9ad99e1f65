package pktinfo

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S4: ReadFrom captures the datagram's destination address from PKTINFO,
// and a reply sent through WriteTo with that address reaches the client
// from that same source address.
func TestConn_PktinfoRoundTrip_V4(t *testing.T) {
	srvRaw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srvRaw.Close()
	srv, err := New(srvRaw)
	require.NoError(t, err)

	cliRaw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer cliRaw.Close()

	_, err = cliRaw.WriteToUDP([]byte("ping"), srvRaw.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 64)
	oob := NewOOB()
	n, peer, local, ok, err := srv.ReadFrom(buf, oob)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.True(t, ok, "expected a recognized PKTINFO cmsg on a loopback v4 read")
	assert.True(t, local.IP.Equal(net.IPv4(127, 0, 0, 1)))
	require.NotNil(t, peer)

	n, err = srv.WriteTo([]byte("pong"), peer, local)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	cliBuf := make([]byte, 64)
	n, from, err := cliRaw.ReadFromUDP(cliBuf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(cliBuf[:n]))
	assert.True(t, from.IP.Equal(local.IP), "reply must be sourced from the captured local address")
}

// S6: a caller-supplied oob buffer too small to hold the cmsg yields
// MSG_CTRUNC and ReadFrom declines to report a local address, without error.
func TestConn_TruncatedControlBuffer(t *testing.T) {
	srvRaw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srvRaw.Close()
	srv, err := New(srvRaw)
	require.NoError(t, err)

	cliRaw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer cliRaw.Close()

	_, err = cliRaw.WriteToUDP([]byte("ping"), srvRaw.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 64)
	tinyOOB := make([]byte, 1) // far too small for a real cmsg
	n, _, _, ok, err := srv.ReadFrom(buf, tinyOOB)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.False(t, ok, "truncated control data must not be reported as a valid local address")
}

// WriteTo with the zero-value Addr attaches no control message and still
// delivers the datagram; the kernel picks the source address itself.
func TestConn_WriteTo_NoLocalAddress(t *testing.T) {
	srvRaw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srvRaw.Close()
	srv, err := New(srvRaw)
	require.NoError(t, err)

	cliRaw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer cliRaw.Close()

	n, err := srv.WriteTo([]byte("hi"), cliRaw.LocalAddr().(*net.UDPAddr), Addr{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 16)
	n, _, err = cliRaw.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestDecodePktinfo_EmptyControlIsNotOK(t *testing.T) {
	_, ok := decodePktinfo(nil)
	assert.False(t, ok)
}
