//go:build linux

package rtp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func sockOpt(t *testing.T, conn *net.UDPConn, level, opt int) int {
	t.Helper()

	rawConn, err := conn.SyscallConn()
	require.NoError(t, err)

	var value int
	var optErr error
	require.NoError(t, rawConn.Control(func(fd uintptr) {
		value, optErr = unix.GetsockoptInt(int(fd), level, opt)
	}))
	require.NoError(t, optErr)
	return value
}

func TestApplySocketOptionsLinux(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, ApplySocketOptions(conn, SocketOptions{
		RecvBuffer: 32768,
		SendBuffer: 16384,
		DSCP:       DSCPSignaling,
	}))

	// Ядро хранит удвоенное значение
	assert.Equal(t, 2*32768, sockOpt(t, conn, unix.SOL_SOCKET, unix.SO_RCVBUF))
	assert.Equal(t, 2*16384, sockOpt(t, conn, unix.SOL_SOCKET, unix.SO_SNDBUF))
	assert.Equal(t, DSCPSignaling<<2, sockOpt(t, conn, unix.IPPROTO_IP, unix.IP_TOS))
}

func TestListenAppliesRecvBuffer(t *testing.T) {
	transport, err := Listen(ListenConfig{IP: "127.0.0.1", RecvBuffer: 32768})
	require.NoError(t, err)
	defer transport.Close()

	assert.Equal(t, 2*32768, sockOpt(t, transport.conn, unix.SOL_SOCKET, unix.SO_RCVBUF))
}
