//go:build linux

package rtp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setSockOptBuffers выставляет SO_RCVBUF и SO_SNDBUF (Linux).
// Ядро удваивает значение и ограничивает его net.core.rmem_max, это нормально.
func setSockOptBuffers(fd, recvBufSize, sendBufSize int) error {
	if recvBufSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufSize); err != nil {
			return fmt.Errorf("SO_RCVBUF (%d): %w", recvBufSize, err)
		}
	}

	if sendBufSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sendBufSize); err != nil {
			return fmt.Errorf("SO_SNDBUF (%d): %w", sendBufSize, err)
		}
	}

	return nil
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS (Linux реализация)
func setSockOptDSCP(fd, dscp int) error {
	// DSCP находится в старших 6 битах TOS поля
	tos := dscp << 2

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return err
	}

	// Для IPv4 сокета вызов вернет ошибку, игнорируем
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	return nil
}
