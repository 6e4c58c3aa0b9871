// Настройка UDP сокетов под голосовой трафик.
//
// Размеры буферов и DSCP маркировка выставляются через системный сокет.
// Платформенные реализации лежат в transport_socket_*.go.
package rtp

import (
	"fmt"
	"net"
)

const (
	// DefaultBufferSize размер буфера чтения датаграммы (MTU Ethernet)
	DefaultBufferSize = 1500

	// VoiceOptimizedRecvBuffer размер SO_RCVBUF по умолчанию.
	// 64KB хватает примерно на 3 секунды G.711 при пакетах по 20ms.
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer размер SO_SNDBUF по умолчанию
	VoiceOptimizedSendBuffer = 65535

	// DSCPSignaling класс CS3 для сигнализации (RFC 4594)
	DSCPSignaling = 24
	MaxDSCP       = 63
)

// SocketOptions настройки системного сокета. Нулевое поле оставляет значение ОС.
type SocketOptions struct {
	RecvBuffer int // SO_RCVBUF
	SendBuffer int // SO_SNDBUF
	DSCP       int // 0 = без маркировки
}

// ApplySocketOptions применяет настройки буферов и QoS к открытому сокету.
// Ошибка маркировки DSCP не возвращается: в контейнерах ее часто запрещают.
func ApplySocketOptions(conn *net.UDPConn, opts SocketOptions) error {
	if opts.DSCP < 0 || opts.DSCP > MaxDSCP {
		return fmt.Errorf("DSCP %d вне диапазона 0..%d", opts.DSCP, MaxDSCP)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		if err := setSockOptBuffers(int(fd), opts.RecvBuffer, opts.SendBuffer); err != nil {
			sockOptErr = fmt.Errorf("ошибка установки буферов: %w", err)
			return
		}
		if opts.DSCP > 0 {
			_ = setSockOptDSCP(int(fd), opts.DSCP)
		}
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}

	return sockOptErr
}
