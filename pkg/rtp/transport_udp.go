package rtp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ListenConfig параметры входящего RTP сокета
type ListenConfig struct {
	IP   string // Адрес привязки, пустой = 0.0.0.0
	Port int    // 0 = эфемерный порт от ОС

	BufferSize int // Размер буфера чтения одной датаграммы
	RecvBuffer int // SO_RCVBUF
}

// ApplyDefaults заполняет незаданные поля
func (c *ListenConfig) ApplyDefaults() {
	if c.IP == "" {
		c.IP = "0.0.0.0"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.RecvBuffer == 0 {
		c.RecvBuffer = VoiceOptimizedRecvBuffer
	}
}

// Handler получает каждую принятую датаграмму. Буфер принадлежит обработчику.
type Handler func(data []byte, from *net.UDPAddr)

// UDPTransport входящий UDP сокет одной RTP сессии.
// Оптимизирован для телефонии (низкая латентность)
type UDPTransport struct {
	conn   *net.UDPConn
	config ListenConfig

	closeOnce sync.Once
	closeErr  error
}

// Listen открывает UDP сокет на ip:port и настраивает его под голос
func Listen(cfg ListenConfig) (*UDPTransport, error) {
	cfg.ApplyDefaults()

	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	if err := ApplySocketOptions(conn, SocketOptions{RecvBuffer: cfg.RecvBuffer}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	return &UDPTransport{conn: conn, config: cfg}, nil
}

// ReadLoop читает датаграммы до закрытия сокета и отдает копию каждой в handler.
// Закрытие сокета через Close завершает цикл без ошибки.
func (t *UDPTransport) ReadLoop(handler Handler) error {
	buffer := make([]byte, t.config.BufferSize)

	for {
		n, addr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("UDP read: %w", err)
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		handler(data, addr)
	}
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Port возвращает фактически занятый порт
func (t *UDPTransport) Port() int {
	if addr := t.LocalAddr(); addr != nil {
		return addr.Port
	}
	return 0
}

// Close закрывает сокет. Повторный вызов безопасен.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.closeErr = err
		}
	})
	return t.closeErr
}

// ProbeBind проверяет, что порт можно занять прямо сейчас: привязывается и сразу освобождает.
func ProbeBind(ip string, port int) bool {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
