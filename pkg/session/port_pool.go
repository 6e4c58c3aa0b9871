package session

import (
	"fmt"

	"github.com/arzzra/sip_receiver/pkg/rtp"
)

// ProbeFunc проверяет, что порт можно занять на уровне ОС
type ProbeFunc func(ip string, port int) bool

// PortPool набор портов, занятых активными сессиями, внутри диапазона [min, max].
//
// У пула нет своей блокировки: он изменяется только менеджером под его мьютексом.
type PortPool struct {
	ip        string
	minPort   int
	maxPort   int
	allocated map[int]struct{}
	probe     ProbeFunc
}

// NewPortPool создает пул для адреса ip. probe == nil означает rtp.ProbeBind.
func NewPortPool(ip string, minPort, maxPort int, probe ProbeFunc) (*PortPool, error) {
	if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
		return nil, fmt.Errorf("неверный диапазон портов: %d-%d", minPort, maxPort)
	}
	if probe == nil {
		probe = rtp.ProbeBind
	}

	return &PortPool{
		ip:        ip,
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[int]struct{}),
		probe:     probe,
	}, nil
}

// Allocate выбирает наименьший порт диапазона, который не отслеживается пулом и
// проходит пробную привязку. Порт сразу отмечается занятым.
func (p *PortPool) Allocate() (int, error) {
	for port := p.minPort; port <= p.maxPort; port++ {
		if _, taken := p.allocated[port]; taken {
			continue
		}
		if !p.probe(p.ip, port) {
			continue
		}
		p.allocated[port] = struct{}{}
		return port, nil
	}
	return 0, ErrPortExhausted
}

// Release возвращает порт в пул. Освобождение неизвестного порта игнорируется.
func (p *PortPool) Release(port int) {
	delete(p.allocated, port)
}

// InUse сообщает, отслеживается ли порт как занятый
func (p *PortPool) InUse(port int) bool {
	_, ok := p.allocated[port]
	return ok
}

// Len количество занятых портов
func (p *PortPool) Len() int {
	return len(p.allocated)
}

// Range границы диапазона
func (p *PortPool) Range() (int, int) {
	return p.minPort, p.maxPort
}
