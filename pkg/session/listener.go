package session

import (
	"net"
	"time"

	"github.com/arzzra/sip_receiver/pkg/metrics"
	"github.com/arzzra/sip_receiver/pkg/rtp"
)

// handleDatagram обрабатывает одну входящую датаграмму.
// Вызывается только из горутины чтения сокета и никогда не блокируется.
func (s *CallSession) handleDatagram(data []byte, from *net.UDPAddr) {
	packet, err := rtp.ParseHeader(data)
	if err != nil {
		s.metrics.Dropped(metrics.DropMalformed)
		if s.diagLimiter.Allow() {
			s.logger.WithError(err).WithField("peer", from.String()).Debug("Отброшен некорректный RTP пакет")
		}
		return
	}

	if s.ssrc != nil && packet.SSRC != *s.ssrc {
		s.metrics.Dropped(metrics.DropSSRCMismatch)
		return
	}

	s.packets.Add(1)
	s.bytes.Add(uint64(len(data)))
	s.lastPacketAt.Store(time.Now().UnixNano())
	s.metrics.RTPPacketsReceived.Inc()
	s.metrics.RTPBytesReceived.Add(float64(len(data)))

	chunk := rtp.DecodePayload(s.codec, packet.Payload)
	s.lastChunk.Store(&chunk)
	s.enqueue(chunk)
}

// enqueue кладет фрагмент в очередь без ожидания. Полная очередь = потеря фрагмента.
func (s *CallSession) enqueue(chunk []byte) bool {
	select {
	case s.queue <- chunk:
		return true
	default:
		s.metrics.Dropped(metrics.DropQueueFull)
		return false
	}
}

// readLoop горутина чтения сокета сессии
func (s *CallSession) readLoop() {
	defer close(s.readDone)

	if err := s.transport.ReadLoop(s.handleDatagram); err != nil {
		s.logger.WithError(err).Debug("Чтение RTP сокета завершилось с ошибкой")
	}
}
