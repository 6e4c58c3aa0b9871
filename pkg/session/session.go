package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/arzzra/sip_receiver/pkg/forwarder"
	"github.com/arzzra/sip_receiver/pkg/metrics"
	"github.com/arzzra/sip_receiver/pkg/rtp"
)

// Значения запроса по умолчанию
const (
	DefaultCodec      = rtp.CodecPCMU
	DefaultSampleRate = 8000
	DefaultChannels   = 1
)

// StartRequest параметры старта звонка
type StartRequest struct {
	CallID     string  `json:"call_id"`
	Codec      string  `json:"codec,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	SSRC       *uint32 `json:"ssrc,omitempty"`
}

// ApplyDefaults заполняет незаданные поля значениями по умолчанию
func (r *StartRequest) ApplyDefaults() {
	if r.Codec == "" {
		r.Codec = DefaultCodec
	}
	if r.SampleRate <= 0 {
		r.SampleRate = DefaultSampleRate
	}
	if r.Channels <= 0 {
		r.Channels = DefaultChannels
	}
}

// SessionInfo снимок состояния сессии для наблюдения. Время в секундах Unix.
type SessionInfo struct {
	CallID           string   `json:"call_id"`
	RTPIP            string   `json:"rtp_ip"`
	RTPPort          int      `json:"rtp_port"`
	Codec            string   `json:"codec"`
	SampleRate       int      `json:"sample_rate"`
	Channels         int      `json:"channels"`
	SSRC             *uint32  `json:"ssrc"`
	Packets          uint64   `json:"packets"`
	Bytes            uint64   `json:"bytes"`
	StartedAt        float64  `json:"started_at"`
	LastPacketAt     *float64 `json:"last_packet_at"`
	LastChunkSamples int      `json:"last_chunk_samples"`
}

// CallSession RTP сессия одного звонка.
//
// Счетчики пишет только горутина чтения сокета, остальные читают их атомарно.
type CallSession struct {
	callID     string
	ip         string
	port       int
	codec      string
	sampleRate int
	channels   int
	ssrc       *uint32
	startedAt  time.Time

	packets      atomic.Uint64
	bytes        atomic.Uint64
	lastPacketAt atomic.Int64 // UnixNano, 0 пока пакетов не было
	lastChunk    atomic.Pointer[[]byte]

	queue     chan []byte
	transport *rtp.UDPTransport
	pipeline  *forwarder.Pipeline
	cancel    context.CancelFunc
	readDone  chan struct{}

	logger      *logrus.Entry
	metrics     *metrics.Metrics
	diagLimiter *rate.Limiter
}

func (s *CallSession) CallID() string { return s.callID }
func (s *CallSession) IP() string { return s.ip }
func (s *CallSession) Port() int { return s.port }
func (s *CallSession) Codec() string { return s.codec }
func (s *CallSession) SampleRate() int { return s.sampleRate }
func (s *CallSession) Channels() int { return s.channels }
func (s *CallSession) StartedAt() time.Time { return s.startedAt }
func (s *CallSession) Packets() uint64 { return s.packets.Load() }
func (s *CallSession) Bytes() uint64 { return s.bytes.Load() }

// SSRC возвращает фильтр SSRC, если он задан
func (s *CallSession) SSRC() (uint32, bool) {
	if s.ssrc == nil {
		return 0, false
	}
	return *s.ssrc, true
}

// LastPacketAt время последнего принятого пакета, нулевое если пакетов не было
func (s *CallSession) LastPacketAt() time.Time {
	ns := s.lastPacketAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastChunk последний декодированный фрагмент. Только для наблюдения.
func (s *CallSession) LastChunk() []byte {
	if chunk := s.lastChunk.Load(); chunk != nil {
		return *chunk
	}
	return nil
}

// QueueLen текущая длина очереди на пересылку
func (s *CallSession) QueueLen() int {
	return len(s.queue)
}

// Info возвращает снимок состояния
func (s *CallSession) Info() SessionInfo {
	info := SessionInfo{
		CallID:           s.callID,
		RTPIP:            s.ip,
		RTPPort:          s.port,
		Codec:            s.codec,
		SampleRate:       s.sampleRate,
		Channels:         s.channels,
		Packets:          s.Packets(),
		Bytes:            s.Bytes(),
		StartedAt:        unixSeconds(s.startedAt),
		LastChunkSamples: len(s.LastChunk()) / 2,
	}
	if s.ssrc != nil {
		ssrc := *s.ssrc
		info.SSRC = &ssrc
	}
	if last := s.LastPacketAt(); !last.IsZero() {
		ts := unixSeconds(last)
		info.LastPacketAt = &ts
	}
	return info
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
