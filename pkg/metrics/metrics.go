// Package metrics собирает Prometheus метрики приемника: RTP трафик, пересылку
// аудио, порты, SIP запросы и переходы диалогов.
//
// Все коллекторы регистрируются в переданном Registerer, поэтому тесты могут
// работать с изолированным реестром.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace префикс всех метрик
const Namespace = "sip_receiver"

// Причины отбрасывания RTP пакетов
const (
	DropMalformed    = "malformed"
	DropSSRCMismatch = "ssrc_mismatch"
	DropQueueFull    = "queue_full"
)

// Metrics набор коллекторов приемника
type Metrics struct {
	RTPPacketsReceived prometheus.Counter
	RTPBytesReceived   prometheus.Counter
	RTPPacketsDropped  *prometheus.CounterVec

	ChunksDelivered  prometheus.Counter
	DeliveryErrors   prometheus.Counter
	ChunksDiscarded  prometheus.Counter
	SessionsActive   prometheus.Gauge
	PortsInUse       prometheus.Gauge
	PortExhausted    prometheus.Counter
	SIPRequests      *prometheus.CounterVec
	SIPResponses     *prometheus.CounterVec
	DialogTransition *prometheus.CounterVec
}

// New создает и регистрирует коллекторы в reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RTPPacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rtp",
			Name:      "packets_received_total",
			Help:      "Принятые RTP пакеты, прошедшие разбор и фильтр SSRC",
		}),
		RTPBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rtp",
			Name:      "bytes_received_total",
			Help:      "Байты принятых RTP датаграмм",
		}),
		RTPPacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rtp",
			Name:      "packets_dropped_total",
			Help:      "Отброшенные RTP пакеты по причинам",
		}, []string{"reason"}),

		ChunksDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "forward",
			Name:      "chunks_delivered_total",
			Help:      "Аудио фрагменты, доставленные сервису транскрипции",
		}),
		DeliveryErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "forward",
			Name:      "delivery_errors_total",
			Help:      "Неудачные попытки доставки аудио фрагментов",
		}),
		ChunksDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "forward",
			Name:      "chunks_discarded_total",
			Help:      "Фрагменты, выброшенные из очереди при остановке звонка",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sessions_active",
			Help:      "Активные RTP сессии",
		}),
		PortsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "ports_in_use",
			Help:      "Занятые RTP порты из пула",
		}),
		PortExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "port_exhausted_total",
			Help:      "Отказы в старте звонка из-за отсутствия свободных портов",
		}),

		SIPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sip",
			Name:      "requests_total",
			Help:      "Принятые SIP запросы по методам",
		}, []string{"method"}),
		SIPResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sip",
			Name:      "responses_total",
			Help:      "Отправленные SIP ответы по кодам",
		}, []string{"code"}),
		DialogTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dialog",
			Name:      "transitions_total",
			Help:      "Переходы состояний SIP диалогов",
		}, []string{"from", "to"}),
	}
}

// NewNop возвращает коллекторы, не зарегистрированные ни в одном внешнем реестре
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Dropped учитывает отброшенный RTP пакет
func (m *Metrics) Dropped(reason string) {
	m.RTPPacketsDropped.WithLabelValues(reason).Inc()
}

// Response учитывает отправленный SIP ответ
func (m *Metrics) Response(code int) {
	m.SIPResponses.WithLabelValues(strconv.Itoa(code)).Inc()
}
