package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/arzzra/sip_receiver/pkg/forwarder"
	"github.com/arzzra/sip_receiver/pkg/metrics"
	"github.com/arzzra/sip_receiver/pkg/rtp"
)

// Config параметры менеджера сессий
type Config struct {
	BindIP     string
	PortMin    int
	PortMax    int
	QueueSize  int
	RecvBuffer int

	Deliverer forwarder.Deliverer
	Probe     ProbeFunc
	Logger    *logrus.Entry
	Metrics   *metrics.Metrics
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		BindIP:     "0.0.0.0",
		PortMin:    11000,
		PortMax:    12000,
		QueueSize:  forwarder.DefaultQueueSize,
		RecvBuffer: rtp.VoiceOptimizedRecvBuffer,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.PortMin <= 0 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		return fmt.Errorf("неверный диапазон портов: %d-%d", c.PortMin, c.PortMax)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("размер очереди должен быть положительным: %d", c.QueueSize)
	}
	return nil
}

// Manager таблица активных RTP сессий.
//
// Один мьютекс защищает таблицу и пул портов. Под ним принимается решение о
// порте и меняется таблица. Ожидание горутин остановленных сессий выполняется
// после снятия блокировки.
type Manager struct {
	config   Config
	pool     *PortPool
	sessions map[string]*CallSession
	mutex    sync.Mutex
	closed   bool

	deliverer forwarder.Deliverer
	logger    *logrus.Entry
	metrics   *metrics.Metrics
}

// NewManager создает менеджер сессий
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BindIP == "" {
		cfg.BindIP = "0.0.0.0"
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = forwarder.DefaultQueueSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация: %w", err)
	}

	pool, err := NewPortPool(cfg.BindIP, cfg.PortMin, cfg.PortMax, cfg.Probe)
	if err != nil {
		return nil, err
	}

	if cfg.Deliverer == nil {
		cfg.Deliverer = forwarder.NopDeliverer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}

	return &Manager{
		config:    cfg,
		pool:      pool,
		sessions:  make(map[string]*CallSession),
		deliverer: cfg.Deliverer,
		logger:    cfg.Logger.WithField("component", "session_manager"),
		metrics:   cfg.Metrics,
	}, nil
}

// StartCall запускает прием RTP для звонка.
//
// Повторный старт того же звонка возвращает существующую сессию без изменений.
// Нехватка портов возвращается как ErrPortExhausted без повторных попыток.
// ctx ограничивает только сам старт; сессия живет до StopCall.
func (m *Manager) StartCall(ctx context.Context, req StartRequest) (*CallSession, error) {
	if req.CallID == "" {
		return nil, ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req.ApplyDefaults()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	if existing, ok := m.sessions[req.CallID]; ok {
		return existing, nil
	}

	port, err := m.pool.Allocate()
	if err != nil {
		m.metrics.PortExhausted.Inc()
		minPort, maxPort := m.pool.Range()
		return nil, errorBuilder(req.CallID).
			Code("port_exhausted").
			With("port_min", minPort, "port_max", maxPort).
			Wrap(err)
	}

	transport, err := rtp.Listen(rtp.ListenConfig{
		IP:         m.config.BindIP,
		Port:       port,
		RecvBuffer: m.config.RecvBuffer,
	})
	if err != nil {
		m.pool.Release(port)
		return nil, errorBuilder(req.CallID).
			Code("bind_failed").
			With("port", port).
			Wrapf(err, "не удалось открыть RTP порт %d", port)
	}

	logger := m.logger.WithFields(logrus.Fields{"call_id": req.CallID, "port": port})
	queue := make(chan []byte, m.config.QueueSize)
	sessCtx, cancel := context.WithCancel(context.Background())

	sess := &CallSession{
		callID:      req.CallID,
		ip:          m.config.BindIP,
		port:        port,
		codec:       req.Codec,
		sampleRate:  req.SampleRate,
		channels:    req.Channels,
		ssrc:        req.SSRC,
		startedAt:   time.Now(),
		queue:       queue,
		transport:   transport,
		cancel:      cancel,
		readDone:    make(chan struct{}),
		logger:      logger,
		metrics:     m.metrics,
		diagLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	sess.pipeline = forwarder.NewPipeline(forwarder.PipelineConfig{
		CallID:    req.CallID,
		Queue:     queue,
		Deliverer: m.deliverer,
		Logger:    m.logger,
		Metrics:   m.metrics,
	})

	go sess.readLoop()
	sess.pipeline.Start(sessCtx)

	m.sessions[req.CallID] = sess
	m.metrics.SessionsActive.Inc()
	m.metrics.PortsInUse.Set(float64(m.pool.Len()))

	logger.WithFields(logrus.Fields{
		"codec":       req.Codec,
		"sample_rate": req.SampleRate,
		"channels":    req.Channels,
	}).Info("RTP сессия запущена")
	if !rtp.IsSupportedCodec(req.Codec) {
		logger.WithField("codec", req.Codec).Warn("Кодек не декодируется, payload передается без преобразования")
	}

	return sess, nil
}

// StopCall останавливает сессию звонка. Неизвестный звонок игнорируется.
func (m *Manager) StopCall(callID string) {
	m.mutex.Lock()
	sess, ok := m.sessions[callID]
	if ok {
		m.teardownLocked(sess)
	}
	m.mutex.Unlock()

	if ok {
		sess.wait()
		sess.logger.WithFields(logrus.Fields{
			"packets": sess.Packets(),
			"bytes":   sess.Bytes(),
		}).Info("RTP сессия остановлена")
	}
}

// teardownLocked убирает сессию из таблицы и освобождает ее ресурсы.
// Сокет закрывается до возврата порта в пул.
func (m *Manager) teardownLocked(sess *CallSession) {
	delete(m.sessions, sess.callID)

	sess.cancel()
	if err := sess.transport.Close(); err != nil {
		sess.logger.WithError(err).Debug("Ошибка закрытия RTP сокета")
	}
	m.pool.Release(sess.port)

	m.metrics.SessionsActive.Dec()
	m.metrics.PortsInUse.Set(float64(m.pool.Len()))
}

// wait ждет завершения горутин сессии
func (s *CallSession) wait() {
	<-s.readDone
	s.pipeline.Wait()
}

// Get возвращает активную сессию звонка
func (m *Manager) Get(callID string) (*CallSession, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	sess, ok := m.sessions[callID]
	return sess, ok
}

// List возвращает активные сессии по времени старта, затем по идентификатору
func (m *Manager) List() []*CallSession {
	m.mutex.Lock()
	list := make([]*CallSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		list = append(list, sess)
	}
	m.mutex.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].startedAt.Equal(list[j].startedAt) {
			return list[i].startedAt.Before(list[j].startedAt)
		}
		return list[i].callID < list[j].callID
	})
	return list
}

// PortsInUse количество занятых портов
func (m *Manager) PortsInUse() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.pool.Len()
}

// Close останавливает все сессии. После Close новые звонки не принимаются.
func (m *Manager) Close() {
	m.mutex.Lock()
	m.closed = true
	stopped := make([]*CallSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		m.teardownLocked(sess)
		stopped = append(stopped, sess)
	}
	m.mutex.Unlock()

	for _, sess := range stopped {
		sess.wait()
	}
	if len(stopped) > 0 {
		m.logger.WithField("sessions", len(stopped)).Info("Все RTP сессии остановлены")
	}
}
