package forwarder

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/sip_receiver/pkg/metrics"
)

// DefaultQueueSize емкость очереди фрагментов одного звонка
const DefaultQueueSize = 50

// PipelineConfig параметры пересылки одного звонка
type PipelineConfig struct {
	CallID    string
	Queue     <-chan []byte
	Deliverer Deliverer
	Logger    *logrus.Entry
	Metrics   *metrics.Metrics
}

// Pipeline потребитель очереди одного звонка
type Pipeline struct {
	callID    string
	queue     <-chan []byte
	deliverer Deliverer
	logger    *logrus.Entry
	metrics   *metrics.Metrics
	done      chan struct{}
}

// NewPipeline создает пересылку. Start запускает ее горутину.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Deliverer == nil {
		cfg.Deliverer = NopDeliverer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}

	return &Pipeline{
		callID:    cfg.CallID,
		queue:     cfg.Queue,
		deliverer: cfg.Deliverer,
		logger:    cfg.Logger.WithFields(logrus.Fields{"component": "forwarder", "call_id": cfg.CallID}),
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}
}

// Start запускает цикл пересылки до отмены ctx
func (p *Pipeline) Start(ctx context.Context) {
	go p.run(ctx)
}

// Wait ждет завершения цикла
func (p *Pipeline) Wait() {
	<-p.done
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	for {
		if ctx.Err() != nil {
			p.drain()
			return
		}

		select {
		case <-ctx.Done():
			p.drain()
			return
		case chunk := <-p.queue:
			p.deliver(ctx, chunk)
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, chunk []byte) {
	if err := p.deliverer.Deliver(ctx, p.callID, chunk); err != nil {
		p.metrics.DeliveryErrors.Inc()
		p.logger.WithError(err).WithField("bytes", len(chunk)).Debug("Фрагмент не доставлен")
		return
	}
	p.metrics.ChunksDelivered.Inc()
}

// drain выбрасывает все, что осталось в очереди, без доставки
func (p *Pipeline) drain() {
	discarded := 0
	for {
		select {
		case <-p.queue:
			discarded++
		default:
			if discarded > 0 {
				p.metrics.ChunksDiscarded.Add(float64(discarded))
				p.logger.WithField("discarded", discarded).Debug("Очередь очищена при остановке")
			}
			return
		}
	}
}
