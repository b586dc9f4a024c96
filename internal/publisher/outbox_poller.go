package publisher

import (
	"context"
	"time"

	r "github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const batchSize = 100

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Broadcaster receives every published event after it reached Kafka.
type Broadcaster interface {
	Broadcast(eventType string, payload []byte)
}

// Sweep is a periodic reconciliation job run on the recovery tick.
type Sweep struct {
	Name string
	Run  func(ctx context.Context, now time.Time) (int, error)
}

type OutboxPoller struct {
	timeout      time.Duration
	eventTick    time.Duration
	recoveryTick time.Duration
	repo         r.OutboxStore
	writer       MessageWriter
	hub          Broadcaster
	sweeps       []Sweep
	now          func() time.Time
	log          *zap.Logger
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

func NewOutboxPoller(repo r.OutboxStore, writer MessageWriter, hub Broadcaster, eventTick, recoveryTick time.Duration, log *zap.Logger, sweeps ...Sweep) *OutboxPoller {
	return &OutboxPoller{
		timeout:      5 * time.Second,
		eventTick:    eventTick,
		recoveryTick: recoveryTick,
		repo:         repo,
		writer:       writer,
		hub:          hub,
		sweeps:       sweeps,
		now:          time.Now,
		log:          log,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.runSweeps(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, batchSize)
	if err != nil {
		p.log.Error("failed to fetch outbox events", zap.Error(err))
		return
	}

	for _, event := range events {
		if err := p.publishToKafka(ctx, event); err != nil {
			// stays unprocessed, picked up again on the next tick
			p.log.Warn("failed to publish event", zap.Int64("event_id", event.ID), zap.String("event_type", event.EventType), zap.Error(err))
			continue
		}

		if p.hub != nil {
			p.hub.Broadcast(event.EventType, event.Payload)
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.log.Error("failed to mark event as processed", zap.Int64("event_id", event.ID), zap.Error(err))
			continue
		}
	}
}

func (p *OutboxPoller) runSweeps(ctx context.Context) {
	for _, sweep := range p.sweeps {
		n, err := sweep.Run(ctx, p.now())
		if err != nil {
			p.log.Warn("sweep failed", zap.String("sweep", sweep.Name), zap.Int("handled", n), zap.Error(err))
			continue
		}
		if n > 0 {
			p.log.Info("sweep finished", zap.String("sweep", sweep.Name), zap.Int("handled", n))
		}
	}
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *r.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateId), // order id keeps per-order ordering
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, msg)
}
