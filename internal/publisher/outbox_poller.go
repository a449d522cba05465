package publisher

import (
	"context"
	"time"

	"github.com/fjod/stockcart/internal/repository"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultBatchSize = 100
	defaultTick      = time.Second
)

// MessageWriter is the part of *kafka.Writer the poller uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
}

// OutboxPoller relays committed outbox events to kafka. An event is marked processed only
// after kafka accepted it, so delivery is at least once.
type OutboxPoller struct {
	tick      time.Duration
	batchSize int
	repo      repository.OutboxRepository
	writer    MessageWriter
	log       *zap.Logger
}

func NewOutboxPoller(repo repository.OutboxRepository, writer MessageWriter, log *zap.Logger) *OutboxPoller {
	return &OutboxPoller{
		tick:      defaultTick,
		batchSize: defaultBatchSize,
		repo:      repo,
		writer:    writer,
		log:       log,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processUnpublishedEvents returns the number of events published in this pass.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		p.log.Error("failed to fetch outbox events", zap.Error(err))
		return 0
	}

	published := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			// stop here so later events are not published ahead of this one
			p.log.Warn("failed to publish outbox event", zap.Stringer("event_id", event.ID), zap.Error(err))
			return published
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.log.Error("failed to mark outbox event as processed", zap.Stringer("event_id", event.ID), zap.Error(err))
			continue
		}
		published++
	}
	return published
}

func (p *OutboxPoller) publish(ctx context.Context, event *repository.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID), // cart id keeps a cart's events on one partition
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.ID.String())},
		},
		Time: event.CreatedAt,
	}
	return p.writer.WriteMessages(ctx, msg)
}
