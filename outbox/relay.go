package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/metrics"
)

// Publisher delivers one outbox event downstream.
type Publisher interface {
	Publish(ctx context.Context, ev ledger.OutboxEvent) error
}

// =============================================================================
// KAFKA PUBLISHER
// =============================================================================

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes each event to "<prefix>.<eventType>", keyed by
// merchant so one merchant's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	prefix string
}

// NewKafkaWriter builds a topic-less writer; the topic is set per message.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

func NewKafkaPublisher(writer messageWriter, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, prefix: topicPrefix}
}

// Topic returns the topic an event type is published to.
func (p *KafkaPublisher) Topic(t ledger.EventType) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev ledger.OutboxEvent) error {
	msg := kafka.Message{
		Topic: p.Topic(ev.EventType),
		Key:   []byte(ev.MerchantID),
		Value: ev.Payload,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(ev.ID)},
			{Key: "event-type", Value: []byte(ev.EventType)},
			{Key: "merchant-id", Value: []byte(ev.MerchantID)},
		},
		Time: ev.CreatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.ID, msg.Topic, err)
	}
	return nil
}

// =============================================================================
// RELAY
// =============================================================================

// Relay drains due outbox rows through a Publisher.
type Relay struct {
	dispatcher *Dispatcher
	publisher  Publisher
	batchSize  int
	interval   time.Duration
}

func NewRelay(dispatcher *Dispatcher, publisher Publisher, batchSize int, interval time.Duration) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{dispatcher: dispatcher, publisher: publisher, batchSize: batchSize, interval: interval}
}

// Run polls until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Dur("interval", r.interval).Int("batch_size", r.batchSize).Msg("outbox relay started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		// Drain full batches back-to-back, then wait for the next tick.
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				log.Error().Err(err).Msg("outbox relay pass failed")
				break
			}
			if n < r.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and publishes it. Returns the number claimed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.dispatcher.ClaimDue(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due events: %w", err)
	}

	log := zerolog.Ctx(ctx)
	for _, ev := range events {
		if perr := r.publisher.Publish(ctx, ev); perr != nil {
			status, err := r.dispatcher.MarkFailed(ctx, ev, perr)
			if err != nil {
				r.reportStale(ctx, ev, err)
				continue
			}
			log.Warn().Err(perr).
				Str("event_id", string(ev.ID)).
				Str("event_type", string(ev.EventType)).
				Str("status", string(status)).
				Msg("outbox delivery failed")
			continue
		}
		if err := r.dispatcher.MarkSent(ctx, ev); err != nil {
			r.reportStale(ctx, ev, err)
		}
	}
	return len(events), nil
}

// reportStale logs a status update that lost against an operator action
// (retry or pause moved the row out of SENDING). The row keeps the
// operator's status.
func (r *Relay) reportStale(ctx context.Context, ev ledger.OutboxEvent, err error) {
	level := zerolog.ErrorLevel
	if errors.Is(err, ledger.ErrEventNotFound) {
		level = zerolog.WarnLevel
	}
	metrics.NonFatalErrors.WithLabelValues("relay").Inc()
	zerolog.Ctx(ctx).WithLevel(level).Err(err).
		Bool("nonfatal", true).
		Str("event_id", string(ev.ID)).
		Msg("outbox status update skipped")
}
