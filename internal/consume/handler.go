// Package consume bridges the Kafka consumer and the projector. It decodes
// message values, routes undecodable ones to the dead-letter topic, and maps
// apply failures to redelivery.
package consume

import (
	"context"
	"log/slog"

	"credindex/internal/chain"
	"credindex/internal/platform/kafka/consumer"
	"credindex/internal/platform/kafka/producer"
	"credindex/internal/projector/metrics"
	pkgerrors "credindex/pkg/domain-errors"
)

// DeadLetterProducer publishes messages that can never be applied.
type DeadLetterProducer interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// Applier applies one decoded event to the projection.
type Applier interface {
	Apply(ctx context.Context, env chain.Envelope, event chain.Event) error
}

// Handler decodes chain event messages and hands them to the projector.
//
// Error policy: a message that cannot be decoded will never succeed, so it
// goes to the dead-letter topic and its offset is committed. An apply error
// is assumed transient and is returned, which holds the offset and lets the
// consumer redeliver in order.
type Handler struct {
	applier         Applier
	deadLetter      DeadLetterProducer
	deadLetterTopic string
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithDeadLetter routes undecodable messages to the given topic.
func WithDeadLetter(p DeadLetterProducer, topic string) HandlerOption {
	return func(h *Handler) {
		h.deadLetter = p
		h.deadLetterTopic = topic
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler creates a handler over the given applier.
func NewHandler(applier Applier, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		applier:    applier,
		deadLetter: producer.NewNoopProducer(logger),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one consumed message.
func (h *Handler) Handle(ctx context.Context, msg *consumer.Message) error {
	env, event, err := chain.Decode(msg.Value)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeInvalidInput) {
			return h.sendToDeadLetter(ctx, msg, err)
		}
		return err
	}

	if err := h.applier.Apply(ctx, env, event); err != nil {
		h.logger.Error("event apply failed, holding offset for redelivery",
			"event_id", env.EventID(),
			"event", event.EventName(),
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return err
	}
	return nil
}

// sendToDeadLetter publishes the raw message to the dead-letter topic and
// reports success so the offset commits past it.
func (h *Handler) sendToDeadLetter(ctx context.Context, msg *consumer.Message, cause error) error {
	h.logger.Warn("undecodable message routed to dead-letter topic",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", cause,
	)

	headers := map[string]string{
		"dead-letter-reason": cause.Error(),
		"source-topic":       msg.Topic,
	}
	err := h.deadLetter.Produce(ctx, &producer.Message{
		Topic:   h.deadLetterTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		// If the dead-letter publish fails the offset must not commit, or
		// the message would vanish entirely.
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "dead-letter publish failed")
	}

	if h.metrics != nil {
		h.metrics.IncDeadLettered()
	}
	return nil
}
