package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message represents a received Kafka message.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes consumed messages.
type Handler interface {
	// Handle processes a message. Return error to skip commit; the message and
	// everything after it in the same partition will be redelivered.
	Handle(ctx context.Context, msg *Message) error
}

// Consumer wraps the franz-go group consumer with manual offset commits.
// Records within a partition are processed in order. The first handler error
// in a partition stops processing there, commits only the records before the
// failure, and rewinds the client's consumed position to the failed record,
// so the next poll redelivers it instead of fetching past it.
type Consumer struct {
	client  *kgo.Client
	offsets offsetClient
	handler Handler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// offsetClient is the slice of *kgo.Client used for commit and rewind,
// separated so partition handling is testable without a broker.
type offsetClient interface {
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
}

// retryBackoff delays the next poll after a handler failure so a
// persistently failing record does not spin the fetch loop.
const retryBackoff = time.Second

// Config holds consumer configuration.
type Config struct {
	Brokers string
	GroupID string
	Topics  []string
}

// New creates a new Kafka consumer subscribed to the configured topics.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if cfg.Brokers == "" {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer group ID not configured")
	}

	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka topics not configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(cfg.Brokers, ",")...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		offsets: client,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the consumption loop in a background goroutine.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
}

// run is the main consumption loop.
func (c *Consumer) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.poll()
		}
	}
}

// poll fetches and processes one batch of records.
func (c *Consumer) poll() {
	fetches := c.client.PollFetches(c.ctx)
	if fetches.IsClientClosed() || c.ctx.Err() != nil {
		return
	}

	fetches.EachError(func(topic string, partition int32, err error) {
		if c.logger != nil {
			c.logger.Error("kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		}
	})

	var failed bool
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if c.handlePartition(p) {
			failed = true
		}
	})

	if failed {
		select {
		case <-c.ctx.Done():
		case <-time.After(retryBackoff):
		}
	}
}

// handlePartition processes a partition's records in order, commits the
// highest contiguous successfully handled offset, and reports whether a
// handler failure forced a rewind.
func (c *Consumer) handlePartition(p kgo.FetchTopicPartition) bool {
	var lastOK, failed *kgo.Record

	for _, record := range p.Records {
		msg := toMessage(record)

		if err := c.handler.Handle(c.ctx, msg); err != nil {
			if c.logger != nil {
				c.logger.Error("failed to handle message",
					"topic", msg.Topic,
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err,
				)
			}
			// Stop here: committing a later record would silently skip this one.
			failed = record
			break
		}

		lastOK = record
	}

	if lastOK != nil {
		if err := c.offsets.CommitRecords(c.ctx, lastOK); err != nil {
			if c.logger != nil {
				c.logger.Error("failed to commit offset",
					"topic", lastOK.Topic,
					"partition", lastOK.Partition,
					"offset", lastOK.Offset,
					"error", err,
				)
			}
		}
	}

	if failed == nil {
		return false
	}

	// Rewind the consumed position to the failed record. Without this the
	// client keeps fetching past it and a later commit would mark the
	// failed offset as consumed.
	c.offsets.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		failed.Topic: {failed.Partition: {
			Epoch:  failed.LeaderEpoch,
			Offset: failed.Offset,
		}},
	})
	return true
}

// toMessage converts a franz-go record into the transport-neutral Message.
func toMessage(r *kgo.Record) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.client.Close()
		return nil
	case <-ctx.Done():
		c.client.Close()
		return ctx.Err()
	}
}

// Healthy checks if the consumer can reach the brokers.
func (c *Consumer) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	return c.client.Ping(ctx) == nil
}
