package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message. A message is committed only after its
// handler returns nil.
type Handler func(ctx context.Context, key, value []byte) error

const (
	defaultHandlerAttempts = 3
	defaultRetryPause      = 200 * time.Millisecond
	maxRetryPause          = 5 * time.Second
)

// Consumer reads a topic one message at a time. A failing handler is retried
// on the same message with a doubling pause; once the attempts run out
// Consume returns without committing, and the group redelivers the message
// to whoever consumes the partition next.
type Consumer struct {
	r        messageReader
	topic    string
	attempts int
	pause    time.Duration
}

type ConsumerOption func(*Consumer)

// WithHandlerRetry sets how many times a message is handled before Consume
// gives up, and the pause before the first retry.
func WithHandlerRetry(attempts int, pause time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if pause >= 0 {
			c.pause = pause
		}
	}
}

// NewConsumer joins groupID on topic. Without a group the reader starts at
// the oldest retained offset of partition 0 and nothing is committed.
func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		StartOffset:       kafka.FirstOffset,
		MaxWait:           time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return newConsumerWithReader(kafka.NewReader(cfg), topic, opts...)
}

func newConsumerWithReader(r messageReader, topic string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{r: r, topic: topic, attempts: defaultHandlerAttempts, pause: defaultRetryPause}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume runs until the context ends, a fetch or commit fails, or a message
// exhausts its handler attempts.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "fetch from %s", c.topic)
		}
		if err := c.handle(ctx, msg, handler); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrapf(err, "commit %s", position(msg))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler Handler) error {
	pause := c.pause
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg.Key, msg.Value)
		if err == nil {
			return nil
		}
		if attempt >= c.attempts {
			return errors.Wrapf(err, "handle %s after %d attempts", position(msg), attempt)
		}
		slog.Warn("kafka handler failed, retrying",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", attempt, "error", err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
		pause = min(pause*2, maxRetryPause)
	}
}

func position(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
}
