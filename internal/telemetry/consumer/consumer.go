// Package consumer reads security events from Kafka and hands them to a sink.
package consumer

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message value.
type Handler func(ctx context.Context, value []byte) error

// Consumer delivers each message to a Handler and commits it afterwards. A handler failure is
// retried with backoff before the message is skipped, so one poison message cannot stall the group.
type Consumer struct {
	reader      MessageReader
	handle      Handler
	log         *zap.Logger
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
}

// NewReader returns a group reader for topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

// New returns a Consumer. log may be nil.
func New(reader MessageReader, handle Handler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		reader:      reader,
		handle:      handle,
		log:         log,
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		timeout:     10 * time.Second,
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		if err := c.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("dropping security event after retries",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) error {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		hctx, cancel := context.WithTimeout(ctx, c.timeout)
		err = c.handle(hctx, msg.Value)
		cancel()
		if err == nil {
			return nil
		}
		c.log.Warn("security event delivery failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < c.maxAttempts && !sleep(ctx, c.backoff*time.Duration(attempt)) {
			return ctx.Err()
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
