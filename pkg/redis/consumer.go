package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamConsumerConfig configures a StreamConsumer. Ingestion reads one stream per source.
type StreamConsumerConfig struct {
	Stream string

	// Group enables consumer group mode; Consumer names this process within it.
	Group    string
	Consumer string

	// LastID is where a plain consumer starts: "0" for the beginning, "$" for new entries
	// only, or an entry ID. Default "0".
	LastID string

	// Count caps entries per read. Default 100.
	Count int64

	// Block is how long a read waits for new entries. Default 5s.
	Block time.Duration

	// AutoAck acknowledges entries once the handler returns nil. On for groups unless
	// ManualAck is set.
	AutoAck bool

	// ManualAck leaves acknowledgement to Ack, for handlers that only queue entries. Entries
	// not acked before a restart are replayed from the consumer's pending list.
	ManualAck bool

	// RetryInterval and MaxRetryInterval bound the read error backoff. Defaults 1s and 30s.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	Logger *zap.Logger
}

// MessageHandler processes one entry. Returning an error leaves a group entry pending.
type MessageHandler func(ctx context.Context, msg Message) error

// Message is one stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	XReadGroup(ctx context.Context, group, consumer string, streamsAndIDs []string, count int64, block time.Duration) ([]redis.XStream, error)
	XRead(ctx context.Context, streamsAndIDs []string, count int64, block time.Duration) ([]redis.XStream, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
}

// StreamConsumer reads a stream in a loop, backing off on read errors. In group mode it first
// replays entries delivered to this consumer but never acked, then reads new ones.
type StreamConsumer struct {
	client streamClient
	config StreamConsumerConfig
	logger *zap.Logger
}

// NewStreamConsumer creates a new stream consumer.
func NewStreamConsumer(client *Client, config StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if config.Group != "" && config.Consumer == "" {
		return nil, errors.New("consumer name is required when using consumer groups")
	}

	// Apply defaults
	if config.LastID == "" {
		config.LastID = "0"
	}
	if config.Count == 0 {
		config.Count = 100
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 1 * time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}
	if config.ManualAck {
		config.AutoAck = false
	} else if config.Group != "" {
		config.AutoAck = true
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StreamConsumer{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Run calls handler for every entry, in stream order, until ctx is cancelled.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	// Create consumer group if configured
	if sc.config.Group != "" {
		if err := sc.client.XGroupCreateMkStream(ctx, sc.config.Stream, sc.config.Group, "0"); err != nil {
			return err
		}
		sc.logger.Info("Consumer group ready",
			zap.String("stream", sc.config.Stream),
			zap.String("group", sc.config.Group),
			zap.String("consumer", sc.config.Consumer))
	}

	lastID := sc.config.LastID
	if sc.config.Group != "" {
		// Pending entries come first, paged by ID, then ">" for new ones.
		lastID = "0"
	}
	replaying := sc.config.Group != ""
	retryInterval := sc.config.RetryInterval

	for {
		select {
		case <-ctx.Done():
			sc.logger.Info("Stream consumer shutting down",
				zap.String("stream", sc.config.Stream),
				zap.String("group", sc.config.Group))
			return ctx.Err()
		default:
		}

		// Read messages
		messages, newLastID, err := sc.readMessages(ctx, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				if replaying {
					sc.logReplayed()
					replaying, lastID = false, ">"
				}
				continue
			}

			sc.logger.Warn("Error reading from stream, will retry",
				zap.String("stream", sc.config.Stream),
				zap.Error(err),
				zap.Duration("retryIn", retryInterval))

			select {
			case <-time.After(retryInterval):
				// Exponential backoff
				retryInterval = min(retryInterval*2, sc.config.MaxRetryInterval)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		// Reset retry interval on success
		retryInterval = sc.config.RetryInterval

		switch {
		case replaying && len(messages) == 0:
			sc.logReplayed()
			replaying, lastID = false, ">"
		case (replaying || sc.config.Group == "") && newLastID != "":
			lastID = newLastID
		}

		// Process messages
		for _, msg := range messages {
			if err := sc.processMessage(ctx, handler, msg); err != nil {
				sc.logger.Error("Error processing message",
					zap.String("stream", sc.config.Stream),
					zap.String("id", msg.ID),
					zap.Error(err))
				// Continue processing other messages
			}
		}
	}
}

func (sc *StreamConsumer) logReplayed() {
	sc.logger.Info("Pending entries replayed, reading new entries",
		zap.String("stream", sc.config.Stream),
		zap.String("group", sc.config.Group),
		zap.String("consumer", sc.config.Consumer))
}

// readMessages reads a batch of messages after lastID. For groups lastID is ">" for new
// entries or a pending-list cursor while replaying.
func (sc *StreamConsumer) readMessages(ctx context.Context, lastID string) ([]Message, string, error) {
	var streams []redis.XStream
	var err error

	if sc.config.Group != "" {
		streams, err = sc.client.XReadGroup(ctx,
			sc.config.Group,
			sc.config.Consumer,
			[]string{sc.config.Stream, lastID},
			sc.config.Count,
			sc.config.Block,
		)
	} else {
		streams, err = sc.client.XRead(ctx,
			[]string{sc.config.Stream, lastID},
			sc.config.Count,
			sc.config.Block,
		)
	}

	if err != nil {
		return nil, "", err
	}

	// Convert to our Message type
	var messages []Message
	var newLastID string

	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{
				ID:     xmsg.ID,
				Stream: stream.Stream,
				Values: xmsg.Values,
			})
			newLastID = xmsg.ID
		}
	}

	return messages, newLastID, nil
}

// processMessage processes a single message and optionally acknowledges it.
func (sc *StreamConsumer) processMessage(ctx context.Context, handler MessageHandler, msg Message) error {
	err := handler(ctx, msg)
	if err != nil {
		return err
	}

	if sc.config.AutoAck {
		if ackErr := sc.Ack(ctx, msg.ID); ackErr != nil {
			sc.logger.Warn("Failed to acknowledge message",
				zap.String("stream", sc.config.Stream),
				zap.String("id", msg.ID),
				zap.Error(ackErr))
		}
	}

	return nil
}

// Ack acknowledges entries in the consumer group. It is a no-op without a group.
func (sc *StreamConsumer) Ack(ctx context.Context, ids ...string) error {
	if sc.config.Group == "" || len(ids) == 0 {
		return nil
	}
	if _, err := sc.client.XAck(ctx, sc.config.Stream, sc.config.Group, ids...); err != nil {
		return fmt.Errorf("ack %d entries on %s: %w", len(ids), sc.config.Stream, err)
	}
	return nil
}

// GetData returns the "data" field carrying the JSON batch, or nil.
func (m *Message) GetData() []byte {
	if data, ok := m.Values["data"].(string); ok {
		return []byte(data)
	}
	if data, ok := m.Values["data"].([]byte); ok {
		return data
	}
	return nil
}
