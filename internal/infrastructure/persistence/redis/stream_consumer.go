package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/messaging"
	"github.com/alem-hub/exam-attempts/pkg/logger"
)

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	Topic    string
	Group    string
	Consumer string

	// Count is the maximum number of entries read per call.
	Count int64

	// Block is how long a read waits for new entries. Zero does not block.
	Block time.Duration
}

// StreamConsumer reads lifecycle events from a stream through a consumer
// group and hands them to a handler. Entries are acknowledged only after the
// handler succeeds, so a failed entry stays pending and is retried on the
// next poll.
type StreamConsumer struct {
	client  *Client
	config  StreamConsumerConfig
	handler shared.EventHandler
	logger  *slog.Logger
}

// NewStreamConsumer creates a consumer.
func NewStreamConsumer(client *Client, handler shared.EventHandler, log *slog.Logger, config StreamConsumerConfig) *StreamConsumer {
	if config.Topic == "" {
		config.Topic = messaging.DefaultTopic
	}
	if config.Group == "" {
		config.Group = "attempt-consumers"
	}
	if config.Consumer == "" {
		config.Consumer = "consumer-1"
	}
	if config.Count <= 0 {
		config.Count = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &StreamConsumer{
		client:  client,
		config:  config,
		handler: handler,
		logger:  log.With(logger.Component("stream_consumer"), slog.String("group", config.Group)),
	}
}

// EnsureGroup creates the consumer group (and stream) if missing.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.rdb.XGroupCreateMkStream(ctx, StreamKey(c.config.Topic), c.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", c.config.Group, err)
	}
	return nil
}

// Poll retries this consumer's pending entries, then reads new ones.
// It returns how many entries were handled successfully.
func (c *StreamConsumer) Poll(ctx context.Context) (int, error) {
	pending, err := c.read(ctx, "0", -1)
	if err != nil {
		return 0, err
	}
	block := c.config.Block
	if block <= 0 {
		block = -1
	}
	fresh, err := c.read(ctx, ">", block)
	if err != nil {
		return pending, err
	}
	return pending + fresh, nil
}

// Run polls until ctx is cancelled.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	for {
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("stream poll failed", logger.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if c.config.Block <= 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (c *StreamConsumer) read(ctx context.Context, from string, block time.Duration) (int, error) {
	streams, err := c.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.Group,
		Consumer: c.config.Consumer,
		Streams:  []string{StreamKey(c.config.Topic), from},
		Count:    c.config.Count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("xreadgroup: %w", err)
	}

	handled := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if c.handle(ctx, stream.Stream, msg) {
				handled++
			}
		}
	}
	return handled, nil
}

func (c *StreamConsumer) handle(ctx context.Context, stream string, msg redis.XMessage) bool {
	raw, _ := msg.Values[fieldPayload].(string)
	event, err := messaging.DecodeEvent([]byte(raw))
	if err != nil {
		// A payload that cannot be decoded will never succeed; drop it.
		c.logger.Error("dropping undecodable stream entry", slog.String("entry_id", msg.ID), logger.Err(err))
		c.ack(ctx, stream, msg.ID)
		return false
	}

	if err := c.handler(ctx, event); err != nil {
		c.logger.Warn("stream handler failed, entry left pending",
			slog.String("entry_id", msg.ID),
			logger.EventID(event.EventID()),
			logger.Err(err),
		)
		return false
	}

	c.ack(ctx, stream, msg.ID)
	return true
}

func (c *StreamConsumer) ack(ctx context.Context, stream, id string) {
	if err := c.client.rdb.XAck(ctx, stream, c.config.Group, id).Err(); err != nil {
		c.logger.Warn("xack failed", slog.String("entry_id", id), logger.Err(err))
	}
}
