package correlator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"backfill-service/internal/config"
)

// payloadField is the stream entry field carrying the raw event JSON.
const payloadField = "payload"

// Handler processes one raw event with its receipt timestamp.
type Handler interface {
	HandleEvent(ctx context.Context, raw []byte, receivedAt time.Time) error
}

// Consumer reads publish events from a Redis stream consumer group and feeds
// them to the correlator. Delivery is at least once: a message is acked only
// after the handler returns, and handler errors leave it pending so the
// reclaim pass redelivers it.
type Consumer struct {
	client       *redis.Client
	handler      Handler
	stream       string
	group        string
	name         string
	block        time.Duration
	timeout      time.Duration
	reclaimIdle  time.Duration
	reclaimBatch int64
}

// NewConsumer builds a stream consumer from config.
func NewConsumer(client *redis.Client, handler Handler, cfg config.Config, consumerName string) *Consumer {
	return &Consumer{
		client:       client,
		handler:      handler,
		stream:       cfg.EventStream,
		group:        cfg.EventGroup,
		name:         consumerName,
		block:        cfg.EventBlock,
		timeout:      cfg.EventTimeout,
		reclaimIdle:  cfg.EventReclaimIdle,
		reclaimBatch: int64(cfg.EventReclaimBatch),
	}
}

// Run consumes until context cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.reclaimStale(ctx)

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    100,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("consumer: read group: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.process(ctx, msg)
			}
		}
	}
}

// ensureGroup creates the consumer group if it does not exist yet.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.group, err)
	}
	return nil
}

// reclaimStale takes over messages another consumer left pending for too long
// (crashed consumer or processing timeout) and reprocesses them.
func (c *Consumer) reclaimStale(ctx context.Context) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.reclaimIdle,
		Start:    "0-0",
		Count:    c.reclaimBatch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("consumer: autoclaim: %v", err)
		}
		return
	}
	for _, msg := range msgs {
		c.process(ctx, msg)
	}
}

// process handles one message under a per-message timeout and acks it unless
// the handler reported a retryable failure.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		// No payload to parse; ack so it is not redelivered forever.
		log.Printf("consumer: message %s has no %s field", msg.ID, payloadField)
		c.ack(ctx, msg.ID)
		return
	}

	msgCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.handler.HandleEvent(msgCtx, []byte(raw), receiptTime(msg.ID))
	cancel()
	if err != nil {
		// Leave unacked; the reclaim pass redelivers it. Watermark updates
		// are monotonic, so reprocessing is safe.
		log.Printf("consumer: message %s will be redelivered: %v", msg.ID, err)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil && ctx.Err() == nil {
		log.Printf("consumer: ack %s: %v", id, err)
	}
}

// receiptTime extracts the broker receive time from a stream entry ID, whose
// leading component is milliseconds since epoch. This is the correlator's
// effective timestamp: it measures silence, not business ordering.
func receiptTime(id string) time.Time {
	ms, err := strconv.ParseInt(strings.SplitN(id, "-", 2)[0], 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
