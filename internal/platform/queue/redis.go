package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/classifyd/internal/domain"
)

// Default key names.
const (
	DefaultStream  = "classifyd:results"
	DefaultChannel = "classifyd:live"
	DefaultMaxLen  = 10000
)

// RedisFeed implements domain.ResultFeed using a Redis Stream for history
// and Pub/Sub for live subscribers.
type RedisFeed struct {
	client  *redis.Client
	stream  string
	channel string
	maxLen  int64
}

// Ensure RedisFeed satisfies the interface
var _ domain.ResultFeed = (*RedisFeed)(nil)

// NewRedisFeed connects to addr and verifies the connection.
func NewRedisFeed(ctx context.Context, addr, stream, channel string, maxLen int64) (*RedisFeed, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisFeedFromClient(rdb, stream, channel, maxLen), nil
}

// NewRedisFeedFromClient wraps an existing client.
func NewRedisFeedFromClient(rdb *redis.Client, stream, channel string, maxLen int64) *RedisFeed {
	if stream == "" {
		stream = DefaultStream
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisFeed{
		client:  rdb,
		stream:  stream,
		channel: channel,
		maxLen:  maxLen,
	}
}

// Publish appends the record to the stream using XADD and broadcasts it on the channel.
func (r *RedisFeed) Publish(ctx context.Context, rec domain.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// We use "*" Id to let Redis generate a timestamp-based ID.
	// The retention routine relies on those ids being timestamps.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Values: map[string]interface{}{
			"record": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis broadcast failed: %w", err)
	}
	return nil
}

// Recent returns up to n records from the stream, newest first, using XREVRANGE.
func (r *RedisFeed) Recent(ctx context.Context, n int64) ([]domain.Record, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read failed: %w", err)
	}

	records := make([]domain.Record, 0, len(msgs))
	for _, msg := range msgs {
		val, ok := msg.Values["record"].(string)
		if !ok {
			slog.Error("Invalid record format", "msgID", msg.ID)
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			slog.Error("Failed to unmarshal record", "msgID", msg.ID, "error", err)
			continue
		}
		rec.StreamID = msg.ID
		records = append(records, rec)
	}
	return records, nil
}

// Subscribe subscribes to the live channel and streams records to a Go channel.
func (r *RedisFeed) Subscribe(ctx context.Context) (<-chan domain.Record, error) {
	// Create the PubSub connection
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	// Create output channel
	outCh := make(chan domain.Record)

	// Spawn background listener
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var rec domain.Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					slog.Error("Failed to unmarshal record", "error", err)
					continue
				}

				select {
				case outCh <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}

// Close releases the Redis connection.
func (r *RedisFeed) Close() error {
	return r.client.Close()
}
