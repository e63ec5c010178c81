// Package events implements the durable per-CR event stream on Redis
// Streams: emit, replay-with-cursor, and live subscribe.
//
// The replay cursor contract is the load-bearing part: Replay returns the
// stream id of the last event it saw, and Subscribe reads strictly after
// that id. A consumer that replays and then subscribes from the returned
// cursor observes every event exactly once, even for events emitted in
// between. Subscribing from "$" would lose that window, so no code path
// ever uses it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hadron-ai/hadron/pkg/models"
)

// subscribeBlock is the XREAD block window. Short enough that a cancelled
// subscriber exits promptly, long enough to avoid busy polling.
const subscribeBlock = 5 * time.Second

// subscribeBatch caps how many entries one XREAD returns.
const subscribeBatch = 50

// StreamKey returns the per-CR stream key.
func StreamKey(crID string) string {
	return fmt.Sprintf("hadron:cr:%s:events", crID)
}

// NotifyChannel returns the pub/sub hint channel for a CR.
func NotifyChannel(crID string) string {
	return fmt.Sprintf("hadron:cr:%s:events:notify", crID)
}

// streamClient is the slice of the Redis API the bus needs. *redis.Client
// satisfies it; tests substitute an in-memory fake.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Bus is the event bus. Safe for concurrent use.
type Bus struct {
	rdb streamClient
}

// NewBus creates a bus on a Redis client.
func NewBus(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

func newBusWithClient(rdb streamClient) *Bus {
	return &Bus{rdb: rdb}
}

// Emit appends an event to the CR's stream and publishes a wake-up hint.
// The hint is advisory; readers rely on the stream alone for correctness.
func (b *Bus) Emit(ctx context.Context, ev models.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(ev.CRID),
		Values: map[string]interface{}{"payload": payload},
	}).Err(); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if err := b.rdb.Publish(ctx, NotifyChannel(ev.CRID), "1").Err(); err != nil {
		// Losing the hint only delays wakeup by one block window.
		slog.Warn("Event notify publish failed", "cr_id", ev.CRID, "error", err)
	}
	return nil
}

// Replay range-scans the stream from fromID (inclusive; "" and "0" mean
// the beginning) and returns the events plus the cursor to hand to
// Subscribe. An empty scan returns cursor "0" (or fromID when resuming
// mid-stream) so the Replay→Subscribe handoff never opens a gap.
func (b *Bus) Replay(ctx context.Context, crID, fromID string) ([]models.Event, string, error) {
	start := fromID
	if start == "" || start == "0" {
		start = "-"
	}

	msgs, err := b.rdb.XRange(ctx, StreamKey(crID), start, "+").Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to replay events: %w", err)
	}

	if len(msgs) == 0 {
		cursor := fromID
		if cursor == "" || cursor == "-" {
			cursor = "0"
		}
		return nil, cursor, nil
	}

	evs := make([]models.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeMessage(msg)
		if err != nil {
			slog.Warn("Skipping undecodable event", "cr_id", crID, "stream_id", msg.ID, "error", err)
			continue
		}
		evs = append(evs, ev)
	}
	return evs, msgs[len(msgs)-1].ID, nil
}

// Subscribe streams events appended strictly after lastID until the
// context is cancelled. The returned channel is closed on cancellation.
func (b *Bus) Subscribe(ctx context.Context, crID, lastID string) <-chan models.Event {
	out := make(chan models.Event)

	go func() {
		defer close(out)
		cursor := lastID
		if cursor == "" {
			cursor = "0"
		}
		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{StreamKey(crID), cursor},
				Block:   subscribeBlock,
				Count:   subscribeBatch,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// Block window elapsed with nothing new.
					continue
				}
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Event subscribe read failed", "cr_id", crID, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					cursor = msg.ID
					ev, err := decodeMessage(msg)
					if err != nil {
						slog.Warn("Skipping undecodable event", "cr_id", crID, "stream_id", msg.ID, "error", err)
						continue
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}

func decodeMessage(msg redis.XMessage) (models.Event, error) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return models.Event{}, fmt.Errorf("stream entry %s has no payload field", msg.ID)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return models.Event{}, fmt.Errorf("stream entry %s has payload of type %T", msg.ID, raw)
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Event{}, fmt.Errorf("failed to decode event payload: %w", err)
	}
	return ev, nil
}
