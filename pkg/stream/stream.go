// Package stream implements the durable event transport on Redis Streams:
// ordered publish, consumer-group reads with per-entry ack, and reclamation
// of entries left pending longer than a configurable idle threshold.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/models"
)

// eventField is the stream entry field holding the JSON-encoded envelope.
const eventField = "event"

// healthPingTimeout bounds the health-check ping.
const healthPingTimeout = 3 * time.Second

// Client is the stream transport handle. One per process; safe for
// concurrent use.
type Client struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
}

// Entry is one delivered stream entry: its stream id (for acking) and the
// decoded event.
type Entry struct {
	ID    string
	Event *models.Event
}

// PublishResult reports one event's publish outcome within a batch.
type PublishResult struct {
	EventID  string
	StreamID string
	Err      error
}

// New connects to Redis and ensures the consumer group exists. The consumer
// name is "<host>-<pid>" so two processes on the same host stay distinct.
func New(ctx context.Context, cfg config.StreamConfig) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	c := &Client{
		rdb:      rdb,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: consumerName(),
	}
	if err := c.ensureGroup(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Consumer returns this process's consumer name.
func (c *Client) Consumer() string { return c.consumer }

// ensureGroup creates the consumer group, tolerating the BUSYGROUP error
// from a concurrent or previous creation.
func (c *Client) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.group, err)
	}
	return nil
}

// Publish appends one event to the stream. Ordered per producer, not
// globally.
func (c *Client) Publish(ctx context.Context, e *models.Event) (string, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]any{eventField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event %s: %w", e.ID, err)
	}
	return id, nil
}

// PublishBatch appends events through one pipeline round trip and returns
// per-event results. A single failed publish does not abort the rest.
func (c *Client) PublishBatch(ctx context.Context, events []*models.Event) []PublishResult {
	results := make([]PublishResult, len(events))
	cmds := make([]*redis.StringCmd, len(events))

	pipe := c.rdb.Pipeline()
	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			results[i] = PublishResult{EventID: e.ID, Err: fmt.Errorf("failed to marshal event: %w", err)}
			continue
		}
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: c.stream,
			Values: map[string]any{eventField: payload},
		})
	}
	// Pipeline errors surface per command below.
	_, _ = pipe.Exec(ctx)

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		id, err := cmd.Result()
		results[i] = PublishResult{EventID: events[i].ID, StreamID: id, Err: err}
	}
	return results
}

// ReadGroup blocks up to block for as many as count entries addressed to
// this consumer. A timeout yields an empty slice, not an error.
func (c *Client) ReadGroup(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group %s: %w", c.group, err)
	}

	var entries []Entry
	for _, s := range streams {
		good, poison := decodeMessages(s.Messages)
		entries = append(entries, good...)
		c.ackPoison(ctx, poison)
	}
	return entries, nil
}

// Ack removes an entry from the group's pending list.
func (c *Client) Ack(ctx context.Context, streamID string) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, streamID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", streamID, err)
	}
	return nil
}

// ClaimIdle transfers up to count entries pending longer than minIdle from
// any consumer to this one. Used to recover work from crashed consumers.
func (c *Client) ClaimIdle(ctx context.Context, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim idle entries: %w", err)
	}
	good, poison := decodeMessages(msgs)
	c.ackPoison(ctx, poison)
	return good, nil
}

// Health pings Redis with a bounded timeout.
func (c *Client) Health(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	return c.rdb.Ping(pingCtx).Err()
}

// decodeMessages unmarshals stream entries. Entries without a readable
// event payload are returned separately so the caller can ack them away;
// a poison entry left pending would be reclaimed forever.
func decodeMessages(msgs []redis.XMessage) (entries []Entry, poison []string) {
	for _, m := range msgs {
		raw, ok := m.Values[eventField].(string)
		if !ok {
			poison = append(poison, m.ID)
			continue
		}
		var e models.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			poison = append(poison, m.ID)
			continue
		}
		entries = append(entries, Entry{ID: m.ID, Event: &e})
	}
	return entries, poison
}

// ackPoison acknowledges undecodable entries, logging nothing here; the
// caller's slog context covers it. Best effort.
func (c *Client) ackPoison(ctx context.Context, ids []string) {
	for _, id := range ids {
		_ = c.rdb.XAck(ctx, c.stream, c.group, id).Err()
	}
}

// consumerName derives "<host>-<pid>".
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ccpulse"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
