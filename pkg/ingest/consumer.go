package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/stream"
)

// readErrorBackoff spaces retries after a failed stream read so a Redis
// outage does not spin the loop.
const readErrorBackoff = time.Second

// Consumer runs the stream read loop: blocking group reads, per-entry
// processing with ack-on-success, and periodic reclamation of entries
// abandoned by crashed consumers.
type Consumer struct {
	stream    *stream.Client
	processor *Processor
	cfg       config.ConsumerConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates a Consumer. Start must be called to begin consuming.
func NewConsumer(streamClient *stream.Client, processor *Processor, cfg config.ConsumerConfig) *Consumer {
	return &Consumer{
		stream:    streamClient,
		processor: processor,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the consumer loop.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
	slog.Info("Ingest consumer started",
		"consumer", c.stream.Consumer(),
		"batch_size", c.cfg.BatchSize,
		"block_interval", c.cfg.BlockInterval)
}

// Stop terminates the loop cooperatively: no new reads are issued and the
// in-flight batch is drained before return.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	slog.Info("Ingest consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	lastReclaim := time.Now()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		entries, err := c.stream.ReadGroup(ctx, c.cfg.BatchSize, c.cfg.BlockInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Stream read failed", "error", err)
			select {
			case <-c.stopCh:
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		c.processEntries(ctx, entries)

		if time.Since(lastReclaim) >= c.cfg.ReclaimInterval {
			lastReclaim = time.Now()
			claimed, err := c.stream.ClaimIdle(ctx, c.cfg.MinIdle, c.cfg.BatchSize)
			if err != nil {
				slog.Error("Stream reclaim failed", "error", err)
				continue
			}
			if len(claimed) > 0 {
				slog.Info("Reclaimed pending entries", "count", len(claimed))
				c.processEntries(ctx, claimed)
			}
		}
	}
}

// processEntries runs the processor over a batch. Successful entries are
// acked; failed ones stay in the PEL for reclamation.
func (c *Consumer) processEntries(ctx context.Context, entries []stream.Entry) {
	for _, entry := range entries {
		result, err := c.processor.Process(ctx, entry.Event)
		if err != nil {
			slog.Error("Event processing failed, leaving entry pending",
				"stream_id", entry.ID, "event_id", entry.Event.ID, "error", err)
			continue
		}
		if result.Error != "" {
			slog.Warn("Event handler reported failure",
				"event_id", entry.Event.ID, "type", result.Type, "error", result.Error)
		}
		if err := c.stream.Ack(ctx, entry.ID); err != nil {
			slog.Error("Failed to ack entry", "stream_id", entry.ID, "error", err)
		}
	}
}
