package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/agora/internal/dedupe"
	"github.com/mtzanidakis/agora/internal/envelope"
	"github.com/mtzanidakis/agora/internal/natsbus"
)

// StreamConfig configures a distributed dispatcher worker. Every
// worker binds the same durable named Group; delivery within the group
// is at-least-once.
type StreamConfig struct {
	Stream    string        `yaml:"stream"`
	Group     string        `yaml:"group"`
	BlockFor  time.Duration `yaml:"block_for"`
	BatchSize int           `yaml:"batch_size"`
	AckWait   time.Duration `yaml:"ack_wait"`
}

func (c *StreamConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "AGORA"
	}
	if c.Group == "" {
		c.Group = "agora-workers"
	}
	if c.BlockFor == 0 {
		c.BlockFor = 2 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
}

// DistributedDispatcher publishes messages to a JetStream stream and
// routes entries pulled by its consumer-group worker through the same
// local routing logic as Dispatcher. Dispatch returns immediately after
// publish; point-to-point replies in distributed mode arrive as
// separately published correlated messages, never as a return value.
type DistributedDispatcher struct {
	local   *Dispatcher
	client  *natsbus.Client
	cfg     StreamConfig
	subject string
	seen    *dedupe.Cache
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewDistributedDispatcher(client *natsbus.Client, cfg StreamConfig) (*DistributedDispatcher, error) {
	cfg.applyDefaults()

	subject := natsbus.SubjectMessages(cfg.Stream)
	if err := client.EnsureStream(cfg.Stream, subject); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &DistributedDispatcher{
		local:   NewDispatcher(),
		client:  client,
		cfg:     cfg,
		subject: subject,
		seen:    dedupe.New(10*time.Minute, 10000),
		done:    make(chan struct{}),
	}, nil
}

func (d *DistributedDispatcher) Register(agentID string, h Handler) error {
	return d.local.Register(agentID, h)
}

func (d *DistributedDispatcher) Unregister(agentID string) {
	d.local.Unregister(agentID)
}

func (d *DistributedDispatcher) Use(mw Middleware) {
	d.local.Use(mw)
}

func (d *DistributedDispatcher) SetBroadcastHandler(h Handler) {
	d.local.SetBroadcastHandler(h)
}

// Dispatch serializes the message onto the stream. The returned reply
// is always nil: there is no synchronous reply channel across the wire.
func (d *DistributedDispatcher) Dispatch(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("message must not be nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if err := d.client.StreamPublish(d.subject, data); err != nil {
		return nil, fmt.Errorf("publish message %s: %w", msg.ID, err)
	}
	return nil, nil
}

// Start launches the background consume loop. It pulls batches for the
// consumer group, routes each entry locally, and acks only after the
// handler completes so a crashed worker's entries are redelivered.
func (d *DistributedDispatcher) Start(ctx context.Context) error {
	sub, err := d.client.StreamPull(d.subject, d.cfg.Group, d.cfg.AckWait)
	if err != nil {
		return fmt.Errorf("join consumer group %s: %w", d.cfg.Group, err)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	go d.consume(ctx, sub)

	slog.Info("distributed dispatcher started",
		"stream", d.cfg.Stream, "group", d.cfg.Group)
	return nil
}

// Stop terminates the consume loop and waits for it to drain.
func (d *DistributedDispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

func (d *DistributedDispatcher) consume(ctx context.Context, sub *nats.Subscription) {
	defer close(d.done)

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := sub.Fetch(d.cfg.BatchSize, nats.MaxWait(d.cfg.BlockFor))
		if err != nil {
			if err == nats.ErrTimeout || ctx.Err() != nil {
				continue
			}
			slog.Error("stream fetch failed", "group", d.cfg.Group, "error", err)
			continue
		}

		for _, entry := range entries {
			d.handleEntry(ctx, entry)
		}
	}
}

func (d *DistributedDispatcher) handleEntry(ctx context.Context, entry *nats.Msg) {
	var msg envelope.Message
	if err := json.Unmarshal(entry.Data, &msg); err != nil {
		slog.Error("dropping undecodable stream entry", "error", err)
		// Poison entries would redeliver forever; ack and move on.
		_ = entry.Ack()
		return
	}

	// At-least-once delivery means redelivery after a missed ack.
	// Entries this worker already handled are acked without re-routing.
	// The id is marked only after the handler completes, so a failed
	// attempt stays eligible for redelivery.
	if d.seen.Check(msg.ID) {
		slog.Debug("skipping duplicate delivery", "id", msg.ID)
		_ = entry.Ack()
		return
	}

	if _, err := d.local.Dispatch(ctx, &msg); err != nil {
		slog.Error("handler failed, leaving entry unacked for redelivery",
			"id", msg.ID, "recipient", msg.RecipientID, "error", err)
		return
	}

	d.seen.Mark(msg.ID)
	if err := entry.Ack(); err != nil {
		slog.Warn("ack failed", "id", msg.ID, "error", err)
	}
}
