// Package redis publishes terminal job events over Redis pub/sub.
//
// Channel names follow the inference/job/{job_id}/{kind} convention so
// subscribers can PSUBSCRIBE to per-job or per-kind patterns. Delivery is
// best effort: the worker hands events to an in-process outbox and moves
// on; the outbox retries with backoff and drops, with a log line and a
// metric, when the broker stays away. Job state never waits on the broker.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/observability"
)

// outboxSize bounds queued events; beyond it Publish drops rather than
// blocking the worker.
const outboxSize = 256

type event struct {
	channel string
	kind    domain.EventKind
	body    []byte
}

// Broadcaster implements domain.Broadcaster on a Redis connection.
type Broadcaster struct {
	client *redis.Client

	// RetryMaxElapsed bounds how long one event is retried before being
	// dropped. Set before the first Publish.
	RetryMaxElapsed time.Duration

	outbox chan event
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a Broadcaster and starts its outbox goroutine.
func New(addr, password string, db int) *Broadcaster {
	b := &Broadcaster{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		RetryMaxElapsed: 30 * time.Second,
		outbox:          make(chan event, outboxSize),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Channel is the pub/sub channel for one job event kind.
func Channel(jobID string, kind domain.EventKind) string {
	return fmt.Sprintf("inference/job/%s/%s", jobID, kind)
}

// Publish hands one event to the outbox. It never blocks: a full outbox
// drops the event immediately, which the at-least-once contract tolerates
// because subscribers can always re-read job state.
func (b *Broadcaster) Publish(_ context.Context, jobID string, kind domain.EventKind, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=broadcast.publish: job=%s: %w", jobID, err)
	}
	ev := event{channel: Channel(jobID, kind), kind: kind, body: body}
	select {
	case b.outbox <- ev:
		return nil
	default:
		observability.BroadcastDropped(string(kind))
		slog.Warn("broadcast outbox full, event dropped",
			slog.String("channel", ev.channel))
		return nil
	}
}

// run drains the outbox one event at a time, preserving per-job order.
func (b *Broadcaster) run() {
	defer b.wg.Done()
	for ev := range b.outbox {
		b.deliver(ev)
	}
}

func (b *Broadcaster) deliver(ev event) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = b.RetryMaxElapsed

	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return b.client.Publish(ctx, ev.channel, ev.body).Err()
	}, bo)
	if err != nil {
		observability.BroadcastDropped(string(ev.kind))
		slog.Error("broadcast dropped after retries",
			slog.String("channel", ev.channel),
			slog.Any("error", err))
		return
	}
	observability.BroadcastPublished(string(ev.kind))
}

// Close flushes queued events and releases the connection. Safe to call
// more than once.
func (b *Broadcaster) Close() error {
	b.once.Do(func() { close(b.outbox) })
	b.wg.Wait()
	return b.client.Close()
}

// Healthcheck pings the broker, used by readiness.
func (b *Broadcaster) Healthcheck(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=broadcast.health: %w", err)
	}
	return nil
}
