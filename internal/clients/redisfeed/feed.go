package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dpup/prefab/logging"
	"github.com/redis/go-redis/v9"

	"github.com/ersn/hazardroute/server/internal/config"
	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
)

// Feed mirrors a Redis-hosted hazard snapshot into a monitor.
// The full snapshot lives under a key; every replacement is also published on a channel.
type Feed struct {
	client      *redis.Client
	channel     string
	snapshotKey string
	monitor     *feed.Monitor
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg config.RedisConfig, monitor *feed.Monitor) (*Feed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Feed{
		client:      client,
		channel:     cfg.Channel,
		snapshotKey: cfg.SnapshotKey,
		monitor:     monitor,
	}, nil
}

// Close releases the Redis connection
func (f *Feed) Close() error {
	return f.client.Close()
}

// LoadSnapshot reads the stored snapshot. A missing key is an empty set.
func (f *Feed) LoadSnapshot(ctx context.Context) (*hazard.Set, error) {
	data, err := f.client.Get(ctx, f.snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return hazard.EmptySet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get hazard snapshot failed: %w", err)
	}
	return hazard.DecodeSet(data)
}

// PublishSnapshot stores set and announces it to every subscriber of the channel
func (f *Feed) PublishSnapshot(ctx context.Context, set *hazard.Set) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode hazard snapshot: %w", err)
	}

	_, err = f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, f.snapshotKey, payload, 0)
		pipe.Publish(ctx, f.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish hazard snapshot failed: %w", err)
	}
	return nil
}

// Run subscribes to the channel, seeds the monitor from the stored snapshot and
// forwards every published snapshot until ctx is cancelled
func (f *Feed) Run(ctx context.Context) error {
	ctx = logging.EnsureLogger(ctx)
	ctx = logging.With(ctx, logging.FromContext(ctx).Named("redisfeed"))

	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	// Wait for the subscription before the initial read so no update falls in between
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s failed: %w", f.channel, err)
	}

	set, err := f.LoadSnapshot(ctx)
	if err != nil {
		logging.Warnw(ctx, "Hazard feed: initial snapshot unavailable", "error", err)
	} else {
		snap, published := f.monitor.PublishIfChanged(set)
		logging.Infow(ctx, "Hazard feed: initial snapshot loaded",
			"hazards", set.Len(), "seq", snap.Seq, "changed", published)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("redis subscription %s closed", f.channel)
			}
			if err := f.handleMessage(ctx, msg.Payload); err != nil {
				logging.Errorw(ctx, "Hazard feed: rejected snapshot", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// handleMessage decodes a published snapshot and replaces the monitor's current set.
// Invalid payloads are rejected whole; the previous snapshot stays current.
func (f *Feed) handleMessage(ctx context.Context, payload string) error {
	set, err := hazard.DecodeSet([]byte(payload))
	if err != nil {
		return err
	}
	snap := f.monitor.Publish(set)
	logging.Debugw(ctx, "Hazard feed: snapshot received", "hazards", set.Len(), "seq", snap.Seq)
	return nil
}
