package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pipeline-board/domain"
)

var errRelaySaturated = errors.New("relay queue is saturated")

// SnapshotFunc returns the current board snapshot for the relay to mirror.
type SnapshotFunc func(ctx context.Context) (domain.Snapshot, error)

// Relay forwards applied events to a Redis channel so stream replicas in
// other processes can fan them out. Enqueue is non-blocking; Run does the
// network I/O.
type Relay struct {
	rc          *redis.Client
	channel     string
	snapshotKey string
	snapshot    SnapshotFunc
	logger      *log.Logger
	queue       chan domain.Event
}

// NewRelay builds a relay. When snapshot is non-nil the relay also stores
// the latest snapshot under snapshotKey after each forwarded batch.
func NewRelay(rc *redis.Client, channel, snapshotKey string, buffer int, snapshot SnapshotFunc, logger *log.Logger) *Relay {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{
		rc:          rc,
		channel:     channel,
		snapshotKey: snapshotKey,
		snapshot:    snapshot,
		logger:      logger,
		queue:       make(chan domain.Event, buffer),
	}
}

// Enqueue hands ev to the relay worker without blocking.
func (r *Relay) Enqueue(ev domain.Event) error {
	select {
	case r.queue <- ev:
		return nil
	default:
		return errRelaySaturated
	}
}

// Run publishes queued events until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			if err := r.Forward(ctx, ev); err != nil {
				r.logger.WithError(err).WithField("seq", ev.Seq).Error("relay forward failed")
			}
			if len(r.queue) == 0 {
				r.mirror(ctx)
			}
		}
	}
}

// Forward publishes one event.
func (r *Relay) Forward(ctx context.Context, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.rc.Publish(ctx, r.channel, data).Err()
}

func (r *Relay) mirror(ctx context.Context) {
	if r.snapshot == nil || r.snapshotKey == "" {
		return
	}
	if err := StoreSnapshot(ctx, r.rc, r.snapshotKey, r.snapshot); err != nil {
		r.logger.WithError(err).Warn("relay snapshot mirror failed")
	}
}

// StoreSnapshot writes the current snapshot under key.
func StoreSnapshot(ctx context.Context, rc *redis.Client, key string, snapshot SnapshotFunc) error {
	snap, err := snapshot(ctx)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(snap)
	if err != nil {
		return err
	}
	return rc.Set(ctx, key, data, 0).Err()
}

// FetchSnapshot reads the mirrored snapshot. It returns domain.ErrNotFound
// when no primary has written one yet.
func FetchSnapshot(ctx context.Context, rc *redis.Client, key string) (domain.Snapshot, error) {
	data, err := rc.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Snapshot{}, fmt.Errorf("%w: snapshot %q", domain.ErrNotFound, key)
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// SubscribeRelay listens on channel and hands each decoded event to handle,
// reconnecting when the subscription drops. ready, if non-nil, is closed once
// the first subscription is confirmed.
func SubscribeRelay(
	ctx context.Context,
	logger *log.Logger,
	rc *redis.Client,
	channel string,
	ready chan<- struct{},
	handle func(ctx context.Context, ev domain.Event),
) {
	for {
		sub := rc.Subscribe(ctx, channel)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("relay subscribe failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		if ready != nil {
			close(ready)
			ready = nil
		}
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev domain.Event
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					logger.WithError(err).Error("unable to parse relayed event")
					continue
				}
				handle(ctx, ev)
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("relay channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
