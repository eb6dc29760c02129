package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"pipeline-board/domain"
)

// OutboxConfig tunes the persistence outbox.
type OutboxConfig struct {
	Dir            string
	SegmentBytes   int64
	SyncEvery      int
	SyncInterval   time.Duration
	BufferSize     int
	BatchSize      int
	FlushInterval  time.Duration
	PersistTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

// OutboxStats is served on the diagnostics endpoint.
type OutboxStats struct {
	Pending         int       `json:"pending"`
	Delivered       uint64    `json:"delivered"`
	Failures        uint64    `json:"failures"`
	CommittedUpTo   uint64    `json:"committedOffset"`
	Reconciliations uint64    `json:"reconciliations"`
	SweepPending    bool      `json:"sweepPending"`
	LastError       string    `json:"lastError,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	UptimeSeconds   float64   `json:"uptimeSeconds"`
	BufferCapacity  int       `json:"bufferCapacity"`
}

var (
	errOutboxClosed    = errors.New("outbox is closed")
	errOutboxSaturated = errors.New("outbox is saturated")
	errNoReconciler    = errors.New("outbox cannot reconcile: backend or snapshot source missing")
)

// Outbox makes applied events durable in a local log and delivers them to
// the backend in sequence order on a single worker. A failed delivery is
// retried with exponential backoff and blocks the events behind it, so the
// backend never sees a gap. An event that cannot be logged is replaced by a
// reconciliation sweep that writes the whole board.
type Outbox struct {
	cfg       OutboxConfig
	persister Persister
	logger    *log.Logger
	log       *eventLog

	mu      sync.Mutex
	queue   []*logRecord
	closing bool
	lastErr string
	sweep   bool
	running bool
	source  SnapshotFunc

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	delivered atomic.Uint64
	failures  atomic.Uint64
	sweeps    atomic.Uint64
	started   time.Time
}

// OpenOutbox recovers undelivered events from cfg.Dir and starts the worker.
func OpenOutbox(cfg OutboxConfig, persister Persister, logger *log.Logger) (*Outbox, error) {
	if persister == nil {
		return nil, errors.New("outbox: persister is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.BatchSize * 64
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 1
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 30 * time.Second
	}

	l, pending, err := openEventLog(logConfig{
		dir:          cfg.Dir,
		segmentBytes: cfg.SegmentBytes,
		syncEvery:    cfg.SyncEvery,
		logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	o := &Outbox{
		cfg:       cfg,
		persister: persister,
		logger:    logger,
		log:       l,
		queue:     pending,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		started:   time.Now().UTC(),
	}
	if len(pending) > 0 {
		logger.WithField("events", len(pending)).Info("outbox recovered undelivered events")
		o.signal()
	}
	go o.run()
	if cfg.SyncEvery > 1 && cfg.SyncInterval > 0 {
		go o.syncLoop()
	}
	return o, nil
}

// SetSnapshotSource sets where reconciliation sweeps read the board from.
func (o *Outbox) SetSnapshotSource(fn SnapshotFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.source = fn
}

// Enqueue appends ev to the log and schedules delivery. It does not wait
// for the backend. When ev cannot be logged a reconciliation sweep is
// scheduled instead, so the backend still converges.
func (o *Outbox) Enqueue(ev domain.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return errOutboxClosed
	}
	if len(o.queue) >= o.cfg.BufferSize {
		return errOutboxSaturated
	}
	rec := &logRecord{Event: ev, Appended: time.Now().UTC()}
	if err := o.log.append(rec); err != nil {
		o.sweep = true
		o.lastErr = err.Error()
		o.signal()
		return fmt.Errorf("log event seq %d: %w", ev.Seq, err)
	}
	o.queue = append(o.queue, rec)
	o.signal()
	return nil
}

// Saturated reports whether the outbox refuses new events: it is closing or
// the undelivered backlog reached the buffer size.
func (o *Outbox) Saturated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing || len(o.queue) >= o.cfg.BufferSize
}

// Drain waits until every logged event was delivered and no sweep is
// pending, or ctx is done.
func (o *Outbox) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		o.mu.Lock()
		idle := len(o.queue) == 0 && !o.sweep && !o.running
		o.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	pending := len(o.queue)
	lastErr := o.lastErr
	sweep := o.sweep || o.running
	o.mu.Unlock()
	return OutboxStats{
		Pending:         pending,
		Delivered:       o.delivered.Load(),
		Failures:        o.failures.Load(),
		CommittedUpTo:   o.log.committedOffset(),
		Reconciliations: o.sweeps.Load(),
		SweepPending:    sweep,
		LastError:       lastErr,
		StartedAt:       o.started,
		UptimeSeconds:   time.Since(o.started).Seconds(),
		BufferCapacity:  o.cfg.BufferSize,
	}
}

// Close stops the worker. Undelivered events stay in the log and are
// delivered after the next start.
func (o *Outbox) Close() error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.closing = true
	o.mu.Unlock()
	close(o.stop)
	<-o.done
	return o.log.close()
}

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for {
		batch, ok := o.nextBatch()
		if !ok {
			return
		}
		if len(batch) == 0 {
			if !o.reconcile() {
				return
			}
			continue
		}
		if !o.deliver(batch) {
			return
		}
	}
}

// nextBatch waits for work. A partial batch is held for FlushInterval to let
// more events join it. An empty batch means a sweep is pending.
func (o *Outbox) nextBatch() ([]*logRecord, bool) {
	for {
		o.mu.Lock()
		n := len(o.queue)
		sweep := o.sweep
		o.mu.Unlock()
		if sweep {
			return nil, true
		}

		if n == 0 {
			select {
			case <-o.wake:
				continue
			case <-o.stop:
				return nil, false
			}
		}
		if n < o.cfg.BatchSize && o.cfg.FlushInterval > 0 {
			timer := time.NewTimer(o.cfg.FlushInterval)
			select {
			case <-timer.C:
			case <-o.stop:
				timer.Stop()
				return nil, false
			}
		}

		o.mu.Lock()
		size := min(len(o.queue), o.cfg.BatchSize)
		batch := append([]*logRecord(nil), o.queue[:size]...)
		o.mu.Unlock()
		return batch, true
	}
}

// deliver persists batch in order. It returns false when the outbox is
// stopping.
func (o *Outbox) deliver(batch []*logRecord) bool {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()

	var delivered uint64
	for _, rec := range batch {
		attempt := 0
		for {
			err := o.persister.Persist(ctx, rec.Event)
			if err == nil {
				break
			}
			attempt++
			o.failures.Add(1)
			o.mu.Lock()
			o.lastErr = err.Error()
			o.mu.Unlock()
			o.logger.WithError(err).WithFields(log.Fields{
				"offset":  rec.Offset,
				"seq":     rec.Event.Seq,
				"type":    rec.Event.Type,
				"attempt": attempt,
			}).Error("outbox persist failed")

			timer := time.NewTimer(exponentialBackoff(attempt, o.cfg.RetryInitial, o.cfg.RetryMax))
			select {
			case <-timer.C:
			case <-o.stop:
				timer.Stop()
				o.commit(delivered)
				return false
			}
			if ctx.Err() != nil {
				cancel()
				ctx, cancel = context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
			}
		}
		delivered = rec.Offset
		o.mu.Lock()
		o.queue = o.queue[1:]
		o.lastErr = ""
		o.mu.Unlock()
		o.delivered.Add(1)
	}
	o.commit(delivered)
	return true
}

// reconcile retries sweeps until one succeeds. It returns false when the
// outbox is stopping.
func (o *Outbox) reconcile() bool {
	for attempt := 1; ; attempt++ {
		err := o.sweepOnce()
		if err == nil {
			return true
		}
		o.failures.Add(1)
		o.logger.WithError(err).WithField("attempt", attempt).Error("outbox reconciliation failed")

		timer := time.NewTimer(exponentialBackoff(attempt, o.cfg.RetryInitial, o.cfg.RetryMax))
		select {
		case <-timer.C:
		case <-o.stop:
			timer.Stop()
			return false
		}
	}
}

// sweepOnce writes the current board to the backend and drops the logged
// events it covers. The flag is cleared before the snapshot is taken, so an
// event that fails to log afterwards schedules another sweep.
func (o *Outbox) sweepOnce() (err error) {
	o.mu.Lock()
	source := o.source
	o.sweep = false
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		if err != nil {
			o.sweep = true
			o.lastErr = err.Error()
		}
		o.mu.Unlock()
	}()

	rec, ok := o.persister.(Reconciler)
	if !ok || source == nil {
		return errNoReconciler
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()
	snap, err := source(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := rec.Reconcile(ctx, snap); err != nil {
		return fmt.Errorf("reconcile seq %d: %w", snap.Seq, err)
	}

	o.mu.Lock()
	var covered uint64
	i := 0
	for i < len(o.queue) && coveredBy(o.queue[i].Event, snap) {
		covered = o.queue[i].Offset
		i++
	}
	o.queue = o.queue[i:]
	o.lastErr = ""
	o.mu.Unlock()
	o.commit(covered)
	o.sweeps.Add(1)
	o.logger.WithFields(log.Fields{
		"epoch":   snap.Epoch,
		"seq":     snap.Seq,
		"dropped": i,
	}).Warn("outbox reconciled backend from snapshot")
	return nil
}

// coveredBy reports whether ev is already reflected in snap. Events from
// another epoch predate the running engine.
func coveredBy(ev domain.Event, snap domain.Snapshot) bool {
	return ev.Epoch != snap.Epoch || ev.Seq <= snap.Seq
}

func (o *Outbox) commit(offset uint64) {
	if offset == 0 {
		return
	}
	if err := o.log.commit(offset); err != nil && !errors.Is(err, errLogClosed) {
		o.logger.WithError(err).Error("outbox checkpoint failed")
	}
}

func (o *Outbox) syncLoop() {
	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := o.log.sync(); err != nil {
				if errors.Is(err, errLogClosed) {
					return
				}
				o.logger.WithError(err).Error("outbox log sync failed")
			}
		case <-o.stop:
			return
		}
	}
}

func exponentialBackoff(attempt int, initial, ceiling time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	if attempt <= 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(ceiling) {
		backoff = float64(ceiling)
	}
	jitter := 0.5 + rand.Float64()/2
	return time.Duration(backoff * jitter)
}
