package events

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"milestonepay/internal/domain"
)

// Handler consumes one event. It runs after the emitting transaction committed and owns
// its own transaction boundary. Delivery is at least once, so handlers must be idempotent.
type Handler func(ctx context.Context, ev domain.OutboxEvent) error

// Relay delivers committed outbox events to in-process handlers.
//
// A failed event backs off exponentially. Flush, which runs on the request path, only
// picks events that are due and not parked, so a failing handler costs one attempt per
// backoff window no matter how much traffic there is. Redeliver, which the scheduler
// runs, ignores backoff and parking, and is the only path that parks an event after
// MaxAttempts failures. Parked events are still retried by every Redeliver.
type Relay struct {
	DB  *sql.DB
	Log *logrus.Entry
	Now func() time.Time
	// MaxAttempts parks an event once Redeliver sees it reach that many failures. 0 never parks.
	MaxAttempts int
	BatchSize   int
	// Backoff is the delay after the first failure; it doubles per attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// OnPark runs once for every event that gets parked.
	OnPark func(ctx context.Context, ev domain.OutboxEvent)

	mu       sync.RWMutex
	handlers map[domain.EventType][]Handler
	flush    sync.Mutex
	kick     chan struct{}
	running  atomic.Bool
}

func NewRelay(db *sql.DB, log *logrus.Entry) *Relay {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Relay{
		DB:          db,
		Log:         log,
		MaxAttempts: 20,
		BatchSize:   100,
		Backoff:     time.Second,
		MaxBackoff:  10 * time.Minute,
		kick:        make(chan struct{}, 1),
	}
}

// Subscribe registers h for events of type typ. Handlers run in registration order.
func (r *Relay) Subscribe(typ domain.EventType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[domain.EventType][]Handler)
	}
	r.handlers[typ] = append(r.handlers[typ], h)
}

func (r *Relay) handlersFor(typ domain.EventType) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers[typ]...)
}

// Flush delivers every due, unparked event in id order and returns how many were
// published. A failing handler leaves its event pending with the error recorded and the
// next attempt pushed back; only storage errors are returned.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	return r.run(ctx, false)
}

// Redeliver is Flush for the scheduler: every unpublished event is attempted, including
// ones still backing off and parked ones.
func (r *Relay) Redeliver(ctx context.Context) (int, error) {
	return r.run(ctx, true)
}

// Kick asks a running Run loop to flush soon. It reports false when no loop is running,
// in which case the caller has to Flush itself.
func (r *Relay) Kick() bool {
	if !r.running.Load() {
		return false
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
	return true
}

// Run flushes on every Kick and every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("relay loop already running")
	}
	defer r.running.Store(false)
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.kick:
		case <-tick:
		}
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.Log.WithError(err).Error("outbox flush failed")
		}
	}
}

func (r *Relay) run(ctx context.Context, sweep bool) (int, error) {
	r.flush.Lock()
	defer r.flush.Unlock()

	published := 0
	var lastSeen int64
	for {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		batch, err := r.next(ctx, lastSeen, sweep)
		if err != nil {
			return published, err
		}
		if len(batch) == 0 {
			return published, nil
		}
		for _, ev := range batch {
			lastSeen = ev.ID
			if herr := r.deliver(ctx, ev); herr != nil {
				if err := r.markFailed(ctx, ev, herr, sweep); err != nil {
					return published, err
				}
				continue
			}
			if err := r.markPublished(ctx, ev.ID); err != nil {
				return published, err
			}
			published++
		}
	}
}

func (r *Relay) next(ctx context.Context, after int64, sweep bool) ([]domain.OutboxEvent, error) {
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}
	query := selectEvents + ` WHERE published_at IS NULL AND id > ?`
	args := []any{after}
	if !sweep {
		query += ` AND parked_at IS NULL AND next_attempt_at <= ?`
		args = append(args, r.clock().UnixMilli())
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r *Relay) deliver(ctx context.Context, ev domain.OutboxEvent) error {
	var errs []error
	for _, h := range r.handlersFor(ev.Type) {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) clock() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// backoff is the wait after the given number of failed attempts.
func (r *Relay) backoff(attempts int) time.Duration {
	d := r.Backoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempts; i++ {
		if r.MaxBackoff > 0 && d >= r.MaxBackoff {
			break
		}
		d *= 2
	}
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	return d
}

func (r *Relay) markPublished(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET published_at=?, attempts=attempts+1, last_error=NULL WHERE id=?`,
		r.clock().Format(time.RFC3339Nano), id)
	return err
}

func (r *Relay) markFailed(ctx context.Context, ev domain.OutboxEvent, cause error, sweep bool) error {
	now := r.clock()
	ev.Attempts++
	ev.LastError = cause.Error()
	ev.NextAttemptAt = now.Add(r.backoff(ev.Attempts))
	park := sweep && ev.ParkedAt == nil && r.MaxAttempts > 0 && ev.Attempts >= r.MaxAttempts

	log := r.Log.WithFields(logrus.Fields{
		"event_id":  ev.ID,
		"type":      ev.Type,
		"aggregate": ev.AggregateID,
		"attempts":  ev.Attempts,
	}).WithError(cause)

	if park {
		ev.ParkedAt = &now
		if _, err := r.DB.ExecContext(ctx, `UPDATE outbox SET attempts=?, last_error=?, next_attempt_at=?, parked_at=? WHERE id=?`,
			ev.Attempts, ev.LastError, ev.NextAttemptAt.UnixMilli(), now.Format(time.RFC3339Nano), ev.ID); err != nil {
			return err
		}
		log.Error("event parked after repeated delivery failures")
		if r.OnPark != nil {
			r.OnPark(ctx, ev)
		}
		return nil
	}
	log.WithField("next_attempt_at", ev.NextAttemptAt).Warn("event delivery failed")
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET attempts=?, last_error=?, next_attempt_at=? WHERE id=?`,
		ev.Attempts, ev.LastError, ev.NextAttemptAt.UnixMilli(), ev.ID)
	return err
}
