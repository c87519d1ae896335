// Package engine is the payment orchestrator: it moves tranches through their state
// machine, talks to the payment provider and keeps mission closure up to date.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"milestonepay/internal/audit"
	"milestonepay/internal/config"
	"milestonepay/internal/domain"
	"milestonepay/internal/events"
	"milestonepay/internal/keylock"
	"milestonepay/internal/metrics"
	"milestonepay/internal/provider"
	"milestonepay/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Sink
	Outbox  events.Outbox
	Relay   *events.Relay
	Config  *config.Config
	Gateway Gateway
	Metrics *metrics.Collector
	Log     *logrus.Entry
	Now     func() time.Time

	locks *keylock.Map
	rate  decimal.Decimal
}

// Deps are the collaborators New wires into the engine. Only the provider for the
// configured mode is required.
type Deps struct {
	Direct  provider.DirectPay
	Escrow  provider.Escrow
	Payouts provider.PayoutMethods
	Metrics *metrics.Collector
	Log     *logrus.Entry
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, deps Deps) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	if err := cfg.Validate(); err != nil {
		return Engine{}, err
	}
	rate, err := cfg.Rate()
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: db}
	if deps.Payouts == nil {
		deps.Payouts = provider.StoredPayoutMethods{Repo: r}
	}
	gw, err := newGateway(cfg.Mode, cfg.Currency, cfg.Sandbox, deps)
	if err != nil {
		return Engine{}, err
	}
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	e := Engine{
		DB:      db,
		Repo:    r,
		Audit:   audit.Sink{DB: db, Now: now},
		Outbox:  events.Outbox{Now: now},
		Config:  cfg,
		Gateway: gw,
		Metrics: deps.Metrics,
		Log:     log.WithField("component", "engine"),
		Now:     now,
		locks:   keylock.New(),
		rate:    rate,
	}
	e.Relay = events.NewRelay(db, log.WithField("component", "relay"))
	e.Relay.Now = now
	e.Relay.OnPark = e.onEventParked
	e.Relay.Subscribe(domain.EventCaptureRequested, e.onCaptureRequested)
	return e, nil
}

func (e Engine) Mode() domain.PaymentMode {
	return e.Gateway.Mode()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) lockTranche(id string) func() {
	return e.locks.Lock("tranche:" + id)
}

func (e Engine) lockMission(id string) func() {
	return e.locks.Lock("mission:" + id)
}

// flush relays committed events. Callers defer it before taking any key lock so it runs
// once the lock is released. With a relay loop running it only signals the loop.
func (e Engine) flush(ctx context.Context) {
	if e.Relay == nil || e.Relay.Kick() {
		return
	}
	if _, err := e.Relay.Flush(context.WithoutCancel(ctx)); err != nil {
		e.Log.WithError(err).Error("outbox flush failed")
	}
}

// FlushEvents redelivers every pending event, backing off and parked ones included. The
// scheduler calls it to recover events left behind by a crash or a failing subscriber.
func (e Engine) FlushEvents(ctx context.Context) (int, error) {
	if e.Relay == nil {
		return 0, nil
	}
	return e.Relay.Redeliver(ctx)
}

func (e Engine) onEventParked(ctx context.Context, ev domain.OutboxEvent) {
	e.Metrics.EventParked(string(ev.Type))
	entry := audit.Entry{
		Event:  "outbox.parked",
		Detail: fmt.Sprintf("event_id=%d type=%s attempts=%d last_error=%s", ev.ID, ev.Type, ev.Attempts, ev.LastError),
	}
	if ev.Type == domain.EventCaptureRequested {
		var p capturePayload
		if err := events.Decode(ev, &p); err == nil {
			entry.MissionID = p.MissionID
		}
		entry.TrancheID = ev.AggregateID
	} else {
		entry.MissionID = ev.AggregateID
	}
	if err := e.Audit.Record(ctx, entry); err != nil {
		e.Log.WithError(err).WithField("event_id", ev.ID).Error("audit parked event")
	}
}

// advance moves t along ev and returns the state it left.
func (e Engine) advance(t *domain.Tranche, op string, ev domain.TrancheEvent) (domain.TrancheStatus, error) {
	next, err := domain.Next(e.Mode(), t.Status, ev)
	if err != nil {
		return t.Status, trancheState(op, *t)
	}
	from := t.Status
	t.Status = next
	t.UpdatedAt = e.now()
	return from, nil
}

func (e Engine) transitioned(t domain.Tranche, from domain.TrancheStatus) {
	if from == t.Status {
		return
	}
	e.Metrics.Transition(string(from), string(t.Status))
	e.Log.WithFields(logrus.Fields{
		"tranche_id": t.ID,
		"mission_id": t.MissionID,
		"from":       from,
		"to":         t.Status,
	}).Info("tranche transition")
}

// callProvider bounds fn by the provider timeout. A deadline miss is audited and
// reported as ErrOutcomeUnknown; other failures come back wrapped in ErrProvider.
func (e Engine) callProvider(ctx context.Context, op string, t domain.Tranche, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, e.Config.ProviderTimeout())
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	e.Metrics.ObserveProvider(op, err, time.Since(start))
	if err == nil {
		return nil
	}
	fields := logrus.Fields{"tranche_id": t.ID, "op": op, "status": t.Status}
	if errors.Is(err, provider.ErrNoPayoutMethod) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e.Log.WithFields(fields).WithError(err).Warn("provider call timed out, outcome unknown")
		if aerr := e.Audit.Record(ctx, audit.Entry{
			TrancheID: t.ID,
			MissionID: t.MissionID,
			Event:     "provider.timeout",
			Detail:    fmt.Sprintf("op=%s state=%s", op, t.Status),
		}); aerr != nil {
			e.Log.WithError(aerr).Error("audit provider timeout")
		}
		return fmt.Errorf("%w: %s for tranche %s", ErrOutcomeUnknown, op, t.ID)
	}
	e.Log.WithFields(fields).WithError(err).Warn("provider call failed")
	return fmt.Errorf("%w: %s: %v", ErrProvider, op, err)
}

func (e Engine) onCaptureRequested(ctx context.Context, ev domain.OutboxEvent) error {
	var p capturePayload
	if err := events.Decode(ev, &p); err != nil {
		return err
	}
	_, err := e.processCapture(ctx, p.TrancheID)
	switch {
	case errors.Is(err, ErrNotFound):
		e.Log.WithField("tranche_id", p.TrancheID).Warn("capture requested for unknown tranche")
		return nil
	case errors.Is(err, ErrOutcomeUnknown):
		// The tranche stays VALIDATED; the scheduler retries it once the capture grace passes.
		return nil
	}
	return err
}

type capturePayload struct {
	TrancheID string `json:"tranche_id"`
	MissionID string `json:"mission_id"`
}

type missionPayload struct {
	MissionID string `json:"mission_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}
