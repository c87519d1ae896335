// Package scheduler runs the periodic capture retry and the stuck-tranche sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"milestonepay/internal/audit"
	"milestonepay/internal/config"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/logging"
)

// Anomaly is a tranche that has sat in one state longer than its threshold.
type Anomaly struct {
	TrancheID string               `json:"tranche_id"`
	MissionID string               `json:"mission_id"`
	Status    domain.TrancheStatus `json:"status"`
	Since     time.Time            `json:"since"`
	Age       time.Duration        `json:"age"`
	Limit     time.Duration        `json:"limit"`
}

type Scheduler struct {
	Engine engine.Engine
	Config config.SchedulerConfig
	Log    *logrus.Entry
	Now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func New(eng engine.Engine, cfg config.SchedulerConfig, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logging.Discard()
	}
	return &Scheduler{Engine: eng, Config: cfg, Log: log, Now: time.Now}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Start registers both jobs and returns immediately. Overlapping runs of one job are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	retrySpec := s.Config.RetrySpec
	if retrySpec == "" {
		retrySpec = "@every 30m"
	}
	sweepSpec := s.Config.SweepSpec
	if sweepSpec == "" {
		sweepSpec = "@daily"
	}
	runCtx, cancel := context.WithCancel(ctx)
	logger := cron.PrintfLogger(s.Log)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(retrySpec, s.job(runCtx, "retry captures", func(ctx context.Context) error {
		_, err := s.RetryCaptures(ctx)
		return err
	})); err != nil {
		cancel()
		return fmt.Errorf("retry spec %q: %w", retrySpec, err)
	}
	if _, err := c.AddFunc(sweepSpec, s.job(runCtx, "sweep stuck", func(ctx context.Context) error {
		_, err := s.SweepStuck(ctx)
		return err
	})); err != nil {
		cancel()
		return fmt.Errorf("sweep spec %q: %w", sweepSpec, err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true
	s.Log.WithFields(logrus.Fields{"retry": retrySpec, "sweep": sweepSpec}).Info("scheduler started")
	return nil
}

// Stop halts scheduling and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) job(ctx context.Context, name string, fn func(context.Context) error) func() {
	return func() {
		if j := s.Config.Jitter(); j > 0 {
			timer := time.NewTimer(rand.N(j))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.Log.WithError(err).WithField("job", name).Error("scheduled job failed")
			return
		}
		s.Log.WithField("job", name).WithField("took", time.Since(start)).Debug("scheduled job done")
	}
}

// RetryCaptures redelivers outstanding events and then retries every tranche in
// CAPTURE_ERROR, plus VALIDATED tranches whose capture has not resolved within the
// capture grace (a timed out transfer leaves them there). It returns how many tranches
// settled. Direct mode has nothing to capture.
func (s *Scheduler) RetryCaptures(ctx context.Context) (int, error) {
	if s.Engine.Mode() != domain.ModeEscrow {
		return 0, nil
	}
	if _, err := s.Engine.FlushEvents(ctx); err != nil {
		s.Log.WithError(err).Warn("relay pending events")
	}
	tranches, err := s.Engine.Repo.ListTranchesByStatus(ctx, domain.StatusCaptureError, domain.StatusValidated)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.Config.CaptureGrace())
	settled, candidates, unknown := 0, 0, 0
	var errs []error
	for _, t := range tranches {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if t.Status == domain.StatusValidated && stuckSince(t).After(cutoff) {
			continue
		}
		candidates++
		got, err := s.Engine.ProcessCapture(ctx, t.ID)
		if err != nil {
			if errors.Is(err, engine.ErrOutcomeUnknown) {
				unknown++
			} else {
				errs = append(errs, fmt.Errorf("tranche %s: %w", t.ID, err))
			}
			continue
		}
		if got.Status == domain.StatusSettled {
			settled++
		}
	}
	s.Log.WithFields(logrus.Fields{"candidates": candidates, "settled": settled, "unknown": unknown}).Info("capture retry done")
	return settled, errors.Join(errs...)
}

// SweepStuck reports tranches past their state's age limit. It never changes a tranche.
func (s *Scheduler) SweepStuck(ctx context.Context) ([]Anomaly, error) {
	limits := map[domain.TrancheStatus]time.Duration{
		domain.StatusPendingPayment: s.Config.PendingPaymentLimit(),
	}
	if s.Engine.Mode() == domain.ModeEscrow {
		limits[domain.StatusFundsHeld] = s.Config.FundsHeldLimit()
		limits[domain.StatusValidated] = s.Config.ValidatedLimit()
	}
	statuses := make([]domain.TrancheStatus, 0, len(limits))
	counts := make(map[string]int, len(limits))
	for st := range limits {
		statuses = append(statuses, st)
		counts[string(st)] = 0
	}
	tranches, err := s.Engine.Repo.ListTranchesByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var found []Anomaly
	for _, t := range tranches {
		since := stuckSince(t)
		age := now.Sub(since)
		limit := limits[t.Status]
		if age <= limit {
			continue
		}
		a := Anomaly{TrancheID: t.ID, MissionID: t.MissionID, Status: t.Status, Since: since, Age: age, Limit: limit}
		found = append(found, a)
		counts[string(t.Status)]++
		s.Log.WithFields(logrus.Fields{
			"tranche_id": t.ID,
			"mission_id": t.MissionID,
			"status":     t.Status,
			"age":        age.Round(time.Minute).String(),
		}).Warn("tranche stuck")
		if err := s.Engine.Audit.Record(ctx, audit.Entry{
			TrancheID: t.ID,
			MissionID: t.MissionID,
			Event:     "tranche.stuck",
			Detail:    fmt.Sprintf("status=%s since=%s age=%s limit=%s", t.Status, since.Format(time.RFC3339), age.Round(time.Minute), limit),
		}); err != nil {
			return found, err
		}
	}
	s.Engine.Metrics.SetStuck(counts)
	return found, nil
}

// stuckSince is when the tranche entered its current state.
func stuckSince(t domain.Tranche) time.Time {
	switch {
	case t.Status == domain.StatusPendingPayment && t.DepositedAt != nil:
		return *t.DepositedAt
	case t.Status == domain.StatusValidated && t.ValidatedAt != nil:
		return *t.ValidatedAt
	}
	return t.UpdatedAt
}
