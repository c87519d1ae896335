package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"milestonepay/internal/audit"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/provider"
)

// InitiatePayment starts payment of a tranche in whichever mode the engine runs.
func (e Engine) InitiatePayment(ctx context.Context, trancheID, requesterID string) (domain.Tranche, error) {
	if e.Mode() == domain.ModeEscrow {
		return e.InitiateEscrowCheckout(ctx, trancheID, requesterID)
	}
	return e.InitiateDirectPayment(ctx, trancheID, requesterID)
}

// InitiateDirectPayment creates a payment link for the tranche's net amount, payable
// straight to the freelancer's primary payout method. Calling it again while the
// tranche awaits payment replaces the link.
func (e Engine) InitiateDirectPayment(ctx context.Context, trancheID, requesterID string) (domain.Tranche, error) {
	if e.Mode() != domain.ModeDirect {
		return domain.Tranche{}, modeError("initiate direct payment", e.Mode())
	}
	return e.initiate(ctx, "initiate direct payment", provider.OpPaymentLink, trancheID, requesterID)
}

// InitiateEscrowCheckout opens a checkout for the tranche's gross amount.
func (e Engine) InitiateEscrowCheckout(ctx context.Context, trancheID, requesterID string) (domain.Tranche, error) {
	if e.Mode() != domain.ModeEscrow {
		return domain.Tranche{}, modeError("initiate escrow checkout", e.Mode())
	}
	return e.initiate(ctx, "initiate escrow checkout", provider.OpCheckout, trancheID, requesterID)
}

func (e Engine) initiate(ctx context.Context, op, providerOp, trancheID, requesterID string) (domain.Tranche, error) {
	unlock := e.lockTranche(trancheID)
	defer unlock()

	t, err := e.Repo.GetTranche(ctx, trancheID)
	if err != nil {
		return t, notFound("tranche", trancheID, err)
	}
	m, err := e.Repo.GetMission(ctx, t.MissionID)
	if err != nil {
		return t, notFound("mission", t.MissionID, err)
	}
	if err := auth.RequireClient(m, requesterID); err != nil {
		return t, err
	}
	if m.FreelancerID == "" {
		return t, validation("mission %s has no assigned freelancer", m.ID)
	}
	if _, err := domain.Next(e.Mode(), t.Status, domain.EventLinkGenerated); err != nil {
		return t, trancheState(op, t)
	}

	// The provider call happens outside any transaction, under the tranche lock.
	var link provider.Link
	err = e.callProvider(ctx, providerOp, t, func(cctx context.Context) error {
		var cerr error
		link, cerr = e.Gateway.Initiate(cctx, t, m)
		return cerr
	})
	if err != nil {
		if errors.Is(err, ErrProvider) {
			e.recordProviderError(ctx, t, providerOp, err)
		}
		return t, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetTrancheTx(ctx, tx, trancheID)
	if err != nil {
		return t, err
	}
	if cur.Status != t.Status {
		return cur, trancheState(op, cur)
	}
	from, err := e.advance(&cur, op, domain.EventLinkGenerated)
	if err != nil {
		return cur, err
	}
	now := e.now()
	cur.ProviderToken = link.Token
	cur.ProviderURL = link.URL
	cur.DepositedAt = &now
	if err := e.Repo.UpdateTrancheTx(ctx, tx, &cur); err != nil {
		return cur, e.conflict(err)
	}
	amount := cur.NetAmount
	if e.Mode() == domain.ModeEscrow {
		amount = cur.GrossAmount
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: cur.ID,
		MissionID: cur.MissionID,
		Event:     "tranche.payment_initiated",
		Detail:    fmt.Sprintf("mode=%s amount=%s token=%s", e.Mode(), amount, link.Token),
	}); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	e.transitioned(cur, from)
	return cur, nil
}

// HandleDirectWebhook applies a direct-pay callback. It is idempotent and never fails on
// a status it does not know.
func (e Engine) HandleDirectWebhook(ctx context.Context, token, status string) (domain.Tranche, error) {
	if e.Mode() != domain.ModeDirect {
		return domain.Tranche{}, modeError("direct webhook", e.Mode())
	}
	return e.handleWebhook(ctx, token, status)
}

// HandleEscrowWebhook applies an escrow checkout callback. Combinations other than
// PAID or CANCELLED on a tranche awaiting payment are ignored.
func (e Engine) HandleEscrowWebhook(ctx context.Context, checkoutID, status string) (domain.Tranche, error) {
	if e.Mode() != domain.ModeEscrow {
		return domain.Tranche{}, modeError("escrow webhook", e.Mode())
	}
	return e.handleWebhook(ctx, checkoutID, status)
}

func (e Engine) handleWebhook(ctx context.Context, token, status string) (domain.Tranche, error) {
	defer e.flush(ctx)
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Tranche{}, validation("provider token is required")
	}
	t, err := e.Repo.GetTrancheByToken(ctx, token)
	if err != nil {
		return t, notFound("provider token", token, err)
	}
	unlock := e.lockTranche(t.ID)
	defer unlock()

	ev, ok := e.Gateway.Callback(status)
	if !ok {
		e.unrecognizedStatus(ctx, t, status)
		return t, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTrancheTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	log := e.Log.WithFields(logrus.Fields{"tranche_id": t.ID, "status": status, "state": t.Status})
	if t.ProviderToken != token {
		log.Info("callback for a replaced payment link ignored")
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			TrancheID: t.ID,
			MissionID: t.MissionID,
			Event:     "webhook.ignored",
			Detail:    fmt.Sprintf("stale_token=%s status=%s state=%s", token, normalizeStatus(status), t.Status),
		}); err != nil {
			return t, err
		}
		return t, tx.Commit()
	}
	if ev == domain.EventPaid && t.Status == domain.StatusSettled {
		log.Debug("duplicate paid callback")
		return t, nil
	}
	from, err := e.advance(&t, "webhook "+status, ev)
	if err != nil {
		// A late or replayed callback against a state that moved on.
		log.Info("callback ignored for current state")
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			TrancheID: t.ID,
			MissionID: t.MissionID,
			Event:     "webhook.ignored",
			Detail:    fmt.Sprintf("status=%s state=%s", normalizeStatus(status), t.Status),
		}); err != nil {
			return t, err
		}
		return t, tx.Commit()
	}
	if t.Status == domain.StatusSettled {
		now := e.now()
		t.SettledAt = &now
	}
	if err := e.Repo.UpdateTrancheTx(ctx, tx, &t); err != nil {
		return t, e.conflict(err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "webhook.applied",
		Detail:    fmt.Sprintf("status=%s from=%s to=%s", normalizeStatus(status), from, t.Status),
	}); err != nil {
		return t, err
	}
	if t.Status == domain.StatusSettled {
		if err := e.settleTx(ctx, tx, t); err != nil {
			return t, err
		}
		if _, err := e.recomputeTx(ctx, tx, t.MissionID); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.transitioned(t, from)
	return t, nil
}

// settleTx credits the freelancer's balance with the tranche's net amount. A tranche is
// credited at most once.
func (e Engine) settleTx(ctx context.Context, tx *sql.Tx, t domain.Tranche) error {
	m, err := e.Repo.GetMissionTx(ctx, tx, t.MissionID)
	if err != nil {
		return err
	}
	credited, err := e.Repo.CreditTx(ctx, tx, domain.BalanceCredit{
		TrancheID:    t.ID,
		FreelancerID: m.FreelancerID,
		Amount:       t.NetAmount,
		Mode:         e.Mode(),
		CreatedAt:    e.now(),
	})
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if !credited {
		e.Log.WithField("tranche_id", t.ID).Warn("tranche already credited")
		return nil
	}
	return e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "balance.credited",
		Detail:    fmt.Sprintf("freelancer=%s amount=%s", m.FreelancerID, t.NetAmount),
	})
}

func (e Engine) unrecognizedStatus(ctx context.Context, t domain.Tranche, status string) {
	e.Metrics.UnrecognizedStatus(string(e.Mode()), normalizeStatus(status))
	e.Log.WithFields(logrus.Fields{
		"tranche_id": t.ID,
		"status":     status,
		"state":      t.Status,
	}).Warn("unrecognized provider status ignored")
	if err := e.Audit.Record(ctx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "webhook.status.unrecognized",
		Detail:    "status=" + status,
	}); err != nil {
		e.Log.WithError(err).Error("audit unrecognized status")
	}
}

func (e Engine) recordProviderError(ctx context.Context, t domain.Tranche, op string, cause error) {
	if err := e.Audit.Record(ctx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "provider.error",
		Detail:    fmt.Sprintf("op=%s error=%v", op, cause),
	}); err != nil {
		e.Log.WithError(err).Error("audit provider error")
	}
}
