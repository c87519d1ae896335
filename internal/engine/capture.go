package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"milestonepay/internal/audit"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/provider"
)

// ValidateDelivery records the client's acceptance of held funds' delivery. The capture
// is requested through the outbox and runs after commit; its outcome shows up later on
// the tranche, never as an error here.
func (e Engine) ValidateDelivery(ctx context.Context, trancheID, requesterID string) (domain.Tranche, error) {
	if e.Mode() != domain.ModeEscrow {
		return domain.Tranche{}, modeError("validate delivery", e.Mode())
	}
	defer e.flush(ctx)
	unlock := e.lockTranche(trancheID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tranche{}, err
	}
	defer tx.Rollback()
	t, _, err := e.loadForClientTx(ctx, tx, trancheID, requesterID)
	if err != nil {
		return t, err
	}
	from, err := e.advance(&t, "validate delivery", domain.EventDeliveryValidated)
	if err != nil {
		return t, err
	}
	validatedAt := t.UpdatedAt
	t.ValidatedAt = &validatedAt
	if err := e.Repo.UpdateTrancheTx(ctx, tx, &t); err != nil {
		return t, e.conflict(err)
	}
	if t.DeliverableID != nil {
		if err := e.Repo.UpsertDeliverableTx(ctx, tx, domain.Deliverable{
			ID:        *t.DeliverableID,
			MissionID: t.MissionID,
			Status:    domain.DeliverableAccepted,
			UpdatedAt: t.UpdatedAt,
		}); err != nil {
			return t, err
		}
		t.DeliveryAccepted = true
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "tranche.validated",
	}); err != nil {
		return t, err
	}
	if err := e.Outbox.Emit(ctx, tx, domain.EventCaptureRequested, t.ID, capturePayload{TrancheID: t.ID, MissionID: t.MissionID}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.transitioned(t, from)
	return t, nil
}

// ProcessCapture transfers held funds for a validated tranche. It is safe to call any
// number of times: settled tranches and tranches not awaiting capture are left alone,
// and a provider failure parks the tranche in CAPTURE_ERROR instead of returning an error.
// A provider timeout returns ErrOutcomeUnknown with the tranche unchanged; calling again
// resolves it, since the provider applies one transfer per checkout.
func (e Engine) ProcessCapture(ctx context.Context, trancheID string) (domain.Tranche, error) {
	defer e.flush(ctx)
	return e.processCapture(ctx, trancheID)
}

func (e Engine) processCapture(ctx context.Context, trancheID string) (domain.Tranche, error) {
	if e.Mode() != domain.ModeEscrow {
		return domain.Tranche{}, modeError("capture", e.Mode())
	}
	unlock := e.lockTranche(trancheID)
	defer unlock()

	t, err := e.Repo.GetTranche(ctx, trancheID)
	if err != nil {
		return t, notFound("tranche", trancheID, err)
	}
	if t.Status != domain.StatusValidated && t.Status != domain.StatusCaptureError {
		return t, nil
	}
	log := e.Log.WithFields(logrus.Fields{"tranche_id": t.ID, "checkout": t.ProviderToken, "state": t.Status})

	perr := e.callProvider(ctx, provider.OpTransfer, t, func(cctx context.Context) error {
		return e.Gateway.Capture(cctx, t)
	})
	if errors.Is(perr, ErrOutcomeUnknown) {
		e.Metrics.Capture("unknown")
		return t, perr
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTrancheTx(ctx, tx, trancheID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.StatusValidated && t.Status != domain.StatusCaptureError {
		return t, nil
	}

	if perr != nil {
		from, err := e.advance(&t, "capture", domain.EventCaptureFailed)
		if err != nil {
			return t, err
		}
		if err := e.Repo.UpdateTrancheTx(ctx, tx, &t); err != nil {
			return t, e.conflict(err)
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			TrancheID: t.ID,
			MissionID: t.MissionID,
			Event:     "capture.failed",
			Detail:    perr.Error(),
		}); err != nil {
			return t, err
		}
		if err := tx.Commit(); err != nil {
			return t, err
		}
		e.Metrics.Capture("failure")
		log.WithError(perr).Warn("capture failed, will retry")
		e.transitioned(t, from)
		return t, nil
	}

	from, err := e.advance(&t, "capture", domain.EventCaptureSucceeded)
	if err != nil {
		return t, err
	}
	settledAt := t.UpdatedAt
	t.SettledAt = &settledAt
	if err := e.Repo.UpdateTrancheTx(ctx, tx, &t); err != nil {
		return t, e.conflict(err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "capture.succeeded",
		Detail:    fmt.Sprintf("from=%s net=%s commission=%s", from, t.NetAmount, t.Commission),
	}); err != nil {
		return t, err
	}
	if err := e.settleTx(ctx, tx, t); err != nil {
		return t, err
	}
	if _, err := e.recomputeTx(ctx, tx, t.MissionID); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.Metrics.Capture("success")
	e.transitioned(t, from)
	return t, nil
}

// RetryCapture is the operator path for a tranche whose capture failed or timed out. Either
// party of the mission may ask for it.
func (e Engine) RetryCapture(ctx context.Context, trancheID, requesterID string) (domain.Tranche, error) {
	if e.Mode() != domain.ModeEscrow {
		return domain.Tranche{}, modeError("retry capture", e.Mode())
	}
	t, err := e.Repo.GetTranche(ctx, trancheID)
	if err != nil {
		return t, notFound("tranche", trancheID, err)
	}
	m, err := e.Repo.GetMission(ctx, t.MissionID)
	if err != nil {
		return t, notFound("mission", t.MissionID, err)
	}
	if err := auth.RequireParty(m, requesterID); err != nil {
		return t, err
	}
	if t.Status != domain.StatusValidated && t.Status != domain.StatusCaptureError {
		return t, trancheState("retry capture", t)
	}
	if err := e.Audit.Record(ctx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "capture.retry_requested",
		Detail:    fmt.Sprintf("actor=%s state=%s", requesterID, t.Status),
	}); err != nil {
		return t, err
	}
	return e.ProcessCapture(ctx, trancheID)
}
