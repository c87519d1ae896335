package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"milestonepay/internal/audit"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/ledger"
	"milestonepay/internal/repo"
)

// CreateTrancheOptions are parameters for creating a tranche.
type CreateTrancheOptions struct {
	MissionID string
	// Order is the 1-based position in the mission. Zero appends.
	Order       int
	Title       string
	GrossAmount decimal.Decimal
	RequesterID string
	// Required defaults to true.
	Required      *bool
	Final         bool
	DeliverableID string
}

func (e Engine) CreateTranche(ctx context.Context, opts CreateTrancheOptions) (domain.Tranche, error) {
	defer e.flush(ctx)
	if strings.TrimSpace(opts.MissionID) == "" {
		return domain.Tranche{}, validation("mission is required")
	}
	if err := ledger.ValidateAmount(opts.GrossAmount); err != nil {
		return domain.Tranche{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if opts.Order < 0 {
		return domain.Tranche{}, validation("order must be >= 1")
	}
	unlock := e.lockMission(opts.MissionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tranche{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, opts.MissionID)
	if err != nil {
		return domain.Tranche{}, notFound("mission", opts.MissionID, err)
	}
	if err := auth.RequireClient(m, opts.RequesterID); err != nil {
		return domain.Tranche{}, err
	}
	if m.FreelancerID == "" {
		return domain.Tranche{}, validation("mission %s has no assigned freelancer", m.ID)
	}
	if m.Status == domain.MissionClosed {
		return domain.Tranche{}, missionState("create tranche", m)
	}
	order := opts.Order
	if order == 0 {
		if order, err = e.Repo.NextOrderTx(ctx, tx, m.ID); err != nil {
			return domain.Tranche{}, err
		}
	}
	required := true
	if opts.Required != nil {
		required = *opts.Required
	}
	now := e.now()
	t := domain.Tranche{
		ID:             uuid.NewString(),
		MissionID:      m.ID,
		Order:          order,
		Version:        1,
		Title:          strings.TrimSpace(opts.Title),
		CommissionRate: e.rate,
		Required:       required,
		Final:          opts.Final,
		Status:         domain.StatusPendingDeposit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.SetGross(opts.GrossAmount); err != nil {
		return domain.Tranche{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if opts.DeliverableID != "" {
		d, err := e.ensureDeliverableTx(ctx, tx, m.ID, opts.DeliverableID)
		if err != nil {
			return domain.Tranche{}, err
		}
		id := d.ID
		t.DeliverableID = &id
		t.DeliveryAccepted = d.Status == domain.DeliverableAccepted
	}
	if err := e.Repo.InsertTrancheTx(ctx, tx, t); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Tranche{}, validation("order %d or deliverable already used in mission %s", order, m.ID)
		}
		return domain.Tranche{}, fmt.Errorf("insert tranche: %w", err)
	}
	if t.Final {
		if err := e.Repo.ClearFinalTx(ctx, tx, m.ID, t.ID, now); err != nil {
			return domain.Tranche{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: t.ID,
		MissionID: m.ID,
		Event:     "tranche.created",
		Detail:    fmt.Sprintf("order=%d gross=%s commission=%s net=%s", t.Order, t.GrossAmount, t.Commission, t.NetAmount),
	}); err != nil {
		return domain.Tranche{}, err
	}
	// A new obligation invalidates prior completeness.
	if m.Status == domain.MissionReadyToClose {
		if err := e.setMissionStatusTx(ctx, tx, &m, domain.MissionInProgress, "tranche "+t.ID+" added"); err != nil {
			return domain.Tranche{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Tranche{}, err
	}
	return t, nil
}

// MarkFinal sets or clears the final flag. Setting it clears every sibling's flag.
func (e Engine) MarkFinal(ctx context.Context, trancheID, requesterID string, value bool) (domain.Tranche, error) {
	return e.updateFlags(ctx, trancheID, requesterID, "mark final", func(t *domain.Tranche) (bool, error) {
		if value && t.Status == domain.StatusRejected {
			return false, trancheState("mark final", *t)
		}
		changed := t.Final != value
		t.Final = value
		return changed, nil
	})
}

func (e Engine) MarkRequired(ctx context.Context, trancheID, requesterID string, value bool) (domain.Tranche, error) {
	return e.updateFlags(ctx, trancheID, requesterID, "mark required", func(t *domain.Tranche) (bool, error) {
		changed := t.Required != value
		t.Required = value
		return changed, nil
	})
}

func (e Engine) updateFlags(ctx context.Context, trancheID, requesterID, op string, apply func(t *domain.Tranche) (bool, error)) (domain.Tranche, error) {
	defer e.flush(ctx)
	unlock := e.lockTranche(trancheID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tranche{}, err
	}
	defer tx.Rollback()
	t, m, err := e.loadForClientTx(ctx, tx, trancheID, requesterID)
	if err != nil {
		return domain.Tranche{}, err
	}
	if m.Status == domain.MissionClosed {
		return t, missionState(op, m)
	}
	changed, err := apply(&t)
	if err != nil {
		return t, err
	}
	if !changed {
		return t, nil
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTrancheTx(ctx, tx, &t); err != nil {
		return domain.Tranche{}, e.conflict(err)
	}
	if t.Final {
		if err := e.Repo.ClearFinalTx(ctx, tx, t.MissionID, t.ID, t.UpdatedAt); err != nil {
			return domain.Tranche{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "tranche.flags_changed",
		Detail:    fmt.Sprintf("required=%t final=%t", t.Required, t.Final),
	}); err != nil {
		return domain.Tranche{}, err
	}
	if _, err := e.recomputeTx(ctx, tx, t.MissionID); err != nil {
		return domain.Tranche{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tranche{}, err
	}
	return t, nil
}

// AmendTranche changes the title or gross amount of a tranche nobody has paid into yet.
func (e Engine) AmendTranche(ctx context.Context, trancheID, requesterID string, title *string, gross *decimal.Decimal) (domain.Tranche, error) {
	unlock := e.lockTranche(trancheID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tranche{}, err
	}
	defer tx.Rollback()
	t, _, err := e.loadForClientTx(ctx, tx, trancheID, requesterID)
	if err != nil {
		return domain.Tranche{}, err
	}
	if t.Status != domain.StatusPendingDeposit {
		return t, trancheState("amend", t)
	}
	if title != nil {
		t.Title = strings.TrimSpace(*title)
	}
	if gross != nil {
		if err := t.SetGross(*gross); err != nil {
			return t, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTrancheTx(ctx, tx, &t); err != nil {
		return domain.Tranche{}, e.conflict(err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "tranche.amended",
		Detail:    fmt.Sprintf("gross=%s commission=%s net=%s", t.GrossAmount, t.Commission, t.NetAmount),
	}); err != nil {
		return domain.Tranche{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tranche{}, err
	}
	return t, nil
}

// LinkDeliverable attaches the deliverable whose acceptance the tranche depends on.
func (e Engine) LinkDeliverable(ctx context.Context, trancheID, requesterID, deliverableID string) (domain.Tranche, error) {
	defer e.flush(ctx)
	if strings.TrimSpace(deliverableID) == "" {
		return domain.Tranche{}, validation("deliverable is required")
	}
	unlock := e.lockTranche(trancheID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tranche{}, err
	}
	defer tx.Rollback()
	t, m, err := e.loadForClientTx(ctx, tx, trancheID, requesterID)
	if err != nil {
		return domain.Tranche{}, err
	}
	if m.Status == domain.MissionClosed {
		return t, missionState("link deliverable", m)
	}
	if t.Status.Terminal() {
		return t, trancheState("link deliverable", t)
	}
	d, err := e.ensureDeliverableTx(ctx, tx, m.ID, deliverableID)
	if err != nil {
		return domain.Tranche{}, err
	}
	t.DeliverableID = &d.ID
	t.DeliveryAccepted = d.Status == domain.DeliverableAccepted
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTrancheTx(ctx, tx, &t); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Tranche{}, validation("deliverable %s is already linked to another tranche", deliverableID)
		}
		return domain.Tranche{}, e.conflict(err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "tranche.deliverable_linked",
		Detail:    "deliverable=" + d.ID,
	}); err != nil {
		return domain.Tranche{}, err
	}
	if _, err := e.recomputeTx(ctx, tx, t.MissionID); err != nil {
		return domain.Tranche{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tranche{}, err
	}
	return t, nil
}

// RejectTranche invalidates a tranche nobody has paid into. It stays on record as REJECTED.
func (e Engine) RejectTranche(ctx context.Context, trancheID, requesterID, reason string) (domain.Tranche, error) {
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
		return domain.Tranche{}, err
	}
	from, err := e.advance(&t, "reject", domain.EventRejected)
	if err != nil {
		return t, err
	}
	t.Final = false
	if err := e.Repo.UpdateTrancheTx(ctx, tx, &t); err != nil {
		return domain.Tranche{}, e.conflict(err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		TrancheID: t.ID,
		MissionID: t.MissionID,
		Event:     "tranche.rejected",
		Detail:    strings.TrimSpace(reason),
	}); err != nil {
		return domain.Tranche{}, err
	}
	if _, err := e.recomputeTx(ctx, tx, t.MissionID); err != nil {
		return domain.Tranche{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tranche{}, err
	}
	e.transitioned(t, from)
	return t, nil
}

func (e Engine) GetTranche(ctx context.Context, id string) (domain.Tranche, error) {
	t, err := e.Repo.GetTranche(ctx, id)
	if err != nil {
		return t, notFound("tranche", id, err)
	}
	return t, nil
}

func (e Engine) ListTranches(ctx context.Context, missionID string) ([]domain.Tranche, error) {
	if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
		return nil, notFound("mission", missionID, err)
	}
	return e.Repo.ListTranches(ctx, missionID)
}

func (e Engine) loadForClientTx(ctx context.Context, tx *sql.Tx, trancheID, requesterID string) (domain.Tranche, domain.Mission, error) {
	t, err := e.Repo.GetTrancheTx(ctx, tx, trancheID)
	if err != nil {
		return t, domain.Mission{}, notFound("tranche", trancheID, err)
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, t.MissionID)
	if err != nil {
		return t, m, notFound("mission", t.MissionID, err)
	}
	if err := auth.RequireClient(m, requesterID); err != nil {
		return t, m, err
	}
	return t, m, nil
}

// ensureDeliverableTx returns the deliverable, registering it as submitted if unknown.
func (e Engine) ensureDeliverableTx(ctx context.Context, tx *sql.Tx, missionID, id string) (domain.Deliverable, error) {
	d, err := e.Repo.GetDeliverableTx(ctx, tx, id)
	if err == nil {
		if d.MissionID != missionID {
			return d, validation("deliverable %s belongs to mission %s", id, d.MissionID)
		}
		return d, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return d, err
	}
	d = domain.Deliverable{ID: id, MissionID: missionID, Status: domain.DeliverableSubmitted, UpdatedAt: e.now()}
	return d, e.Repo.UpsertDeliverableTx(ctx, tx, d)
}

func (e Engine) conflict(err error) error {
	if errors.Is(err, repo.ErrVersionConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
