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
	"milestonepay/internal/closure"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/ledger"
	"milestonepay/internal/repo"
)

const recomputeAttempts = 3

// RegisterMissionOptions mirror the mission record owned by the contract subsystem.
type RegisterMissionOptions struct {
	ID            string
	Title         string
	ClientID      string
	FreelancerID  string
	ClosurePolicy domain.ClosurePolicy
	ContractTotal decimal.Decimal
}

// RegisterMission creates or refreshes the engine's copy of a mission. The client cannot
// change and a closed mission cannot be updated.
func (e Engine) RegisterMission(ctx context.Context, opts RegisterMissionOptions) (domain.Mission, error) {
	defer e.flush(ctx)
	if strings.TrimSpace(opts.ClientID) == "" {
		return domain.Mission{}, validation("client is required")
	}
	if opts.ClosurePolicy == "" {
		opts.ClosurePolicy = domain.PolicyFinalMilestoneRequired
	}
	if !opts.ClosurePolicy.Valid() {
		return domain.Mission{}, validation("unknown closure policy %q", opts.ClosurePolicy)
	}
	if err := ledger.ValidateAmount(opts.ContractTotal); err != nil {
		return domain.Mission{}, fmt.Errorf("%w: contract total: %w", ErrValidation, err)
	}
	if opts.ClosurePolicy == domain.PolicyContractTotalAmount && !opts.ContractTotal.IsPositive() {
		return domain.Mission{}, validation("%s needs a positive contract total", opts.ClosurePolicy)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	unlock := e.lockMission(opts.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	now := e.now()
	m, err := e.Repo.GetMissionTx(ctx, tx, opts.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		m = domain.Mission{
			ID:                  opts.ID,
			Title:               strings.TrimSpace(opts.Title),
			ClientID:            opts.ClientID,
			FreelancerID:        opts.FreelancerID,
			ClosurePolicy:       opts.ClosurePolicy,
			ContractTotalAmount: opts.ContractTotal,
			Status:              domain.MissionInProgress,
			Version:             1,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
			return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			MissionID: m.ID,
			Event:     "mission.registered",
			Detail:    fmt.Sprintf("policy=%s contract_total=%s", m.ClosurePolicy, m.ContractTotalAmount),
		}); err != nil {
			return domain.Mission{}, err
		}
	case err != nil:
		return domain.Mission{}, err
	default:
		if m.Status == domain.MissionClosed {
			return m, missionState("update mission", m)
		}
		if m.ClientID != opts.ClientID {
			return m, validation("mission %s client cannot change", m.ID)
		}
		m.Title = strings.TrimSpace(opts.Title)
		m.FreelancerID = opts.FreelancerID
		m.ClosurePolicy = opts.ClosurePolicy
		m.ContractTotalAmount = opts.ContractTotal
		m.UpdatedAt = now
		if err := e.Repo.UpdateMissionTx(ctx, tx, &m); err != nil {
			return domain.Mission{}, e.conflict(err)
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			MissionID: m.ID,
			Event:     "mission.updated",
			Detail:    fmt.Sprintf("policy=%s contract_total=%s freelancer=%s", m.ClosurePolicy, m.ContractTotalAmount, m.FreelancerID),
		}); err != nil {
			return domain.Mission{}, err
		}
		if m, err = e.recomputeTx(ctx, tx, m.ID); err != nil {
			return domain.Mission{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return m, notFound("mission", id, err)
	}
	return m, nil
}

func (e Engine) ListMissions(ctx context.Context, status domain.MissionStatus) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx, status)
}

// RecomputeMissionStatus re-evaluates closure for a mission and persists the result,
// retrying on a concurrent mission update.
func (e Engine) RecomputeMissionStatus(ctx context.Context, missionID string) (domain.Mission, error) {
	defer e.flush(ctx)
	var lastErr error
	for attempt := 0; attempt < recomputeAttempts; attempt++ {
		m, err := e.recomputeOnce(ctx, missionID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, repo.ErrVersionConflict) {
			return m, err
		}
		lastErr = err
	}
	return domain.Mission{}, fmt.Errorf("%w: mission %s: %v", ErrConflict, missionID, lastErr)
}

func (e Engine) recomputeOnce(ctx context.Context, missionID string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	m, err := e.recomputeTx(ctx, tx, missionID)
	if err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// recomputeTx evaluates closure inside tx. MissionClosed is emitted only on the move into
// CLOSED, MissionReopened only on READY_TO_CLOSE -> IN_PROGRESS.
func (e Engine) recomputeTx(ctx context.Context, tx *sql.Tx, missionID string) (domain.Mission, error) {
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return m, notFound("mission", missionID, err)
	}
	tranches, err := e.Repo.ListTranchesTx(ctx, tx, missionID)
	if err != nil {
		return m, err
	}
	d := closure.Evaluate(closure.Input{
		Policy:             m.ClosurePolicy,
		Current:            m.Status,
		Tranches:           closure.Views(tranches),
		ClosedByClient:     m.ClosedByClient,
		ClosedByFreelancer: m.ClosedByFreelancer,
		ContractTotal:      m.ContractTotalAmount,
	})
	if d.Status == m.Status {
		return m, nil
	}
	if err := e.setMissionStatusTx(ctx, tx, &m, d.Status, d.Reason); err != nil {
		return m, err
	}
	return m, nil
}

func (e Engine) setMissionStatusTx(ctx context.Context, tx *sql.Tx, m *domain.Mission, to domain.MissionStatus, reason string) error {
	from := m.Status
	now := e.now()
	m.Status = to
	m.UpdatedAt = now
	if to == domain.MissionClosed {
		m.ClosedAt = &now
	}
	if err := e.Repo.UpdateMissionTx(ctx, tx, m); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		MissionID: m.ID,
		Event:     "mission.status_changed",
		Detail:    fmt.Sprintf("%s -> %s: %s", from, to, reason),
	}); err != nil {
		return err
	}
	payload := missionPayload{MissionID: m.ID, Status: string(to), Reason: reason}
	switch {
	case to == domain.MissionClosed:
		if err := e.Outbox.Emit(ctx, tx, domain.EventMissionClosed, m.ID, payload); err != nil {
			return err
		}
	case from == domain.MissionReadyToClose && to == domain.MissionInProgress:
		if err := e.Outbox.Emit(ctx, tx, domain.EventMissionReopened, m.ID, payload); err != nil {
			return err
		}
	}
	e.Log.WithField("mission_id", m.ID).WithField("from", from).WithField("to", to).Info(reason)
	return nil
}

func (e Engine) ConfirmCloseByClient(ctx context.Context, missionID, requesterID string) (domain.Mission, error) {
	return e.confirmClose(ctx, missionID, requesterID, auth.RoleClient)
}

func (e Engine) ConfirmCloseByFreelancer(ctx context.Context, missionID, requesterID string) (domain.Mission, error) {
	return e.confirmClose(ctx, missionID, requesterID, auth.RoleFreelancer)
}

func (e Engine) confirmClose(ctx context.Context, missionID, requesterID, role string) (domain.Mission, error) {
	defer e.flush(ctx)
	unlock := e.lockMission(missionID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		m, err := e.confirmCloseOnce(ctx, missionID, requesterID, role)
		if err == nil || !errors.Is(err, repo.ErrVersionConflict) || attempt+1 >= recomputeAttempts {
			return m, e.conflict(err)
		}
	}
}

func (e Engine) confirmCloseOnce(ctx context.Context, missionID, requesterID, role string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return m, notFound("mission", missionID, err)
	}
	if role == auth.RoleClient {
		err = auth.RequireClient(m, requesterID)
	} else {
		err = auth.RequireFreelancer(m, requesterID)
	}
	if err != nil {
		return m, err
	}
	if m.Status == domain.MissionClosed {
		return m, nil
	}
	if role == auth.RoleClient {
		m.ClosedByClient = true
	} else {
		m.ClosedByFreelancer = true
	}
	m.UpdatedAt = e.now()
	if err := e.Repo.UpdateMissionTx(ctx, tx, &m); err != nil {
		return m, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		MissionID: m.ID,
		Event:     "mission.close_confirmed",
		Detail:    "by=" + role,
	}); err != nil {
		return m, err
	}
	if m, err = e.recomputeTx(ctx, tx, m.ID); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// RecordDeliverableStatus takes a deliverable review outcome from the deliverable
// subsystem and re-evaluates the mission.
func (e Engine) RecordDeliverableStatus(ctx context.Context, missionID, deliverableID string, status domain.DeliverableStatus) (domain.Deliverable, error) {
	defer e.flush(ctx)
	if !status.Valid() {
		return domain.Deliverable{}, validation("unknown deliverable status %q", status)
	}
	if strings.TrimSpace(deliverableID) == "" {
		return domain.Deliverable{}, validation("deliverable is required")
	}
	unlock := e.lockMission(missionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetMissionTx(ctx, tx, missionID); err != nil {
		return domain.Deliverable{}, notFound("mission", missionID, err)
	}
	d, err := e.ensureDeliverableTx(ctx, tx, missionID, deliverableID)
	if err != nil {
		return d, err
	}
	d.Status = status
	d.UpdatedAt = e.now()
	if err := e.Repo.UpsertDeliverableTx(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		MissionID: missionID,
		Event:     "deliverable.status",
		Detail:    fmt.Sprintf("deliverable=%s status=%s", d.ID, d.Status),
	}); err != nil {
		return d, err
	}
	if _, err := e.recomputeTx(ctx, tx, missionID); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

// RegisterPayoutMethod stores a freelancer's payout destination for direct payments.
func (e Engine) RegisterPayoutMethod(ctx context.Context, pm domain.PayoutMethod) error {
	if strings.TrimSpace(pm.FreelancerID) == "" || strings.TrimSpace(pm.Reference) == "" {
		return validation("freelancer and reference are required")
	}
	switch pm.Kind {
	case "bank", "wallet":
	default:
		return validation("payout kind must be bank or wallet")
	}
	pm.CreatedAt = e.now()
	return e.Repo.UpsertPayoutMethod(ctx, pm)
}

// Balance is the freelancer's credited total and the credits behind it.
func (e Engine) Balance(ctx context.Context, freelancerID string) (decimal.Decimal, []domain.BalanceCredit, error) {
	credits, err := e.Repo.Credits(ctx, freelancerID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	amounts := make([]decimal.Decimal, len(credits))
	for i, c := range credits {
		amounts[i] = c.Amount
	}
	return ledger.Sum(amounts...), credits, nil
}
