package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"milestonepay/internal/domain"
)

const trancheColumns = `t.id,t.mission_id,t.ord,t.version,COALESCE(t.title,''),t.gross_amount,t.commission_rate,t.commission,t.net_amount,
t.required,t.final,COALESCE(t.provider_token,''),COALESCE(t.provider_url,''),t.deliverable_id,COALESCE(d.status,''),t.status,
t.created_at,t.updated_at,t.deposited_at,t.validated_at,t.settled_at`

const trancheFrom = ` FROM tranches t LEFT JOIN deliverables d ON d.id = t.deliverable_id`

func scanTranche(row interface{ Scan(...any) error }) (domain.Tranche, error) {
	var (
		t                            domain.Tranche
		required, final              int
		deliverableID                sql.NullString
		deliverableStatus, status    string
		created, updated             string
		deposited, validated, settle sql.NullString
	)
	err := row.Scan(&t.ID, &t.MissionID, &t.Order, &t.Version, &t.Title, &t.GrossAmount, &t.CommissionRate, &t.Commission, &t.NetAmount,
		&required, &final, &t.ProviderToken, &t.ProviderURL, &deliverableID, &deliverableStatus, &status,
		&created, &updated, &deposited, &validated, &settle)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Required = required == 1
	t.Final = final == 1
	if deliverableID.Valid {
		id := deliverableID.String
		t.DeliverableID = &id
	}
	t.DeliveryAccepted = domain.DeliverableStatus(deliverableStatus) == domain.DeliverableAccepted
	t.Status = domain.TrancheStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	t.DepositedAt = timePtr(deposited)
	t.ValidatedAt = timePtr(validated)
	t.SettledAt = timePtr(settle)
	return t, nil
}

func (r Repo) InsertTrancheTx(ctx context.Context, tx *sql.Tx, t domain.Tranche) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tranches(id,mission_id,ord,version,title,gross_amount,commission_rate,commission,net_amount,required,final,provider_token,provider_url,deliverable_id,status,created_at,updated_at,deposited_at,validated_at,settled_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MissionID, t.Order, t.Version, nullable(t.Title), t.GrossAmount.String(), t.CommissionRate.String(), t.Commission.String(), t.NetAmount.String(),
		boolInt(t.Required), boolInt(t.Final), nullable(t.ProviderToken), nullable(t.ProviderURL), nullableStringPtr(t.DeliverableID), string(t.Status),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), nullableTime(t.DepositedAt), nullableTime(t.ValidatedAt), nullableTime(t.SettledAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// UpdateTrancheTx writes t if its Version still matches the stored row, then bumps t.Version.
func (r Repo) UpdateTrancheTx(ctx context.Context, tx *sql.Tx, t *domain.Tranche) error {
	res, err := tx.ExecContext(ctx, `UPDATE tranches SET title=?, gross_amount=?, commission_rate=?, commission=?, net_amount=?, required=?, final=?,
provider_token=?, provider_url=?, deliverable_id=?, status=?, updated_at=?, deposited_at=?, validated_at=?, settled_at=?, version=version+1
WHERE id=? AND version=?`,
		nullable(t.Title), t.GrossAmount.String(), t.CommissionRate.String(), t.Commission.String(), t.NetAmount.String(), boolInt(t.Required), boolInt(t.Final),
		nullable(t.ProviderToken), nullable(t.ProviderURL), nullableStringPtr(t.DeliverableID), string(t.Status), formatTime(t.UpdatedAt),
		nullableTime(t.DepositedAt), nullableTime(t.ValidatedAt), nullableTime(t.SettledAt), t.ID, t.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return err
	}
	if err := affectedOrConflict(res); err != nil {
		return err
	}
	t.Version++
	return nil
}

func (r Repo) GetTranche(ctx context.Context, id string) (domain.Tranche, error) {
	return getTranche(ctx, r.DB, `t.id=?`, id)
}

func (r Repo) GetTrancheTx(ctx context.Context, tx *sql.Tx, id string) (domain.Tranche, error) {
	return getTranche(ctx, tx, `t.id=?`, id)
}

// GetTrancheByTokenTx finds the tranche a provider link or checkout belongs to.
func (r Repo) GetTrancheByTokenTx(ctx context.Context, tx *sql.Tx, token string) (domain.Tranche, error) {
	return getTranche(ctx, tx, `t.provider_token=?`, token)
}

func (r Repo) GetTrancheByToken(ctx context.Context, token string) (domain.Tranche, error) {
	return getTranche(ctx, r.DB, `t.provider_token=?`, token)
}

func (r Repo) GetTrancheByDeliverableTx(ctx context.Context, tx *sql.Tx, deliverableID string) (domain.Tranche, error) {
	return getTranche(ctx, tx, `t.deliverable_id=?`, deliverableID)
}

func getTranche(ctx context.Context, q querier, where string, arg any) (domain.Tranche, error) {
	return scanTranche(q.QueryRowContext(ctx, `SELECT `+trancheColumns+trancheFrom+` WHERE `+where, arg))
}

func (r Repo) ListTranches(ctx context.Context, missionID string) ([]domain.Tranche, error) {
	return listTranches(ctx, r.DB, `t.mission_id=?`, missionID)
}

func (r Repo) ListTranchesTx(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.Tranche, error) {
	return listTranches(ctx, tx, `t.mission_id=?`, missionID)
}

// ListTranchesByStatus returns tranches in any of the given states across missions.
func (r Repo) ListTranchesByStatus(ctx context.Context, statuses ...domain.TrancheStatus) ([]domain.Tranche, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return listTranches(ctx, r.DB, `t.status IN (`+strings.Join(marks, ",")+`)`, args...)
}

func listTranches(ctx context.Context, q querier, where string, args ...any) ([]domain.Tranche, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+trancheColumns+trancheFrom+` WHERE `+where+` ORDER BY t.mission_id, t.ord`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tranche
	for rows.Next() {
		t, err := scanTranche(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClearFinalTx unsets the final flag on every other tranche of the mission.
func (r Repo) ClearFinalTx(ctx context.Context, tx *sql.Tx, missionID, keepID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE tranches SET final=0, updated_at=?, version=version+1 WHERE mission_id=? AND id<>? AND final=1`,
		formatTime(at), missionID, keepID)
	return err
}

func (r Repo) NextOrderTx(ctx context.Context, tx *sql.Tx, missionID string) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ord),0)+1 FROM tranches WHERE mission_id=?`, missionID).Scan(&next)
	return next, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
