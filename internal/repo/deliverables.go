package repo

import (
	"context"
	"database/sql"

	"milestonepay/internal/domain"
)

func (r Repo) UpsertDeliverableTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(id,mission_id,status,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		d.ID, d.MissionID, string(d.Status), formatTime(d.UpdatedAt))
	return err
}

func (r Repo) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	return getDeliverable(ctx, r.DB, id)
}

func (r Repo) GetDeliverableTx(ctx context.Context, tx *sql.Tx, id string) (domain.Deliverable, error) {
	return getDeliverable(ctx, tx, id)
}

func getDeliverable(ctx context.Context, q querier, id string) (domain.Deliverable, error) {
	var (
		d               domain.Deliverable
		status, updated string
	)
	err := q.QueryRowContext(ctx, `SELECT id,mission_id,status,updated_at FROM deliverables WHERE id=?`, id).
		Scan(&d.ID, &d.MissionID, &status, &updated)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Status = domain.DeliverableStatus(status)
	d.UpdatedAt = parseTime(updated)
	return d, nil
}
