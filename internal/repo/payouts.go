package repo

import (
	"context"
	"database/sql"

	"milestonepay/internal/domain"
)

// UpsertPayoutMethod stores a payout method. A primary method demotes the freelancer's others.
func (r Repo) UpsertPayoutMethod(ctx context.Context, pm domain.PayoutMethod) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if pm.Primary {
		if _, err := tx.ExecContext(ctx, `UPDATE payout_methods SET is_primary=0 WHERE freelancer_id=?`, pm.FreelancerID); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO payout_methods(freelancer_id,kind,reference,is_primary,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(freelancer_id,reference) DO UPDATE SET kind=excluded.kind, is_primary=excluded.is_primary`,
		pm.FreelancerID, pm.Kind, pm.Reference, boolInt(pm.Primary), formatTime(pm.CreatedAt))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// PrimaryPayoutMethod returns the freelancer's primary payout method.
func (r Repo) PrimaryPayoutMethod(ctx context.Context, freelancerID string) (domain.PayoutMethod, error) {
	var (
		pm      domain.PayoutMethod
		created string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT freelancer_id,kind,reference,created_at FROM payout_methods WHERE freelancer_id=? AND is_primary=1`, freelancerID).
		Scan(&pm.FreelancerID, &pm.Kind, &pm.Reference, &created)
	if err == sql.ErrNoRows {
		return pm, ErrNotFound
	}
	if err != nil {
		return pm, err
	}
	pm.Primary = true
	pm.CreatedAt = parseTime(created)
	return pm, nil
}
