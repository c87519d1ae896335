package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"milestonepay/internal/domain"
	"milestonepay/internal/ledger"
)

// CreditTx records the balance credit for a settled tranche. It reports false when the
// tranche was already credited, leaving the first credit untouched.
func (r Repo) CreditTx(ctx context.Context, tx *sql.Tx, c domain.BalanceCredit) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO balance_credits(tranche_id,freelancer_id,amount,mode,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(tranche_id) DO NOTHING`,
		c.TrancheID, c.FreelancerID, c.Amount.String(), string(c.Mode), formatTime(c.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Credits lists a freelancer's credits oldest first.
func (r Repo) Credits(ctx context.Context, freelancerID string) ([]domain.BalanceCredit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tranche_id,freelancer_id,amount,mode,created_at FROM balance_credits WHERE freelancer_id=? ORDER BY created_at, tranche_id`, freelancerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BalanceCredit
	for rows.Next() {
		var (
			c             domain.BalanceCredit
			mode, created string
		)
		if err := rows.Scan(&c.TrancheID, &c.FreelancerID, &c.Amount, &mode, &created); err != nil {
			return nil, err
		}
		c.Mode = domain.PaymentMode(mode)
		c.CreatedAt = parseTime(created)
		res = append(res, c)
	}
	return res, rows.Err()
}

// Balance sums a freelancer's credits.
func (r Repo) Balance(ctx context.Context, freelancerID string) (decimal.Decimal, error) {
	credits, err := r.Credits(ctx, freelancerID)
	if err != nil {
		return decimal.Zero, err
	}
	amounts := make([]decimal.Decimal, len(credits))
	for i, c := range credits {
		amounts[i] = c.Amount
	}
	return ledger.Sum(amounts...), nil
}
