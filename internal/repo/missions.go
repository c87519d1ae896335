package repo

import (
	"context"
	"database/sql"

	"milestonepay/internal/domain"
)

const missionColumns = `id,COALESCE(title,''),client_id,COALESCE(freelancer_id,''),closure_policy,closed_by_client,closed_by_freelancer,contract_total_amount,status,version,created_at,updated_at,closed_at`

func scanMission(row interface{ Scan(...any) error }) (domain.Mission, error) {
	var (
		m                  domain.Mission
		policy, status     string
		created, updated   string
		closedAt           sql.NullString
		byClient, byFreela int
	)
	err := row.Scan(&m.ID, &m.Title, &m.ClientID, &m.FreelancerID, &policy, &byClient, &byFreela,
		&m.ContractTotalAmount, &status, &m.Version, &created, &updated, &closedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.ClosurePolicy = domain.ClosurePolicy(policy)
	m.Status = domain.MissionStatus(status)
	m.ClosedByClient = byClient == 1
	m.ClosedByFreelancer = byFreela == 1
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	m.ClosedAt = timePtr(closedAt)
	return m, nil
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,title,client_id,freelancer_id,closure_policy,closed_by_client,closed_by_freelancer,contract_total_amount,status,version,created_at,updated_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullable(m.Title), m.ClientID, nullable(m.FreelancerID), string(m.ClosurePolicy), boolInt(m.ClosedByClient), boolInt(m.ClosedByFreelancer),
		m.ContractTotalAmount.String(), string(m.Status), m.Version, formatTime(m.CreatedAt), formatTime(m.UpdatedAt), nullableTime(m.ClosedAt))
	return err
}

// UpdateMissionTx writes m if its Version still matches the stored row, then bumps m.Version.
func (r Repo) UpdateMissionTx(ctx context.Context, tx *sql.Tx, m *domain.Mission) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET title=?, freelancer_id=?, closure_policy=?, closed_by_client=?, closed_by_freelancer=?, contract_total_amount=?, status=?, updated_at=?, closed_at=?, version=version+1
WHERE id=? AND version=?`,
		nullable(m.Title), nullable(m.FreelancerID), string(m.ClosurePolicy), boolInt(m.ClosedByClient), boolInt(m.ClosedByFreelancer),
		m.ContractTotalAmount.String(), string(m.Status), formatTime(m.UpdatedAt), nullableTime(m.ClosedAt), m.ID, m.Version)
	if err != nil {
		return err
	}
	if err := affectedOrConflict(res); err != nil {
		return err
	}
	m.Version++
	return nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return getMission(ctx, r.DB, id)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return getMission(ctx, tx, id)
}

func getMission(ctx context.Context, q querier, id string) (domain.Mission, error) {
	return scanMission(q.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) ListMissions(ctx context.Context, status domain.MissionStatus) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
