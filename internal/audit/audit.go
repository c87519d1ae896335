// Package audit writes the append-only audit trail of tranche and mission changes.
package audit

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"milestonepay/internal/domain"
)

// Entry is one audit record before it is stored.
type Entry struct {
	TrancheID    string
	MissionID    string
	WithdrawalID string
	Event        string
	Detail       string
}

type Sink struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Sink) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return s.Now().UTC().Format(time.RFC3339Nano)
}

// Append records e inside tx so the entry commits or rolls back with the change it describes.
func (s Sink) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_events(ts,tranche_id,mission_id,withdrawal_id,event_name,detail) VALUES (?,?,?,?,?,?)`,
		s.now(), nullable(e.TrancheID), nullable(e.MissionID), nullable(e.WithdrawalID), e.Event, nullable(e.Detail))
	return err
}

// Record stores e on its own. Used for outcomes that leave no business change behind,
// such as a provider failure after the surrounding transaction was rolled back.
func (s Sink) Record(ctx context.Context, e Entry) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO audit_events(ts,tranche_id,mission_id,withdrawal_id,event_name,detail) VALUES (?,?,?,?,?,?)`,
		s.now(), nullable(e.TrancheID), nullable(e.MissionID), nullable(e.WithdrawalID), e.Event, nullable(e.Detail))
	return err
}

type Filter struct {
	TrancheID string
	MissionID string
	Event     string
	// AfterID returns entries with a greater id, for tailing.
	AfterID int64
	Limit   int
}

// List returns entries oldest first.
func (s Sink) List(ctx context.Context, f Filter) ([]domain.AuditEvent, error) {
	var (
		clauses []string
		args    []any
	)
	if f.TrancheID != "" {
		clauses = append(clauses, "tranche_id=?")
		args = append(args, f.TrancheID)
	}
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Event != "" {
		clauses = append(clauses, "event_name=?")
		args = append(args, f.Event)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT id,ts,COALESCE(tranche_id,''),COALESCE(mission_id,''),COALESCE(withdrawal_id,''),event_name,COALESCE(detail,'') FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var (
			ev domain.AuditEvent
			ts string
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.TrancheID, &ev.MissionID, &ev.WithdrawalID, &ev.EventName, &ev.Detail); err != nil {
			return nil, err
		}
		ev.TS, _ = time.Parse(time.RFC3339Nano, ts)
		res = append(res, ev)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
