// Package events stores domain events with the transaction that raised them and relays
// them to in-process handlers once that transaction has committed.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"milestonepay/internal/domain"
)

type Outbox struct {
	Now func() time.Time
}

// Emit writes an event row inside tx. It becomes visible to the relay only on commit.
func (o Outbox) Emit(ctx context.Context, tx *sql.Tx, typ domain.EventType, aggregateID string, payload any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO outbox(ts,type,aggregate_id,payload_json) VALUES (?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), string(typ), aggregateID, string(data))
	return err
}

func scanEvent(rows *sql.Rows) (domain.OutboxEvent, error) {
	var (
		ev        domain.OutboxEvent
		ts        string
		typ       string
		lastErr   sql.NullString
		nextAt    int64
		parked    sql.NullString
		published sql.NullString
	)
	if err := rows.Scan(&ev.ID, &ts, &typ, &ev.AggregateID, &ev.Payload, &ev.Attempts, &lastErr, &nextAt, &parked, &published); err != nil {
		return ev, err
	}
	ev.Type = domain.EventType(typ)
	ev.TS, _ = time.Parse(time.RFC3339Nano, ts)
	ev.LastError = lastErr.String
	if nextAt > 0 {
		ev.NextAttemptAt = time.UnixMilli(nextAt).UTC()
	}
	ev.ParkedAt = parseNullTime(parked)
	ev.PublishedAt = parseNullTime(published)
	return ev, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

const selectEvents = `SELECT id,ts,type,aggregate_id,payload_json,attempts,last_error,next_attempt_at,parked_at,published_at FROM outbox`

// Pending lists unpublished events oldest first, parked ones included.
func Pending(ctx context.Context, db *sql.DB) ([]domain.OutboxEvent, error) {
	rows, err := db.QueryContext(ctx, selectEvents+` WHERE published_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// Decode unmarshals the event payload into v.
func Decode(ev domain.OutboxEvent, v any) error {
	if err := json.Unmarshal([]byte(ev.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return nil
}
