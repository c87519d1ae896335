package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/db"
	"milestonepay/internal/migrate"
)

func setupSink(t *testing.T) Sink {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return Sink{DB: conn, Now: func() time.Time { return now }}
}

func TestAppendCommitsWithTx(t *testing.T) {
	ctx := context.Background()
	s := setupSink(t)

	tx, err := s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, tx, Entry{TrancheID: "tr-1", Event: "tranche.rolled_back"}))
	require.NoError(t, tx.Rollback())

	tx, err = s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, tx, Entry{TrancheID: "tr-1", MissionID: "m-1", Event: "tranche.created", Detail: "order=1"}))
	require.NoError(t, tx.Commit())

	got, err := s.List(ctx, Filter{TrancheID: "tr-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tranche.created", got[0].EventName)
	assert.Equal(t, "m-1", got[0].MissionID)
	assert.Equal(t, "order=1", got[0].Detail)
	assert.Equal(t, 2026, got[0].TS.Year())
}

func TestRecordAndFilter(t *testing.T) {
	ctx := context.Background()
	s := setupSink(t)
	require.NoError(t, s.Record(ctx, Entry{TrancheID: "a", Event: "provider.error"}))
	require.NoError(t, s.Record(ctx, Entry{TrancheID: "b", Event: "provider.error"}))
	require.NoError(t, s.Record(ctx, Entry{TrancheID: "a", Event: "tranche.settled"}))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	errs, err := s.List(ctx, Filter{Event: "provider.error"})
	require.NoError(t, err)
	assert.Len(t, errs, 2)

	tail, err := s.List(ctx, Filter{AfterID: all[1].ID})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "tranche.settled", tail[0].EventName)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEntriesCannotBeChanged(t *testing.T) {
	ctx := context.Background()
	s := setupSink(t)
	require.NoError(t, s.Record(ctx, Entry{TrancheID: "a", Event: "tranche.created"}))

	_, err := s.DB.ExecContext(ctx, `UPDATE audit_events SET event_name='forged'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.DB.ExecContext(ctx, `DELETE FROM audit_events`)
	assert.ErrorContains(t, err, "append-only")

	got, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tranche.created", got[0].EventName)
}
