package engine_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/config"
	"milestonepay/internal/db"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/logging"
	"milestonepay/internal/metrics"
	"milestonepay/internal/migrate"
	"milestonepay/internal/provider"
)

const (
	clientID     = "client-1"
	freelancerID = "free-1"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type testEnv struct {
	Engine  engine.Engine
	Sandbox *provider.Sandbox
	Metrics *metrics.Collector
	Clock   *clock
	Ctx     context.Context

	mu     sync.Mutex
	events []domain.OutboxEvent
}

type envOption func(cfg *config.Config)

func withoutSandbox(cfg *config.Config) { cfg.Sandbox = false }

func newTestEnv(t *testing.T, mode domain.PaymentMode, opts ...envOption) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default(mode)
	for _, opt := range opts {
		opt(cfg)
	}
	env := &testEnv{
		Sandbox: provider.NewSandbox(),
		Metrics: metrics.NewCollector("test"),
		Clock:   &clock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)},
		Ctx:     context.Background(),
	}
	eng, err := engine.New(conn, cfg, engine.Deps{
		Direct:  env.Sandbox,
		Escrow:  env.Sandbox,
		Metrics: env.Metrics,
		Log:     logging.Discard(),
		Now:     env.Clock.Now,
	})
	require.NoError(t, err)
	env.Engine = eng
	record := func(_ context.Context, ev domain.OutboxEvent) error {
		env.mu.Lock()
		env.events = append(env.events, ev)
		env.mu.Unlock()
		return nil
	}
	eng.Relay.Subscribe(domain.EventMissionClosed, record)
	eng.Relay.Subscribe(domain.EventMissionReopened, record)
	return env
}

func (env *testEnv) published(typ domain.EventType) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	n := 0
	for _, ev := range env.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (env *testEnv) db() *sql.DB { return env.Engine.DB }

func (env *testEnv) mission(t *testing.T, id string, policy domain.ClosurePolicy, total string) domain.Mission {
	t.Helper()
	m, err := env.Engine.RegisterMission(env.Ctx, engine.RegisterMissionOptions{
		ID:            id,
		ClientID:      clientID,
		FreelancerID:  freelancerID,
		ClosurePolicy: policy,
		ContractTotal: decimal.RequireFromString(total),
	})
	require.NoError(t, err)
	return m
}

type trancheSpec struct {
	gross       string
	final       bool
	optional    bool
	deliverable string
}

func (env *testEnv) tranche(t *testing.T, missionID string, spec trancheSpec) domain.Tranche {
	t.Helper()
	required := !spec.optional
	tr, err := env.Engine.CreateTranche(env.Ctx, engine.CreateTrancheOptions{
		MissionID:     missionID,
		Title:         "milestone",
		GrossAmount:   decimal.RequireFromString(spec.gross),
		RequesterID:   clientID,
		Required:      &required,
		Final:         spec.final,
		DeliverableID: spec.deliverable,
	})
	require.NoError(t, err)
	require.True(t, tr.Balanced())
	return tr
}

// payDirect runs a tranche through link creation and a PAID callback.
func (env *testEnv) payDirect(t *testing.T, trancheID string) domain.Tranche {
	t.Helper()
	tr, err := env.Engine.InitiateDirectPayment(env.Ctx, trancheID, clientID)
	require.NoError(t, err)
	tr, err = env.Engine.HandleDirectWebhook(env.Ctx, tr.ProviderToken, "PAID")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettled, tr.Status)
	return tr
}

// holdEscrow runs a tranche through checkout and a PAID callback.
func (env *testEnv) holdEscrow(t *testing.T, trancheID string) domain.Tranche {
	t.Helper()
	tr, err := env.Engine.InitiateEscrowCheckout(env.Ctx, trancheID, clientID)
	require.NoError(t, err)
	tr, err = env.Engine.HandleEscrowWebhook(env.Ctx, tr.ProviderToken, "PAID")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFundsHeld, tr.Status)
	return tr
}

func (env *testEnv) accept(t *testing.T, missionID, deliverableID string) {
	t.Helper()
	_, err := env.Engine.RecordDeliverableStatus(env.Ctx, missionID, deliverableID, domain.DeliverableAccepted)
	require.NoError(t, err)
}

func (env *testEnv) missionStatus(t *testing.T, id string) domain.MissionStatus {
	t.Helper()
	m, err := env.Engine.GetMission(env.Ctx, id)
	require.NoError(t, err)
	return m.Status
}

func (env *testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, env.db().QueryRowContext(env.Ctx, query, args...).Scan(&n))
	return n
}
