package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/config"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
)

func TestOpenDefaultsToSandbox(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	a, err := Open(ctx, Options{Workspace: ws, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NotNil(t, a.Sandbox)
	assert.Equal(t, domain.ModeDirect, a.Engine.Mode())
	assert.FileExists(t, filepath.Join(ws, ".mpay", "mpay.db"))

	m, err := a.Engine.RegisterMission(ctx, engine.RegisterMissionOptions{ID: "m-1", ClientID: "c", FreelancerID: "f"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
}

func TestOpenRequireConfig(t *testing.T) {
	ws := t.TempDir()
	_, err := Open(context.Background(), Options{Workspace: ws, RequireConfig: true, LogOutput: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mpay config init")

	require.NoError(t, os.WriteFile(config.Path(ws), []byte(config.GenerateDefault(domain.ModeEscrow)), 0o644))
	a, err := Open(context.Background(), Options{Workspace: ws, RequireConfig: true, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Equal(t, domain.ModeEscrow, a.Engine.Mode())
}

func TestBuildWithProviderURL(t *testing.T) {
	cfg := config.Default(domain.ModeEscrow)
	cfg.Provider.BaseURL = "http://127.0.0.1:1"
	a, err := Build(context.Background(), t.TempDir(), cfg, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Nil(t, a.Sandbox)

	_, err = a.Engine.RegisterMission(context.Background(), engine.RegisterMissionOptions{
		ID: "m-1", ClientID: "c", FreelancerID: "f",
		ClosurePolicy: domain.PolicyContractTotalAmount, ContractTotal: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default(domain.ModeDirect)
	cfg.CommissionRate = "0.2"
	_, err := Build(context.Background(), t.TempDir(), cfg, io.Discard)
	require.Error(t, err)
}

func TestBuildLogsAppliedMigrationsOnce(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default(domain.ModeDirect)
	var buf bytes.Buffer
	a, err := Build(context.Background(), ws, cfg, &buf)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Contains(t, buf.String(), "component=migrate")
	assert.Contains(t, buf.String(), "version=2")

	buf.Reset()
	a, err = Build(context.Background(), ws, cfg, &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.NotContains(t, buf.String(), "applied migration")
}
