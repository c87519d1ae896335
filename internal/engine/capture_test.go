package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/config"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/events"
	"milestonepay/internal/provider"
)

func TestEscrowCaptureFailureThenRetry(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "1000", final: true, deliverable: "d-1"})
	assert.Equal(t, "100", tr.Commission.String())
	assert.Equal(t, "900", tr.NetAmount.String())
	env.holdEscrow(t, tr.ID)

	env.Sandbox.FailNext(provider.OpTransfer, errors.New("insufficient platform funds"))
	validated, err := env.Engine.ValidateDelivery(env.Ctx, tr.ID, clientID)
	require.NoError(t, err, "capture failures never reach the validating client")
	assert.Equal(t, domain.StatusValidated, validated.Status)
	require.NotNil(t, validated.ValidatedAt)
	assert.True(t, validated.DeliveryAccepted)

	got, err := env.Engine.GetTranche(env.Ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptureError, got.Status)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM audit_events WHERE event_name='capture.failed'`))

	got, err = env.Engine.ProcessCapture(env.Ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, got.Status)
	assert.True(t, got.Balanced())

	bal, _, err := env.Engine.Balance(env.Ctx, freelancerID)
	require.NoError(t, err)
	assert.Equal(t, "900", bal.String())

	// replays are no-ops
	got, err = env.Engine.ProcessCapture(env.Ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, got.Status)
	assert.Len(t, env.Sandbox.Calls(provider.OpTransfer), 2)
	bal, _, err = env.Engine.Balance(env.Ctx, freelancerID)
	require.NoError(t, err)
	assert.Equal(t, "900", bal.String())

	assert.Equal(t, domain.MissionClosed, env.missionStatus(t, "m-1"))
	assert.Equal(t, 1, env.published(domain.EventMissionClosed))
}

func TestValidateDeliveryCapturesAfterCommit(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "50"})
	env.holdEscrow(t, tr.ID)

	_, err := env.Engine.ValidateDelivery(env.Ctx, tr.ID, clientID)
	require.NoError(t, err)
	got, err := env.Engine.GetTranche(env.Ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, got.Status)

	pending, err := events.Pending(env.Ctx, env.db())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM outbox WHERE type='CaptureRequested' AND published_at IS NOT NULL`))
}

func TestValidateDeliveryRules(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "50"})

	_, err := env.Engine.ValidateDelivery(env.Ctx, tr.ID, clientID)
	assert.ErrorIs(t, err, engine.ErrState, "funds are not held yet")

	env.holdEscrow(t, tr.ID)
	_, err = env.Engine.ValidateDelivery(env.Ctx, tr.ID, freelancerID)
	assert.ErrorIs(t, err, engine.ErrForbidden)
	assert.Empty(t, env.Sandbox.Calls(provider.OpTransfer))
}

func TestEscrowWebhookIgnoresOtherCombinations(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "50"})
	held := env.holdEscrow(t, tr.ID)

	again, err := env.Engine.HandleEscrowWebhook(env.Ctx, held.ProviderToken, "PAID")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFundsHeld, again.Status)

	again, err = env.Engine.HandleEscrowWebhook(env.Ctx, held.ProviderToken, "CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFundsHeld, again.Status, "held funds are not released by a late cancel")

	// FAILED is not an escrow status
	again, err = env.Engine.HandleEscrowWebhook(env.Ctx, held.ProviderToken, "FAILED")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFundsHeld, again.Status)
}

func TestEscrowCancelReturnsToPendingDeposit(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "50"})
	tr, err := env.Engine.InitiateEscrowCheckout(env.Ctx, tr.ID, clientID)
	require.NoError(t, err)
	tr, err = env.Engine.HandleEscrowWebhook(env.Ctx, tr.ProviderToken, "CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingDeposit, tr.Status)
}

func TestProcessCaptureNoopOutsideCaptureStates(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "50"})
	env.holdEscrow(t, tr.ID)

	got, err := env.Engine.ProcessCapture(env.Ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFundsHeld, got.Status)
	assert.Empty(t, env.Sandbox.Calls(provider.OpTransfer))

	_, err = env.Engine.ProcessCapture(env.Ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestCaptureTimeoutIsOutcomeUnknown(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow, func(cfg *config.Config) { cfg.Provider.TimeoutSeconds = 1 })
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "50"})
	env.holdEscrow(t, tr.ID)

	env.Sandbox.Delay = 2 * time.Second
	_, err := env.Engine.ValidateDelivery(env.Ctx, tr.ID, clientID)
	require.NoError(t, err, "the timeout surfaces on the tranche, not to the client")

	got, err := env.Engine.ProcessCapture(env.Ctx, tr.ID)
	assert.ErrorIs(t, err, engine.ErrOutcomeUnknown)
	assert.Equal(t, domain.StatusValidated, got.Status)

	pending, err := events.Pending(env.Ctx, env.db())
	require.NoError(t, err)
	assert.Empty(t, pending, "the capture request is consumed; retries belong to the scheduler")
	assert.Equal(t, 2, env.count(t, `SELECT COUNT(*) FROM audit_events WHERE event_name='provider.timeout' AND tranche_id=?`, tr.ID))
}

func TestRetryCaptureOperatorPath(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow, func(cfg *config.Config) { cfg.Provider.TimeoutSeconds = 1 })
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "50"})
	env.holdEscrow(t, tr.ID)

	_, err := env.Engine.RetryCapture(env.Ctx, tr.ID, clientID)
	assert.ErrorIs(t, err, engine.ErrState, "nothing to capture while funds are only held")

	env.Sandbox.Delay = 2 * time.Second
	_, err = env.Engine.ValidateDelivery(env.Ctx, tr.ID, clientID)
	require.NoError(t, err)
	env.Sandbox.Delay = 0

	_, err = env.Engine.RetryCapture(env.Ctx, tr.ID, "someone-else")
	assert.ErrorIs(t, err, engine.ErrForbidden)

	got, err := env.Engine.RetryCapture(env.Ctx, tr.ID, freelancerID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, got.Status)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM audit_events WHERE event_name='capture.retry_requested' AND tranche_id=?`, tr.ID))

	_, err = env.Engine.RetryCapture(env.Ctx, tr.ID, clientID)
	assert.ErrorIs(t, err, engine.ErrState)

	direct := newTestEnv(t, domain.ModeDirect)
	_, err = direct.Engine.RetryCapture(direct.Ctx, "any", clientID)
	assert.ErrorIs(t, err, engine.ErrIncompatibleMode)
}
