package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
)

func TestCreateTrancheRules(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")

	gross := decimal.RequireFromString("250.00")
	_, err := env.Engine.CreateTranche(env.Ctx, engine.CreateTrancheOptions{MissionID: "m-1", GrossAmount: gross, RequesterID: freelancerID})
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.CreateTranche(env.Ctx, engine.CreateTrancheOptions{MissionID: "m-1", GrossAmount: decimal.NewFromInt(-1), RequesterID: clientID})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.CreateTranche(env.Ctx, engine.CreateTrancheOptions{MissionID: "m-1", GrossAmount: decimal.RequireFromString("1.005"), RequesterID: clientID})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.CreateTranche(env.Ctx, engine.CreateTrancheOptions{MissionID: "missing", GrossAmount: gross, RequesterID: clientID})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	first, err := env.Engine.CreateTranche(env.Ctx, engine.CreateTrancheOptions{MissionID: "m-1", GrossAmount: gross, RequesterID: clientID})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Order)
	assert.True(t, first.Required)
	assert.Equal(t, domain.StatusPendingDeposit, first.Status)
	assert.Equal(t, "25", first.Commission.String())
	assert.Equal(t, "225", first.NetAmount.String())

	second := env.tranche(t, "m-1", trancheSpec{gross: "100"})
	assert.Equal(t, 2, second.Order)

	_, err = env.Engine.CreateTranche(env.Ctx, engine.CreateTrancheOptions{MissionID: "m-1", Order: 2, GrossAmount: gross, RequesterID: clientID})
	assert.ErrorIs(t, err, engine.ErrValidation, "order is unique within a mission")
}

func TestCreateTrancheNeedsFreelancer(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	_, err := env.Engine.RegisterMission(env.Ctx, engine.RegisterMissionOptions{ID: "m-1", ClientID: clientID})
	require.NoError(t, err)
	_, err = env.Engine.CreateTranche(env.Ctx, engine.CreateTrancheOptions{MissionID: "m-1", GrossAmount: decimal.NewFromInt(10), RequesterID: clientID})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestAtMostOneFinal(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	a := env.tranche(t, "m-1", trancheSpec{gross: "10", final: true})
	b := env.tranche(t, "m-1", trancheSpec{gross: "20", final: true})
	c := env.tranche(t, "m-1", trancheSpec{gross: "30"})

	finals := func() []string {
		ts, err := env.Engine.ListTranches(env.Ctx, "m-1")
		require.NoError(t, err)
		var ids []string
		for _, tr := range ts {
			if tr.Final {
				ids = append(ids, tr.ID)
			}
		}
		return ids
	}
	assert.Equal(t, []string{b.ID}, finals())

	_, err := env.Engine.MarkFinal(env.Ctx, c.ID, clientID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, finals())

	_, err = env.Engine.MarkFinal(env.Ctx, a.ID, freelancerID, true)
	assert.ErrorIs(t, err, engine.ErrForbidden)

	_, err = env.Engine.MarkFinal(env.Ctx, c.ID, clientID, false)
	require.NoError(t, err)
	assert.Empty(t, finals())
}

func TestMarkRequiredFeedsClosure(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	extra := env.tranche(t, "m-1", trancheSpec{gross: "10"})
	final := env.tranche(t, "m-1", trancheSpec{gross: "20", final: true, deliverable: "d-1"})
	env.accept(t, "m-1", "d-1")
	env.payDirect(t, final.ID)
	require.Equal(t, domain.MissionInProgress, env.missionStatus(t, "m-1"))

	tr, err := env.Engine.MarkRequired(env.Ctx, extra.ID, clientID, false)
	require.NoError(t, err)
	assert.False(t, tr.Required)
	assert.Equal(t, domain.MissionClosed, env.missionStatus(t, "m-1"))
}

func TestRejectTranche(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	stale := env.tranche(t, "m-1", trancheSpec{gross: "10", final: true})
	_, err := env.Engine.RejectTranche(env.Ctx, stale.ID, freelancerID, "scope change")
	assert.ErrorIs(t, err, engine.ErrForbidden)

	tr, err := env.Engine.RejectTranche(env.Ctx, stale.ID, clientID, "scope change")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, tr.Status)
	assert.False(t, tr.Final)

	_, err = env.Engine.RejectTranche(env.Ctx, stale.ID, clientID, "again")
	assert.ErrorIs(t, err, engine.ErrState)
	_, err = env.Engine.InitiatePayment(env.Ctx, stale.ID, clientID)
	assert.ErrorIs(t, err, engine.ErrState)
	_, err = env.Engine.MarkFinal(env.Ctx, stale.ID, clientID, true)
	assert.ErrorIs(t, err, engine.ErrState)

	// a pending link cannot be rejected
	pending := env.tranche(t, "m-1", trancheSpec{gross: "10"})
	_, err = env.Engine.InitiateDirectPayment(env.Ctx, pending.ID, clientID)
	require.NoError(t, err)
	_, err = env.Engine.RejectTranche(env.Ctx, pending.ID, clientID, "")
	assert.ErrorIs(t, err, engine.ErrState)

	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM audit_events WHERE event_name='tranche.rejected'`))
}

func TestRejectedTrancheDoesNotBlockClosure(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	dropped := env.tranche(t, "m-1", trancheSpec{gross: "10"})
	final := env.tranche(t, "m-1", trancheSpec{gross: "20", final: true, deliverable: "d-1"})
	env.accept(t, "m-1", "d-1")
	env.payDirect(t, final.ID)
	require.Equal(t, domain.MissionInProgress, env.missionStatus(t, "m-1"))

	_, err := env.Engine.RejectTranche(env.Ctx, dropped.ID, clientID, "merged into final")
	require.NoError(t, err)
	assert.Equal(t, domain.MissionClosed, env.missionStatus(t, "m-1"))
}

func TestSettledNeverLeaves(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyManualDualConfirm, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "40"})
	env.payDirect(t, tr.ID)

	_, err := env.Engine.RejectTranche(env.Ctx, tr.ID, clientID, "")
	assert.ErrorIs(t, err, engine.ErrState)
	_, err = env.Engine.InitiatePayment(env.Ctx, tr.ID, clientID)
	assert.ErrorIs(t, err, engine.ErrState)
	gross := decimal.NewFromInt(1)
	_, err = env.Engine.AmendTranche(env.Ctx, tr.ID, clientID, nil, &gross)
	assert.ErrorIs(t, err, engine.ErrState)
	_, err = env.Engine.LinkDeliverable(env.Ctx, tr.ID, clientID, "d-9")
	assert.ErrorIs(t, err, engine.ErrState)
	for _, status := range []string{"FAILED", "CANCELLED", "PAID"} {
		got, err := env.Engine.HandleDirectWebhook(env.Ctx, tr.ProviderToken, status)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSettled, got.Status)
	}
	got, err := env.Engine.GetTranche(env.Ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, got.Status)
}

func TestAmendTranche(t *testing.T) {
	env := newTestEnv(t, domain.ModeEscrow)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "100"})

	title := "  design review "
	gross := decimal.RequireFromString("80.50")
	got, err := env.Engine.AmendTranche(env.Ctx, tr.ID, clientID, &title, &gross)
	require.NoError(t, err)
	assert.Equal(t, "design review", got.Title)
	assert.True(t, got.GrossAmount.Equal(gross))
	assert.Equal(t, "8.05", got.Commission.String())
	assert.True(t, got.Balanced())

	bad := decimal.NewFromInt(-5)
	_, err = env.Engine.AmendTranche(env.Ctx, tr.ID, clientID, nil, &bad)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestLinkDeliverable(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	env.mission(t, "m-2", domain.PolicyFinalMilestoneRequired, "0")
	a := env.tranche(t, "m-1", trancheSpec{gross: "10", deliverable: "d-1"})
	b := env.tranche(t, "m-1", trancheSpec{gross: "10"})
	other := env.tranche(t, "m-2", trancheSpec{gross: "10"})

	_, err := env.Engine.LinkDeliverable(env.Ctx, b.ID, clientID, "d-1")
	assert.ErrorIs(t, err, engine.ErrValidation, "deliverable already linked to %s", a.ID)
	_, err = env.Engine.LinkDeliverable(env.Ctx, other.ID, clientID, "d-1")
	assert.ErrorIs(t, err, engine.ErrValidation, "deliverable belongs to another mission")

	env.accept(t, "m-1", "d-2")
	got, err := env.Engine.LinkDeliverable(env.Ctx, b.ID, clientID, "d-2")
	require.NoError(t, err)
	require.NotNil(t, got.DeliverableID)
	assert.Equal(t, "d-2", *got.DeliverableID)
	assert.True(t, got.DeliveryAccepted)
}
