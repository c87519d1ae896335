package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
)

func TestFinalMilestoneNeedsEveryRequiredTranche(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	first := env.tranche(t, "m-1", trancheSpec{gross: "100", deliverable: "d-1"})
	final := env.tranche(t, "m-1", trancheSpec{gross: "200", final: true, deliverable: "d-2"})

	env.payDirect(t, final.ID)
	env.accept(t, "m-1", "d-2")
	assert.Equal(t, domain.MissionInProgress, env.missionStatus(t, "m-1"), "required tranche 1 still unpaid")

	env.payDirect(t, first.ID)
	assert.Equal(t, domain.MissionInProgress, env.missionStatus(t, "m-1"), "tranche 1 delivery not accepted")
	env.accept(t, "m-1", "d-1")
	assert.Equal(t, domain.MissionClosed, env.missionStatus(t, "m-1"))
}

func TestOptionalTrancheDoesNotBlockClosure(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	env.tranche(t, "m-1", trancheSpec{gross: "100", optional: true})
	final := env.tranche(t, "m-1", trancheSpec{gross: "200", final: true, deliverable: "d-2"})
	env.accept(t, "m-1", "d-2")
	env.payDirect(t, final.ID)
	assert.Equal(t, domain.MissionClosed, env.missionStatus(t, "m-1"))
}

func TestAddingTrancheReopensReadyMission(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyManualDualConfirm, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "100", deliverable: "d-1"})
	env.accept(t, "m-1", "d-1")
	env.payDirect(t, tr.ID)
	require.Equal(t, domain.MissionReadyToClose, env.missionStatus(t, "m-1"))

	env.tranche(t, "m-1", trancheSpec{gross: "50", optional: true})
	assert.Equal(t, domain.MissionInProgress, env.missionStatus(t, "m-1"))
	assert.Equal(t, 1, env.published(domain.EventMissionReopened))
}

func TestManualDualConfirm(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyManualDualConfirm, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "100", deliverable: "d-1"})
	env.accept(t, "m-1", "d-1")
	env.payDirect(t, tr.ID)

	_, err := env.Engine.ConfirmCloseByFreelancer(env.Ctx, "m-1", clientID)
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = env.Engine.ConfirmCloseByClient(env.Ctx, "m-1", freelancerID)
	assert.ErrorIs(t, err, engine.ErrForbidden)

	m, err := env.Engine.ConfirmCloseByClient(env.Ctx, "m-1", clientID)
	require.NoError(t, err)
	assert.True(t, m.ClosedByClient)
	assert.Equal(t, domain.MissionReadyToClose, m.Status)

	m, err = env.Engine.ConfirmCloseByFreelancer(env.Ctx, "m-1", freelancerID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionClosed, m.Status)
	require.NotNil(t, m.ClosedAt)
}

func TestDualConfirmWaitsForGate(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyManualDualConfirm, "0")
	env.tranche(t, "m-1", trancheSpec{gross: "100"})
	_, err := env.Engine.ConfirmCloseByClient(env.Ctx, "m-1", clientID)
	require.NoError(t, err)
	m, err := env.Engine.ConfirmCloseByFreelancer(env.Ctx, "m-1", freelancerID)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionInProgress, m.Status, "never closes while a required tranche is unpaid")
}

func TestContractTotalClosesOnlyAtTotal(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyContractTotalAmount, "1500")
	a := env.tranche(t, "m-1", trancheSpec{gross: "1000", final: true, deliverable: "d-a"})
	b := env.tranche(t, "m-1", trancheSpec{gross: "499", deliverable: "d-b"})
	env.accept(t, "m-1", "d-a")
	env.accept(t, "m-1", "d-b")
	env.payDirect(t, a.ID)
	env.payDirect(t, b.ID)
	assert.Equal(t, domain.MissionReadyToClose, env.missionStatus(t, "m-1"), "1499 is one short of 1500")

	c := env.tranche(t, "m-1", trancheSpec{gross: "1", deliverable: "d-c"})
	assert.Equal(t, domain.MissionInProgress, env.missionStatus(t, "m-1"))
	env.payDirect(t, c.ID)
	env.accept(t, "m-1", "d-c")
	assert.Equal(t, domain.MissionClosed, env.missionStatus(t, "m-1"))
}

func TestMissionClosedEmittedOnce(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "100", final: true, deliverable: "d-1"})
	env.accept(t, "m-1", "d-1")
	env.payDirect(t, tr.ID)
	require.Equal(t, domain.MissionClosed, env.missionStatus(t, "m-1"))

	for i := 0; i < 3; i++ {
		m, err := env.Engine.RecomputeMissionStatus(env.Ctx, "m-1")
		require.NoError(t, err)
		assert.Equal(t, domain.MissionClosed, m.Status)
	}
	// a later rejection upstream does not reopen a closed mission
	_, err := env.Engine.RecordDeliverableStatus(env.Ctx, "m-1", "d-1", domain.DeliverableRejected)
	require.NoError(t, err)
	assert.Equal(t, domain.MissionClosed, env.missionStatus(t, "m-1"))

	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM outbox WHERE type='MissionClosed'`))
	assert.Equal(t, 1, env.published(domain.EventMissionClosed))
}

func TestClosedMissionRejectsChanges(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	env.mission(t, "m-1", domain.PolicyFinalMilestoneRequired, "0")
	tr := env.tranche(t, "m-1", trancheSpec{gross: "100", final: true, deliverable: "d-1"})
	env.accept(t, "m-1", "d-1")
	env.payDirect(t, tr.ID)

	_, err := env.Engine.CreateTranche(env.Ctx, engine.CreateTrancheOptions{MissionID: "m-1", GrossAmount: decimal.NewFromInt(5), RequesterID: clientID})
	assert.ErrorIs(t, err, engine.ErrState)
	_, err = env.Engine.MarkFinal(env.Ctx, tr.ID, clientID, false)
	assert.ErrorIs(t, err, engine.ErrState)
	_, err = env.Engine.RegisterMission(env.Ctx, engine.RegisterMissionOptions{ID: "m-1", ClientID: clientID, FreelancerID: freelancerID})
	assert.ErrorIs(t, err, engine.ErrState)
}

func TestRegisterMissionValidation(t *testing.T) {
	env := newTestEnv(t, domain.ModeDirect)
	_, err := env.Engine.RegisterMission(env.Ctx, engine.RegisterMissionOptions{ClientID: ""})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.RegisterMission(env.Ctx, engine.RegisterMissionOptions{ClientID: "c", ClosurePolicy: "WHENEVER"})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.RegisterMission(env.Ctx, engine.RegisterMissionOptions{ClientID: "c", ClosurePolicy: domain.PolicyContractTotalAmount})
	assert.ErrorIs(t, err, engine.ErrValidation)

	m, err := env.Engine.RegisterMission(env.Ctx, engine.RegisterMissionOptions{ClientID: "c"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, domain.PolicyFinalMilestoneRequired, m.ClosurePolicy)

	_, err = env.Engine.RegisterMission(env.Ctx, engine.RegisterMissionOptions{ID: m.ID, ClientID: "other"})
	assert.ErrorIs(t, err, engine.ErrValidation)

	m, err = env.Engine.RegisterMission(env.Ctx, engine.RegisterMissionOptions{ID: m.ID, ClientID: "c", FreelancerID: "f"})
	require.NoError(t, err)
	assert.Equal(t, "f", m.FreelancerID)
	assert.Greater(t, m.Version, int64(1))

	_, err = env.Engine.GetMission(env.Ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
