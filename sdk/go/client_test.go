package mpaysdk_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/app"
	"milestonepay/internal/config"
	"milestonepay/internal/domain"
	"milestonepay/internal/logging"
	"milestonepay/internal/server"
	mpaysdk "milestonepay/sdk/go"
)

func newAPI(t *testing.T) *mpaysdk.Client {
	t.Helper()
	cfg := config.Default(domain.ModeDirect)
	cfg.Webhooks.Secret = "hook"
	a, err := app.Build(context.Background(), t.TempDir(), cfg, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	handler, err := server.New(server.Config{
		Engine:   a.Engine,
		Auth:     server.AuthConfig{JWTSecret: "secret", AllowActorHeader: true},
		Webhooks: server.WebhookConfig{Secret: "hook", RatePerSecond: 100, Burst: 100},
		Metrics:  a.Metrics,
		Log:      logging.Discard(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return mpaysdk.New(srv.URL, "")
}

func TestClientDirectFlow(t *testing.T) {
	ctx := context.Background()
	api := newAPI(t)
	client := api.As("c-1")
	freelancer := api.As("f-1")

	m, err := client.RegisterMission(ctx, mpaysdk.RegisterMission{ID: "m-1", FreelancerID: "f-1"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", m.ClientID)

	tr, err := client.CreateTranche(ctx, "m-1", mpaysdk.CreateTranche{GrossAmount: "250.00", Final: true, DeliverableID: "d-1"})
	require.NoError(t, err)
	assert.Equal(t, "250.00", tr.NetAmount)

	tr, err = client.Pay(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING_PAYMENT", tr.Status)

	hook := *api
	hook.WebhookSecret = "hook"
	require.NoError(t, hook.DirectWebhook(ctx, tr.ProviderToken, "PAID"))

	_, err = freelancer.RecordDeliverable(ctx, "m-1", "d-1", "ACCEPTED")
	require.NoError(t, err)

	m, err = freelancer.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", m.Status)

	items, err := client.ListTranches(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "SETTLED", items[0].Status)

	bal, err := freelancer.Balance(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "250.00", bal.Balance)

	page, err := client.AuditPage(ctx, "m-1", 2, "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextCursor)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	api := newAPI(t)

	_, err := api.GetMission(ctx, "m-1")
	var apiErr *mpaysdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = api.As("c-1").GetMission(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	err = api.DirectWebhook(ctx, "tok", "PAID")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid_signature", apiErr.Code)

	client := api.As("c-1")
	_, err = client.RegisterMission(ctx, mpaysdk.RegisterMission{ID: "m-1", FreelancerID: "f-1"})
	require.NoError(t, err)
	tr, err := client.CreateTranche(ctx, "m-1", mpaysdk.CreateTranche{GrossAmount: "10.00"})
	require.NoError(t, err)
	_, err = client.Capture(ctx, tr.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "incompatible_mode", apiErr.Code, "captures only exist in escrow mode")
}
