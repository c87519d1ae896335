package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/db"
	"milestonepay/internal/domain"
	"milestonepay/internal/migrate"
	"milestonepay/internal/repo"
)

func TestSandboxTokensAndFailures(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()
	link, err := s.CreateCheckout(ctx, decimal.RequireFromString("100"), "EUR", "tr-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link.Token, "sbx_"))
	assert.Contains(t, link.URL, link.Token)

	boom := errors.New("declined")
	s.FailNext(OpTransfer, boom)
	assert.ErrorIs(t, s.TransferToBeneficiary(ctx, link.Token), boom)
	assert.NoError(t, s.TransferToBeneficiary(ctx, link.Token))

	s.FailAlways(OpPaymentLink, boom)
	_, err = s.CreatePaymentLink(ctx, decimal.RequireFromString("1"), "EUR", "x", domain.PayoutMethod{})
	assert.ErrorIs(t, err, boom)
	s.FailAlways(OpPaymentLink, nil)
	_, err = s.CreatePaymentLink(ctx, decimal.RequireFromString("1"), "EUR", "x", domain.PayoutMethod{})
	assert.NoError(t, err)

	assert.Len(t, s.Calls(OpTransfer), 2)
	assert.Len(t, s.Calls(""), 5)
}

func TestSandboxDelayHonoursDeadline(t *testing.T) {
	s := NewSandbox()
	s.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.TransferToBeneficiary(ctx, "sbx_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.Calls(OpTransfer))
}

func TestHTTPClient(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		switch r.URL.Path {
		case "/checkouts":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "chk_1", "url": "https://pay/chk_1"})
		case "/checkouts/chk_1/transfer":
			w.WriteHeader(http.StatusNoContent)
		case "/checkouts/chk_bad/transfer":
			http.Error(w, "insufficient funds", http.StatusConflict)
		case "/payment-links":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "pl_1", "url": "https://pay/pl_1"})
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret", time.Second)
	ctx := context.Background()

	link, err := c.CreateCheckout(ctx, decimal.RequireFromString("1000"), "EUR", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, Link{Token: "chk_1", URL: "https://pay/chk_1"}, link)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "1000.00", gotBody["amount"])

	require.NoError(t, c.TransferToBeneficiary(ctx, "chk_1"))
	assert.Equal(t, "/checkouts/chk_1/transfer", gotPath)

	err = c.TransferToBeneficiary(ctx, "chk_bad")
	assert.ErrorContains(t, err, "status 409")

	link, err = c.CreatePaymentLink(ctx, decimal.RequireFromString("12.5"), "EUR", "tr-2",
		domain.PayoutMethod{FreelancerID: "f", Kind: "bank", Reference: "FR76"})
	require.NoError(t, err)
	assert.Equal(t, "pl_1", link.Token)
	assert.Equal(t, "12.50", gotBody["amount"])
}

func TestHTTPClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.TransferToBeneficiary(ctx, "chk_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStoredPayoutMethods(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	p := StoredPayoutMethods{Repo: r}
	ctx := context.Background()

	_, err = p.Primary(ctx, "free")
	assert.ErrorIs(t, err, ErrNoPayoutMethod)

	require.NoError(t, r.UpsertPayoutMethod(ctx, domain.PayoutMethod{FreelancerID: "free", Kind: "bank", Reference: "FR76", Primary: true, CreatedAt: time.Now()}))
	pm, err := p.Primary(ctx, "free")
	require.NoError(t, err)
	assert.Equal(t, "FR76", pm.Reference)
}
