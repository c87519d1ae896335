// Package provider defines the payment provider contracts the engine calls and ships
// sandbox and HTTP implementations of them.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"milestonepay/internal/domain"
	"milestonepay/internal/repo"
)

var ErrNoPayoutMethod = errors.New("no primary payout method")

// Link is what a provider returns for a payment: the token its callbacks will carry and
// the URL the client pays at.
type Link struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// DirectPay pays the freelancer straight from the client, without custody.
type DirectPay interface {
	CreatePaymentLink(ctx context.Context, amount decimal.Decimal, currency, reference string, beneficiary domain.PayoutMethod) (Link, error)
}

// Escrow holds client funds until the platform releases them.
type Escrow interface {
	CreateCheckout(ctx context.Context, amount decimal.Decimal, currency, reference string) (Link, error)
	TransferToBeneficiary(ctx context.Context, checkoutID string) error
}

type PayoutMethods interface {
	Primary(ctx context.Context, freelancerID string) (domain.PayoutMethod, error)
}

// StoredPayoutMethods reads payout methods from the engine's own store.
type StoredPayoutMethods struct {
	Repo repo.Repo
}

func (s StoredPayoutMethods) Primary(ctx context.Context, freelancerID string) (domain.PayoutMethod, error) {
	pm, err := s.Repo.PrimaryPayoutMethod(ctx, freelancerID)
	if errors.Is(err, repo.ErrNotFound) {
		return pm, fmt.Errorf("%w for %s", ErrNoPayoutMethod, freelancerID)
	}
	return pm, err
}
