package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"milestonepay/internal/domain"
	"milestonepay/internal/provider"
)

// Gateway is the payment mode the engine runs in. It owns the provider calls and the
// meaning of the provider's callback statuses.
type Gateway interface {
	Mode() domain.PaymentMode
	// Initiate asks the provider for a payment link or checkout for t.
	Initiate(ctx context.Context, t domain.Tranche, m domain.Mission) (provider.Link, error)
	// Callback maps a provider webhook status to a tranche event.
	Callback(status string) (domain.TrancheEvent, bool)
	// Capture releases held funds to the freelancer.
	Capture(ctx context.Context, t domain.Tranche) error
}

func newGateway(mode domain.PaymentMode, currency string, sandbox bool, deps Deps) (Gateway, error) {
	switch mode {
	case domain.ModeDirect:
		if deps.Direct == nil {
			return nil, errors.New("direct mode requires a direct-pay provider")
		}
		payouts := deps.Payouts
		if payouts == nil {
			return nil, errors.New("direct mode requires a payout method lookup")
		}
		return directGateway{pay: deps.Direct, payouts: payouts, currency: currency, sandbox: sandbox}, nil
	case domain.ModeEscrow:
		if deps.Escrow == nil {
			return nil, errors.New("escrow mode requires an escrow provider")
		}
		return escrowGateway{escrow: deps.Escrow, currency: currency}, nil
	}
	return nil, fmt.Errorf("unknown payment mode %q", mode)
}

func normalizeStatus(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

type directGateway struct {
	pay      provider.DirectPay
	payouts  provider.PayoutMethods
	currency string
	sandbox  bool
}

func (directGateway) Mode() domain.PaymentMode { return domain.ModeDirect }

func (g directGateway) Initiate(ctx context.Context, t domain.Tranche, m domain.Mission) (provider.Link, error) {
	beneficiary, err := g.payouts.Primary(ctx, m.FreelancerID)
	if err != nil {
		if !errors.Is(err, provider.ErrNoPayoutMethod) || !g.sandbox {
			return provider.Link{}, err
		}
		beneficiary = domain.PayoutMethod{FreelancerID: m.FreelancerID, Kind: "sandbox", Reference: "sandbox-" + m.FreelancerID, Primary: true}
	}
	return g.pay.CreatePaymentLink(ctx, t.NetAmount, g.currency, t.ID, beneficiary)
}

func (directGateway) Callback(status string) (domain.TrancheEvent, bool) {
	switch normalizeStatus(status) {
	case "PAID", "COMPLETED":
		return domain.EventPaid, true
	case "FAILED":
		return domain.EventFailed, true
	case "CANCELLED", "CANCELED":
		return domain.EventCancelled, true
	}
	return "", false
}

func (directGateway) Capture(context.Context, domain.Tranche) error {
	return modeError("capture", domain.ModeDirect)
}

type escrowGateway struct {
	escrow   provider.Escrow
	currency string
}

func (escrowGateway) Mode() domain.PaymentMode { return domain.ModeEscrow }

func (g escrowGateway) Initiate(ctx context.Context, t domain.Tranche, _ domain.Mission) (provider.Link, error) {
	return g.escrow.CreateCheckout(ctx, t.GrossAmount, g.currency, t.ID)
}

func (escrowGateway) Callback(status string) (domain.TrancheEvent, bool) {
	switch normalizeStatus(status) {
	case "PAID":
		return domain.EventPaid, true
	case "CANCELLED", "CANCELED":
		return domain.EventCancelled, true
	}
	return "", false
}

func (g escrowGateway) Capture(ctx context.Context, t domain.Tranche) error {
	if t.ProviderToken == "" {
		return fmt.Errorf("tranche %s has no checkout", t.ID)
	}
	return g.escrow.TransferToBeneficiary(ctx, t.ProviderToken)
}
