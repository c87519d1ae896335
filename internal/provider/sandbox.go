package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"milestonepay/internal/domain"
)

const (
	OpPaymentLink = "payment_link"
	OpCheckout    = "checkout"
	OpTransfer    = "transfer"
)

// Call is one recorded sandbox invocation.
type Call struct {
	Op        string
	Amount    decimal.Decimal
	Currency  string
	Reference string
	Token     string
}

// Sandbox implements DirectPay and Escrow in memory. Failures and latency can be injected
// per operation.
type Sandbox struct {
	BaseURL string
	// Delay is applied to every call and honours context cancellation.
	Delay time.Duration

	mu       sync.Mutex
	failNext map[string][]error
	failAll  map[string]error
	calls    []Call
}

func NewSandbox() *Sandbox {
	return &Sandbox{BaseURL: "https://sandbox.invalid/pay"}
}

// FailNext makes the next call to op return err.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext == nil {
		s.failNext = make(map[string][]error)
	}
	s.failNext[op] = append(s.failNext[op], err)
}

// FailAlways makes every call to op return err until cleared with a nil err.
func (s *Sandbox) FailAlways(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll == nil {
		s.failAll = make(map[string]error)
	}
	if err == nil {
		delete(s.failAll, op)
		return
	}
	s.failAll[op] = err
}

func (s *Sandbox) Calls(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Call
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			res = append(res, c)
		}
	}
	return res
}

func (s *Sandbox) do(ctx context.Context, c Call) error {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if q := s.failNext[c.Op]; len(q) > 0 {
		s.failNext[c.Op] = q[1:]
		return q[0]
	}
	if err, ok := s.failAll[c.Op]; ok {
		return err
	}
	return nil
}

func (s *Sandbox) CreatePaymentLink(ctx context.Context, amount decimal.Decimal, currency, reference string, _ domain.PayoutMethod) (Link, error) {
	token := "sbx_" + uuid.NewString()
	if err := s.do(ctx, Call{Op: OpPaymentLink, Amount: amount, Currency: currency, Reference: reference, Token: token}); err != nil {
		return Link{}, err
	}
	return Link{Token: token, URL: s.BaseURL + "/" + token}, nil
}

func (s *Sandbox) CreateCheckout(ctx context.Context, amount decimal.Decimal, currency, reference string) (Link, error) {
	token := "sbx_" + uuid.NewString()
	if err := s.do(ctx, Call{Op: OpCheckout, Amount: amount, Currency: currency, Reference: reference, Token: token}); err != nil {
		return Link{}, err
	}
	return Link{Token: token, URL: s.BaseURL + "/checkout/" + token}, nil
}

func (s *Sandbox) TransferToBeneficiary(ctx context.Context, checkoutID string) error {
	return s.do(ctx, Call{Op: OpTransfer, Token: checkoutID})
}
