// Package ledger holds the money arithmetic shared by tranches and closure checks.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits money is kept at.
const Places = 2

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrPrecision      = errors.New("amount has more than 2 decimal places")
	ErrRate           = errors.New("commission rate must be in [0,1)")
)

// Breakdown is a gross amount broken into the platform commission and the freelancer net.
type Breakdown struct {
	Gross      decimal.Decimal
	Rate       decimal.Decimal
	Commission decimal.Decimal
	Net        decimal.Decimal
}

// Round2 rounds half away from zero to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Split computes commission = round2(gross*rate) and net = gross - commission.
func Split(gross, rate decimal.Decimal) (Breakdown, error) {
	if err := ValidateAmount(gross); err != nil {
		return Breakdown{}, err
	}
	if err := ValidateRate(rate); err != nil {
		return Breakdown{}, err
	}
	commission := Round2(gross.Mul(rate))
	return Breakdown{
		Gross:      gross,
		Rate:       rate,
		Commission: commission,
		Net:        gross.Sub(commission),
	}, nil
}

func ValidateAmount(d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, d)
	}
	if !d.Equal(Round2(d)) {
		return fmt.Errorf("%w: %s", ErrPrecision, d)
	}
	return nil
}

func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s", ErrRate, rate)
	}
	return nil
}

// Sum adds amounts; an empty list sums to zero.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Parse reads a money string such as "1000" or "12.50".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}
