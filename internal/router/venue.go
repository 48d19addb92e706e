package router

import (
	"github.com/shopspring/decimal"

	"github.com/quantmill/tradecore/errs"
	"github.com/quantmill/tradecore/internal/schema"
)

// Venue describes an execution destination. Fee and size limits use decimal
// arithmetic; these feed reporting, not the hot path.
type Venue struct {
	// Name uniquely identifies the venue within a router.
	Name string
	// Priority ranks venues for selection; higher wins. Venues registered
	// earlier win ties.
	Priority int
	// FeeRate is the taker fee as a fraction of notional.
	FeeRate decimal.Decimal
	// MinOrderSize rejects orders below this quantity. Zero disables the check.
	MinOrderSize decimal.Decimal
	// MaxOrderSize rejects orders above this quantity. Zero disables the check.
	MaxOrderSize decimal.Decimal
	// SupportedTypes lists the order types the venue accepts. Empty means all.
	SupportedTypes []schema.OrderType

	supported map[schema.OrderType]struct{}
}

func (v *Venue) init() error {
	if v.Name == "" {
		return errs.New("router/register_venue", errs.CodeInvalid,
			errs.WithMessage("venue name required"))
	}
	if v.MinOrderSize.IsNegative() || v.MaxOrderSize.IsNegative() || v.FeeRate.IsNegative() {
		return errs.New("router/register_venue", errs.CodeInvalid,
			errs.WithMessage("venue limits must be non-negative"))
	}
	if len(v.SupportedTypes) > 0 {
		v.supported = make(map[schema.OrderType]struct{}, len(v.SupportedTypes))
		for _, t := range v.SupportedTypes {
			v.supported[t] = struct{}{}
		}
	}
	return nil
}

// Supports reports whether the venue accepts the order type.
func (v *Venue) Supports(t schema.OrderType) bool {
	if v.supported == nil {
		return true
	}
	_, ok := v.supported[t]
	return ok
}

// Accepts reports whether quantity falls within the venue's size limits.
func (v *Venue) Accepts(quantity float64) bool {
	qty := decimal.NewFromFloat(quantity)
	if !v.MinOrderSize.IsZero() && qty.LessThan(v.MinOrderSize) {
		return false
	}
	if !v.MaxOrderSize.IsZero() && qty.GreaterThan(v.MaxOrderSize) {
		return false
	}
	return true
}

// EstimateFee returns the taker fee on the given notional.
func (v *Venue) EstimateFee(quantity, price float64) decimal.Decimal {
	notional := decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(price))
	return notional.Mul(v.FeeRate)
}
