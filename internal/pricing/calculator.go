// Package pricing maps a requested credit quantity to a price tier.
package pricing

import (
	"fmt"

	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/shopspring/decimal"
)

// Tier covers the inclusive credit range [Min, Max]. Max == 0 marks the
// open-ended top tier.
type Tier struct {
	Name      string          `json:"name"`
	Min       int64           `json:"min_credits"`
	Max       int64           `json:"max_credits,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (t Tier) contains(credits int64) bool {
	return credits >= t.Min && (t.Max == 0 || credits <= t.Max)
}

type Quote struct {
	Credits    int64           `json:"credits"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
	TierName   string          `json:"tier_name"`
	TierMin    int64           `json:"tier_min"`
	TierMax    int64           `json:"tier_max,omitempty"`
}

// MinorUnits is the number of decimals totals are rounded to.
const MinorUnits = 2

func DefaultTiers() []Tier {
	return []Tier{
		{Name: "Lite", Min: 1, Max: 4999, UnitPrice: decimal.RequireFromString("30.00")},
		{Name: "Standard", Min: 5000, Max: 49999, UnitPrice: decimal.RequireFromString("25.00")},
		{Name: "Pro", Min: 50000, Max: 249999, UnitPrice: decimal.RequireFromString("18.00")},
		{Name: "Enterprise", Min: 250000, UnitPrice: decimal.RequireFromString("12.00")},
	}
}

// Calculator is immutable after construction and safe for concurrent use.
type Calculator struct {
	tiers []Tier
}

// NewCalculator validates that tiers partition [1, ∞) lowest first, with
// only the last tier open-ended.
func NewCalculator(tiers []Tier) (*Calculator, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", pkgerrors.ErrInvalidTiers)
	}
	next := int64(1)
	for i, t := range tiers {
		last := i == len(tiers)-1
		switch {
		case t.Min != next:
			return nil, fmt.Errorf("%w: tier %q starts at %d, want %d", pkgerrors.ErrInvalidTiers, t.Name, t.Min, next)
		case !t.UnitPrice.IsPositive():
			return nil, fmt.Errorf("%w: tier %q has non-positive unit price", pkgerrors.ErrInvalidTiers, t.Name)
		case last && t.Max != 0:
			return nil, fmt.Errorf("%w: top tier %q must be open-ended", pkgerrors.ErrInvalidTiers, t.Name)
		case !last && t.Max < t.Min:
			return nil, fmt.Errorf("%w: tier %q has max %d below min %d", pkgerrors.ErrInvalidTiers, t.Name, t.Max, t.Min)
		}
		next = t.Max + 1
	}
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return &Calculator{tiers: out}, nil
}

// MustDefault returns a calculator over DefaultTiers.
func MustDefault() *Calculator {
	c, err := NewCalculator(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Calculator) Quote(credits int64) (Quote, error) {
	if credits <= 0 {
		return Quote{}, fmt.Errorf("%w: got %d", pkgerrors.ErrInvalidQuantity, credits)
	}
	t, ok := c.tierFor(credits)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %d credits", pkgerrors.ErrTierNotFound, credits)
	}
	return Quote{
		Credits:    credits,
		UnitPrice:  t.UnitPrice,
		TotalPrice: t.UnitPrice.Mul(decimal.NewFromInt(credits)).Round(MinorUnits),
		TierName:   t.Name,
		TierMin:    t.Min,
		TierMax:    t.Max,
	}, nil
}

func (c *Calculator) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

func (c *Calculator) tierFor(credits int64) (Tier, bool) {
	for _, t := range c.tiers {
		if t.contains(credits) {
			return t, true
		}
	}
	return Tier{}, false
}
