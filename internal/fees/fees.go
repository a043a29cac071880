// Package fees computes the buyer-protection fee charged on top of a
// service price.
//
// The fee is what the platform keeps when funds are released to the
// provider. It is derived from a configuration (percentage, fixed, or
// hybrid of both) and clamped to a [minimum, maximum] band.
package fees

import (
	"errors"
	"fmt"

	"github.com/servilink/servilink/internal/money"
)

var ErrInvalidBaseAmount = errors.New("base amount must be greater than zero")

// FeeType selects how the raw fee is computed.
type FeeType string

const (
	TypePercentage FeeType = "percentage"
	TypeFixed      FeeType = "fixed"
	TypeHybrid     FeeType = "hybrid" // max(percentage, fixed)
)

// Config is an immutable protection-fee configuration.
type Config struct {
	Type           FeeType      `json:"type"`
	PercentageRate float64      `json:"percentageRate"` // e.g. 10 for 10%
	FixedAmount    money.Amount `json:"fixedAmount"`
	MinimumFee     money.Amount `json:"minimumFee"`
	MaximumFee     money.Amount `json:"maximumFee"`
	Enabled        bool         `json:"enabled"`
}

// DefaultConfig returns the platform's standard protection-fee policy.
func DefaultConfig() Config {
	return Config{
		Type:           TypePercentage,
		PercentageRate: 10,
		MinimumFee:     500,   // 5.00
		MaximumFee:     10000, // 100.00
		Enabled:        true,
	}
}

// Calculation is the derived fee breakdown. It is never persisted.
type Calculation struct {
	BaseAmount     money.Amount `json:"baseAmount"`
	Type           FeeType      `json:"type"`
	PercentageRate float64      `json:"percentageRate"`
	FixedAmount    money.Amount `json:"fixedAmount"`
	CalculatedFee  money.Amount `json:"calculatedFee"` // before clamping
	FinalFee       money.Amount `json:"finalFee"`      // after clamping
	Justification  string       `json:"justification"`
}

// Calculate derives the protection fee for a service amount.
// Pure and deterministic: same inputs always produce the same result.
func Calculate(serviceAmount money.Amount, cfg Config) (*Calculation, error) {
	if serviceAmount <= 0 {
		return nil, ErrInvalidBaseAmount
	}

	calc := &Calculation{
		BaseAmount:     serviceAmount,
		Type:           cfg.Type,
		PercentageRate: cfg.PercentageRate,
		FixedAmount:    cfg.FixedAmount,
	}

	if !cfg.Enabled {
		calc.Justification = "protection fee disabled"
		return calc, nil
	}

	pct := money.FromFloat(serviceAmount.Float() * cfg.PercentageRate / 100)

	var raw money.Amount
	switch cfg.Type {
	case TypeFixed:
		raw = cfg.FixedAmount
		calc.Justification = fmt.Sprintf("fixed fee %s", raw)
	case TypeHybrid:
		raw = pct
		calc.Justification = fmt.Sprintf("%.2f%% of %s", cfg.PercentageRate, serviceAmount)
		if cfg.FixedAmount > raw {
			raw = cfg.FixedAmount
			calc.Justification = fmt.Sprintf("fixed fee %s (exceeds %.2f%%)", raw, cfg.PercentageRate)
		}
	default: // TypePercentage
		raw = pct
		calc.Justification = fmt.Sprintf("%.2f%% of %s", cfg.PercentageRate, serviceAmount)
	}

	calc.CalculatedFee = raw
	calc.FinalFee = raw

	if cfg.MinimumFee > 0 && calc.FinalFee < cfg.MinimumFee {
		calc.FinalFee = cfg.MinimumFee
		calc.Justification += fmt.Sprintf("; minimum applied (%s)", cfg.MinimumFee)
	}
	if cfg.MaximumFee > 0 && calc.FinalFee > cfg.MaximumFee {
		calc.FinalFee = cfg.MaximumFee
		calc.Justification += fmt.Sprintf("; maximum applied (%s)", cfg.MaximumFee)
	}

	return calc, nil
}
