package service

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"communityhub/backend/services/credits-service/internal/metrics"
	"communityhub/backend/services/credits-service/internal/models"
)

// User is the credit holder a charge is billed to.
type User interface {
	ID() int64
	IsSustainingMember() bool
}

// Chargeable is any billable entity.
type Chargeable interface {
	ChargeableType() string
	BillableUnits() float64
	BillableUser() User
}

// BalanceReader gives read access to credit balances.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID int64, creditType models.CreditType) (int64, error)
}

// PricingConfig is the finance configuration the calculator works from.
type PricingConfig struct {
	Rates             map[string]models.PricingRule
	Credits           map[models.CreditType]models.CreditRule
	ChargeableCredits map[string]models.CreditType
}

var maxGross = decimal.NewFromInt(math.MaxInt64)

// PricingService prices chargeables and applies credit blocks of eligible users.
type PricingService struct {
	cfg      PricingConfig
	balances BalanceReader
}

// NewPricingService builds calculator.
func NewPricingService(cfg PricingConfig, balances BalanceReader) *PricingService {
	return &PricingService{cfg: cfg, balances: balances}
}

// CalculatePrice prices c for user, or for c's billable user when user is nil.
func (s *PricingService) CalculatePrice(ctx context.Context, c Chargeable, user User) (*models.PriceResult, error) {
	if user == nil {
		user = c.BillableUser()
	}
	result, err := s.gross(c)
	if err != nil {
		return nil, err
	}
	result.CreditsEligible = user != nil && user.IsSustainingMember()

	if result.CreditsEligible && result.Gross > 0 {
		if err := s.applyCredits(ctx, c.ChargeableType(), user.ID(), result); err != nil {
			return nil, err
		}
	}

	metrics.ObservePrice(c.ChargeableType(), result.TotalBlocksApplied() > 0)
	return result, nil
}

// CalculateWithoutCredits prices c as if no credits were available.
func (s *PricingService) CalculateWithoutCredits(c Chargeable) (*models.PriceResult, error) {
	result, err := s.gross(c)
	if err != nil {
		return nil, err
	}
	if user := c.BillableUser(); user != nil {
		result.CreditsEligible = user.IsSustainingMember()
	}
	return result, nil
}

func (s *PricingService) gross(c Chargeable) (*models.PriceResult, error) {
	rule, ok := s.cfg.Rates[c.ChargeableType()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoPricingConfigured, c.ChargeableType())
	}

	units := c.BillableUnits()
	if math.IsNaN(units) || math.IsInf(units, 0) || units < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUnits, units)
	}

	// Rounded once, half up.
	gross := decimal.NewFromFloat(units).Mul(decimal.NewFromInt(rule.Rate)).Round(0)
	if gross.GreaterThan(maxGross) {
		return nil, fmt.Errorf("%w: %v %s at rate %d exceeds the largest price", ErrInvalidUnits, units, rule.Unit, rule.Rate)
	}

	return &models.PriceResult{
		Gross:          gross.IntPart(),
		Net:            gross.IntPart(),
		CreditsApplied: map[models.CreditType]int64{},
		Rate:           rule.Rate,
		Unit:           rule.Unit,
		BillableUnits:  units,
	}, nil
}

func (s *PricingService) applyCredits(ctx context.Context, chargeableType string, userID int64, result *models.PriceResult) error {
	creditType, ok := s.cfg.ChargeableCredits[chargeableType]
	if !ok {
		return nil
	}
	rule, ok := s.cfg.Credits[creditType]
	if !ok || rule.ValuePerBlock <= 0 {
		return nil
	}

	available, err := s.balances.GetBalance(ctx, userID, creditType)
	if err != nil {
		return fmt.Errorf("credits: read %s balance: %w", creditType, err)
	}

	applied, credit := blocksFor(result.Gross, rule.ValuePerBlock, available)
	if applied > 0 {
		result.CreditsApplied[creditType] = applied
		result.MinutesCovered = applied * rule.MinutesPerBlock
	}
	result.Net = max(0, result.Gross-credit)
	return nil
}

// blocksFor returns the blocks to consume and the credit value they cover. A partly used last
// block is consumed whole, while the value is capped at gross.
func blocksFor(gross, valuePerBlock, available int64) (int64, int64) {
	needed := gross / valuePerBlock
	if gross%valuePerBlock != 0 {
		needed++
	}
	applied := min(max(available, 0), needed)
	if applied == needed {
		return applied, gross
	}
	return applied, applied * valuePerBlock
}
