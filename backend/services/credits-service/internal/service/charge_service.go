package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"communityhub/backend/services/credits-service/internal/metrics"
	"communityhub/backend/services/credits-service/internal/models"
	"communityhub/backend/services/credits-service/internal/repository"
)

// ChargeService settles charges against credit balances.
type ChargeService struct {
	pricing *PricingService
	credits *CreditService
	logger  *zap.Logger
}

// NewChargeService builds service.
func NewChargeService(pricing *PricingService, credits *CreditService, logger *zap.Logger) *ChargeService {
	return &ChargeService{pricing: pricing, credits: credits, logger: logger}
}

// ChargeOutcome is the settled price and the ledger entries written for it.
type ChargeOutcome struct {
	ChargeID     string               `json:"charge_id"`
	Price        *models.PriceResult  `json:"price"`
	Transactions []models.Transaction `json:"transactions"`
	FellBack     bool                 `json:"fell_back"`
}

// Settle prices c and consumes the applied credit blocks with source charge_usage. When the
// balance no longer covers the quote the charge is priced again without credits.
func (s *ChargeService) Settle(ctx context.Context, c Chargeable, chargeID string) (*ChargeOutcome, error) {
	chargeID = strings.TrimSpace(chargeID)
	if chargeID == "" {
		return nil, ErrChargeIDRequired
	}
	user := c.BillableUser()
	if user == nil || user.ID() <= 0 {
		return nil, ErrInvalidUser
	}

	price, err := s.pricing.CalculatePrice(ctx, c, user)
	if err != nil {
		return nil, err
	}
	outcome := &ChargeOutcome{ChargeID: chargeID, Price: price}
	if price.TotalBlocksApplied() == 0 {
		return outcome, nil
	}

	entries, err := s.credits.applyChargeGroup(ctx, user.ID(), models.SourceChargeUsage, chargeID, "credits used for "+c.ChargeableType(),
		func(ctx context.Context, tx *repository.LedgerTx) (map[models.CreditType]int64, error) {
			settled, err := tx.ListTransactions(ctx, repository.TransactionFilter{
				UserID:   user.ID(),
				Source:   models.SourceChargeUsage,
				SourceID: chargeID,
				Limit:    1,
			})
			if err != nil {
				return nil, err
			}
			if len(settled) > 0 {
				return nil, ErrChargeAlreadyPaid
			}

			deltas := make(map[models.CreditType]int64, len(price.CreditsApplied))
			for ct, blocks := range price.CreditsApplied {
				deltas[ct] = -blocks
			}
			return deltas, nil
		})
	if errors.Is(err, ErrInsufficientCredits) {
		for ct := range price.CreditsApplied {
			metrics.InsufficientCredits.WithLabelValues(string(ct)).Inc()
		}
		s.logger.Info("credits changed since quote, charge requires payment",
			zap.Int64("user_id", user.ID()),
			zap.String("charge_id", chargeID),
			zap.Error(err),
		)
		full, err := s.pricing.CalculateWithoutCredits(c)
		if err != nil {
			return nil, err
		}
		outcome.Price = full
		outcome.FellBack = true
		return outcome, nil
	}
	if err != nil {
		return nil, err
	}

	outcome.Transactions = entries
	return outcome, nil
}

// Cancel gives back every block a charge consumed, with source charge_cancellation.
func (s *ChargeService) Cancel(ctx context.Context, userID int64, chargeID string) ([]models.Transaction, error) {
	chargeID = strings.TrimSpace(chargeID)
	if chargeID == "" {
		return nil, ErrChargeIDRequired
	}
	if userID <= 0 {
		return nil, ErrInvalidUser
	}

	entries, err := s.credits.applyChargeGroup(ctx, userID, models.SourceChargeCancellation, chargeID, "refund for cancelled charge",
		func(ctx context.Context, tx *repository.LedgerTx) (map[models.CreditType]int64, error) {
			refunded, err := tx.ListTransactions(ctx, repository.TransactionFilter{
				UserID:   userID,
				Source:   models.SourceChargeCancellation,
				SourceID: chargeID,
				Limit:    1,
			})
			if err != nil {
				return nil, err
			}
			if len(refunded) > 0 {
				return nil, ErrChargeAlreadyRefund
			}

			used, err := tx.ListTransactions(ctx, repository.TransactionFilter{
				UserID:   userID,
				Source:   models.SourceChargeUsage,
				SourceID: chargeID,
				Limit:    len(models.CreditTypes) * 4,
			})
			if err != nil {
				return nil, err
			}
			if len(used) == 0 {
				return nil, ErrChargeNotFound
			}

			deltas := make(map[models.CreditType]int64, len(used))
			for _, t := range used {
				deltas[t.CreditType] -= t.Amount
			}
			return deltas, nil
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info("charge credits refunded",
		zap.Int64("user_id", userID),
		zap.String("charge_id", chargeID),
		zap.Int("entries", len(entries)),
	)
	return entries, nil
}
