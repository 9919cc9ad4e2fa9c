package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"communityhub/backend/services/credits-service/internal/metrics"
	"communityhub/backend/services/credits-service/internal/models"
	"communityhub/backend/services/credits-service/internal/repository"
)

// BalanceCache is an optional non-authoritative balance cache. Get reports a miss with
// redis.Nil and the entry generation; Set must not store a balance once the entry was
// invalidated after that generation was read.
type BalanceCache interface {
	Get(ctx context.Context, userID int64, creditType models.CreditType) (int64, int64, error)
	Set(ctx context.Context, userID int64, creditType models.CreditType, balance, gen int64) (bool, error)
	Invalidate(ctx context.Context, userID int64, creditType models.CreditType) error
}

// CreditService implements the add/deduct primitives of the ledger.
type CreditService struct {
	repo   *repository.LedgerRepository
	cache  BalanceCache
	logger *zap.Logger
	now    func() time.Time
}

// NewCreditService builds service. cache may be nil.
func NewCreditService(repo *repository.LedgerRepository, cache BalanceCache, logger *zap.Logger) *CreditService {
	return &CreditService{
		repo:   repo,
		cache:  cache,
		logger: logger,
		now:    defaultClock,
	}
}

func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// AddInput describes a credit grant.
type AddInput struct {
	UserID      int64
	Amount      int64
	CreditType  models.CreditType
	Source      models.Source
	SourceID    *string
	Description string
	ExpiresAt   *time.Time
}

// DeductInput describes a credit consumption.
type DeductInput struct {
	UserID      int64
	Amount      int64
	CreditType  models.CreditType
	Source      models.Source
	SourceID    *string
	Description string
}

// AdjustInput is a signed administrator correction.
type AdjustInput struct {
	UserID      int64
	Amount      int64
	CreditType  models.CreditType
	Description string
}

func validateEntry(userID, amount int64, creditType models.CreditType, source models.Source) error {
	if userID <= 0 {
		return ErrInvalidUser
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !creditType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
	if !source.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return nil
}

// Add grants credits and records the transaction atomically.
func (s *CreditService) Add(ctx context.Context, in AddInput) (*models.Transaction, error) {
	if err := validateEntry(in.UserID, in.Amount, in.CreditType, in.Source); err != nil {
		return nil, err
	}

	now := s.now()
	var entry *models.Transaction
	err := s.repo.InTx(ctx, func(tx *repository.LedgerTx) error {
		var err error
		entry, err = s.applyDelta(ctx, tx, ledgerChange{
			UserID:      in.UserID,
			CreditType:  in.CreditType,
			Delta:       in.Amount,
			Source:      in.Source,
			SourceID:    in.SourceID,
			Description: in.Description,
			ExpiresAt:   in.ExpiresAt,
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, "add", entry)
	return entry, nil
}

// Deduct consumes credits. It fails with ErrInsufficientCredits, leaving the balance
// untouched, when the balance is lower than the amount.
func (s *CreditService) Deduct(ctx context.Context, in DeductInput) (*models.Transaction, error) {
	if err := validateEntry(in.UserID, in.Amount, in.CreditType, in.Source); err != nil {
		return nil, err
	}

	now := s.now()
	var entry *models.Transaction
	err := s.repo.InTx(ctx, func(tx *repository.LedgerTx) error {
		var err error
		entry, err = s.applyDelta(ctx, tx, ledgerChange{
			UserID:      in.UserID,
			CreditType:  in.CreditType,
			Delta:       -in.Amount,
			Source:      in.Source,
			SourceID:    in.SourceID,
			Description: in.Description,
		}, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.InsufficientCredits.WithLabelValues(string(in.CreditType)).Inc()
		}
		return nil, err
	}

	s.committed(ctx, "deduct", entry)
	return entry, nil
}

// Refund returns credits consumed by a charge.
func (s *CreditService) Refund(ctx context.Context, userID int64, creditType models.CreditType, amount int64, chargeID string) (*models.Transaction, error) {
	return s.Add(ctx, AddInput{
		UserID:      userID,
		Amount:      amount,
		CreditType:  creditType,
		Source:      models.SourceChargeCancellation,
		SourceID:    &chargeID,
		Description: "refund for cancelled charge",
	})
}

// Adjust applies an administrator correction; positive amounts add, negative deduct.
func (s *CreditService) Adjust(ctx context.Context, in AdjustInput) (*models.Transaction, error) {
	if in.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if in.Amount > 0 {
		return s.Add(ctx, AddInput{
			UserID:      in.UserID,
			Amount:      in.Amount,
			CreditType:  in.CreditType,
			Source:      models.SourceAdminAdjustment,
			Description: in.Description,
		})
	}
	return s.Deduct(ctx, DeductInput{
		UserID:      in.UserID,
		Amount:      -in.Amount,
		CreditType:  in.CreditType,
		Source:      models.SourceAdminAdjustment,
		Description: in.Description,
	})
}

// GetBalance returns the current balance, 0 for a user that never held the credit type.
// The cache is consulted first; storage is the fallback and the source of truth.
func (s *CreditService) GetBalance(ctx context.Context, userID int64, creditType models.CreditType) (int64, error) {
	if !creditType.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}

	fill := false
	var gen int64
	if s.cache != nil {
		balance, g, err := s.cache.Get(ctx, userID, creditType)
		if err == nil {
			return balance, nil
		}
		if errors.Is(err, redis.Nil) {
			fill, gen = true, g
		} else {
			s.logger.Warn("balance cache read failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	balance, err := s.repo.GetBalance(ctx, userID, creditType)
	if err != nil {
		return 0, err
	}

	if fill {
		if _, err := s.cache.Set(ctx, userID, creditType, balance, gen); err != nil {
			s.logger.Warn("balance cache write failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return balance, nil
}

// Balances returns the balance of every known credit type, zero-filled.
func (s *CreditService) Balances(ctx context.Context, userID int64) ([]models.Balance, error) {
	stored, err := s.repo.ListBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	byType := make(map[models.CreditType]models.Balance, len(stored))
	for _, b := range stored {
		byType[b.CreditType] = b
	}

	balances := make([]models.Balance, 0, len(models.CreditTypes))
	for _, ct := range models.CreditTypes {
		b, ok := byType[ct]
		if !ok {
			b = models.Balance{UserID: userID, CreditType: ct}
		}
		balances = append(balances, b)
	}
	return balances, nil
}

// History lists ledger transactions, newest first.
func (s *CreditService) History(ctx context.Context, filter repository.TransactionFilter) ([]models.Transaction, error) {
	if filter.CreditType != "" && !filter.CreditType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCreditType, filter.CreditType)
	}
	return s.repo.ListTransactions(ctx, filter)
}

// VerifyBalance checks that the transaction log adds up to the stored balance.
func (s *CreditService) VerifyBalance(ctx context.Context, userID int64, creditType models.CreditType) error {
	balance, err := s.repo.GetBalance(ctx, userID, creditType)
	if err != nil {
		return err
	}
	sum, err := s.repo.SumTransactions(ctx, userID, creditType)
	if err != nil {
		return err
	}
	if sum != balance {
		return fmt.Errorf("%w: user %d %s balance %d, transactions %d", ErrLedgerMismatch, userID, creditType, balance, sum)
	}
	return nil
}

// ledgerChange is one signed balance change inside an open transaction.
type ledgerChange struct {
	UserID      int64
	CreditType  models.CreditType
	Delta       int64
	Source      models.Source
	SourceID    *string
	Description string
	ExpiresAt   *time.Time
}

// applyDelta locks the balance row, validates, writes the new balance and appends the
// transaction. It must run inside tx; the caller owns commit and cache invalidation.
func (s *CreditService) applyDelta(ctx context.Context, tx *repository.LedgerTx, change ledgerChange, now time.Time) (*models.Transaction, error) {
	balance, err := tx.LockBalance(ctx, change.UserID, change.CreditType, now)
	if err != nil {
		return nil, fmt.Errorf("credits: lock balance: %w", err)
	}

	next := balance + change.Delta
	if next < 0 {
		return nil, fmt.Errorf("%w: %s balance %d, requested %d", ErrInsufficientCredits, change.CreditType, balance, -change.Delta)
	}

	if err := tx.UpdateBalance(ctx, change.UserID, change.CreditType, next, now); err != nil {
		return nil, fmt.Errorf("credits: update balance: %w", err)
	}

	entry := &models.Transaction{
		UserID:       change.UserID,
		CreditType:   change.CreditType,
		Amount:       change.Delta,
		BalanceAfter: next,
		Source:       change.Source,
		SourceID:     change.SourceID,
		Description:  change.Description,
		ExpiresAt:    change.ExpiresAt,
		CreatedAt:    now,
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return nil, fmt.Errorf("credits: insert transaction: %w", err)
	}
	return entry, nil
}

// chargePlan decides, inside the transaction, the signed change per credit type of a charge.
type chargePlan func(ctx context.Context, tx *repository.LedgerTx) (map[models.CreditType]int64, error)

// applyChargeGroup writes the changes of one charge in a single transaction, all sharing the
// source and source id. Balance rows are locked in credit type order.
func (s *CreditService) applyChargeGroup(
	ctx context.Context,
	userID int64,
	source models.Source,
	sourceID string,
	description string,
	plan chargePlan,
) ([]models.Transaction, error) {
	now := s.now()
	var entries []models.Transaction
	err := s.repo.InTx(ctx, func(tx *repository.LedgerTx) error {
		if err := lockUserBalances(ctx, tx, userID, now); err != nil {
			return err
		}
		deltas, err := plan(ctx, tx)
		if err != nil {
			return err
		}

		types := make([]models.CreditType, 0, len(deltas))
		for ct, delta := range deltas {
			if delta != 0 {
				types = append(types, ct)
			}
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

		entries = entries[:0]
		for _, ct := range types {
			id := sourceID
			entry, err := s.applyDelta(ctx, tx, ledgerChange{
				UserID:      userID,
				CreditType:  ct,
				Delta:       deltas[ct],
				Source:      source,
				SourceID:    &id,
				Description: description,
			}, now)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range entries {
		op := "add"
		if entries[i].Amount < 0 {
			op = "deduct"
		}
		s.committed(ctx, op, &entries[i])
	}
	return entries, nil
}

// lockUserBalances locks every balance row of a user in credit type order. Holding them
// serializes charge groups of the same user, so a duplicate check made by the plan sees
// the entries of any group that committed first.
func lockUserBalances(ctx context.Context, tx *repository.LedgerTx, userID int64, now time.Time) error {
	types := append([]models.CreditType(nil), models.CreditTypes...)
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, ct := range types {
		if _, err := tx.LockBalance(ctx, userID, ct, now); err != nil {
			return fmt.Errorf("credits: lock balance: %w", err)
		}
	}
	return nil
}

// committed runs after a successful commit.
func (s *CreditService) committed(ctx context.Context, op string, entry *models.Transaction) {
	s.invalidate(ctx, entry.UserID, entry.CreditType)
	metrics.LedgerOperations.WithLabelValues(op, string(entry.CreditType), string(entry.Source)).Inc()
	s.logger.Debug("credit ledger updated",
		zap.String("op", op),
		zap.Int64("user_id", entry.UserID),
		zap.String("credit_type", string(entry.CreditType)),
		zap.Int64("amount", entry.Amount),
		zap.Int64("balance_after", entry.BalanceAfter),
		zap.String("source", string(entry.Source)),
	)
}

func (s *CreditService) invalidate(ctx context.Context, userID int64, creditType models.CreditType) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID, creditType); err != nil {
		s.logger.Warn("balance cache invalidation failed",
			zap.Int64("user_id", userID),
			zap.String("credit_type", string(creditType)),
			zap.Error(err),
		)
	}
}
