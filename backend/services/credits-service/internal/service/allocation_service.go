package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"communityhub/backend/services/credits-service/internal/metrics"
	"communityhub/backend/services/credits-service/internal/models"
	"communityhub/backend/services/credits-service/internal/repository"
)

const defaultItemTimeout = 10 * time.Second

// ItemStatus is the outcome of one schedule inside a batch run.
type ItemStatus string

const (
	ItemOK      ItemStatus = "ok"
	ItemSkipped ItemStatus = "skipped"
	ItemFailed  ItemStatus = "failed"
	ItemDryRun  ItemStatus = "dry_run"
)

// AllocationService grants scheduled credits following the per credit type policy.
type AllocationService struct {
	credits *CreditService
	repo    *repository.LedgerRepository
	rules   map[models.CreditType]models.CreditRule
	logger  *zap.Logger
	now     func() time.Time
}

// NewAllocationService builds service.
func NewAllocationService(credits *CreditService, rules map[models.CreditType]models.CreditRule, logger *zap.Logger) *AllocationService {
	return &AllocationService{
		credits: credits,
		repo:    credits.repo,
		rules:   rules,
		logger:  logger,
		now:     defaultClock,
	}
}

// AllocateInput configures the allocation of one (user, credit type).
type AllocateInput struct {
	UserID     int64
	CreditType models.CreditType
	Amount     int64
	Frequency  models.Frequency
}

// AllocationResult describes what an allocation changed.
type AllocationResult struct {
	Schedule    models.AllocationSchedule `json:"schedule"`
	Delta       int64                     `json:"delta"`
	Balance     int64                     `json:"balance"`
	NewPeriod   bool                      `json:"new_period"`
	Transaction *models.Transaction       `json:"transaction,omitempty"`
}

// Allocate stores the schedule of a user and applies it right away. Inside the current
// period only the difference to what was already allocated for the period is applied.
func (s *AllocationService) Allocate(ctx context.Context, in AllocateInput) (*AllocationResult, error) {
	if in.UserID <= 0 {
		return nil, ErrInvalidUser
	}
	if in.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	if !in.Frequency.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFrequency, in.Frequency)
	}
	rule, err := s.rule(in.CreditType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var result *AllocationResult
	err = s.repo.InTx(ctx, func(tx *repository.LedgerTx) error {
		// The balance row always exists once locked, unlike the schedule row.
		if _, err := tx.LockBalance(ctx, in.UserID, in.CreditType, now); err != nil {
			return fmt.Errorf("credits: lock balance: %w", err)
		}
		schedule, err := tx.LockSchedule(ctx, in.UserID, in.CreditType)
		if err != nil && !errors.Is(err, repository.ErrScheduleNotFound) {
			return err
		}
		if schedule == nil {
			schedule = &models.AllocationSchedule{UserID: in.UserID, CreditType: in.CreditType}
		}
		schedule.Amount = in.Amount
		schedule.Frequency = in.Frequency
		schedule.IsActive = true

		result, err = s.allocate(ctx, tx, rule, schedule, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.finished(ctx, result)
	s.logger.Info("credits allocated",
		zap.Int64("user_id", in.UserID),
		zap.String("credit_type", string(in.CreditType)),
		zap.Int64("amount", in.Amount),
		zap.Int64("delta", result.Delta),
		zap.Bool("new_period", result.NewPeriod),
	)
	return result, nil
}

// DeactivateSchedule stops future allocations of a (user, credit type).
func (s *AllocationService) DeactivateSchedule(ctx context.Context, userID int64, creditType models.CreditType) error {
	if !creditType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
	return s.repo.SetScheduleActive(ctx, userID, creditType, false, s.now())
}

// RunOptions controls a batch run.
type RunOptions struct {
	Now         time.Time
	DryRun      bool
	ItemTimeout time.Duration
	Limit       int
}

// ItemReport is the outcome of one schedule.
type ItemReport struct {
	ScheduleID int64             `json:"schedule_id"`
	UserID     int64             `json:"user_id"`
	CreditType models.CreditType `json:"credit_type"`
	Status     ItemStatus        `json:"status"`
	Delta      int64             `json:"delta"`
	Balance    int64             `json:"balance"`
	Err        error             `json:"-"`
}

// RunReport summarizes a batch run.
type RunReport struct {
	RunID     string       `json:"run_id"`
	StartedAt time.Time    `json:"started_at"`
	DryRun    bool         `json:"dry_run"`
	Items     []ItemReport `json:"items"`
	Processed int          `json:"processed"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
}

// Err joins the errors of every failed item, nil when none failed.
func (r *RunReport) Err() error {
	var errs []error
	for _, item := range r.Items {
		if item.Err != nil {
			errs = append(errs, item.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *RunReport) add(item ItemReport) {
	r.Items = append(r.Items, item)
	r.Processed++
	switch item.Status {
	case ItemFailed:
		r.Failed++
	case ItemSkipped:
		r.Skipped++
	default:
		r.Succeeded++
	}
}

// RunDue processes every active schedule that is due at opts.Now. Each schedule runs in its
// own transaction under its own timeout; a failed schedule is reported and the batch goes on.
// The returned error is only set when the batch itself could not run.
func (s *AllocationService) RunDue(ctx context.Context, opts RunOptions) (*RunReport, error) {
	now := opts.Now
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()
	timeout := opts.ItemTimeout
	if timeout <= 0 {
		timeout = defaultItemTimeout
	}

	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: now,
		DryRun:    opts.DryRun,
	}
	logger := s.logger.With(zap.String("run_id", report.RunID), zap.Bool("dry_run", opts.DryRun))

	schedules, err := s.repo.ListDueSchedules(ctx, now, opts.Limit)
	if err != nil {
		return report, fmt.Errorf("credits: list due schedules: %w", err)
	}
	logger.Info("allocation run started", zap.Int("due", len(schedules)))

	for i := range schedules {
		if err := ctx.Err(); err != nil {
			logger.Warn("allocation run interrupted", zap.Int("remaining", len(schedules)-i), zap.Error(err))
			return report, err
		}

		item := s.runItem(ctx, &schedules[i], now, opts.DryRun, timeout)
		report.add(item)
		metrics.Allocations.WithLabelValues(string(item.CreditType), string(item.Status)).Inc()

		if item.Err != nil {
			logger.Error("allocation failed",
				zap.Int64("schedule_id", item.ScheduleID),
				zap.Int64("user_id", item.UserID),
				zap.String("credit_type", string(item.CreditType)),
				zap.Error(item.Err),
			)
		}
	}

	logger.Info("allocation run finished",
		zap.Int("processed", report.Processed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (s *AllocationService) runItem(ctx context.Context, due *models.AllocationSchedule, now time.Time, dryRun bool, timeout time.Duration) ItemReport {
	item := ItemReport{
		ScheduleID: due.ID,
		UserID:     due.UserID,
		CreditType: due.CreditType,
	}

	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result *AllocationResult
		err    error
	)
	if dryRun {
		result, err = s.preview(itemCtx, due, now)
	} else {
		result, err = s.allocateDue(itemCtx, due, now)
	}
	if err != nil {
		item.Status = ItemFailed
		item.Err = fmt.Errorf("%w: schedule %d: %w", ErrAllocationItemFailed, due.ID, err)
		return item
	}
	if result == nil {
		item.Status = ItemSkipped
		return item
	}

	item.Delta = result.Delta
	item.Balance = result.Balance
	item.Status = ItemOK
	if dryRun {
		item.Status = ItemDryRun
	} else {
		s.finished(ctx, result)
	}
	return item
}

// allocateDue re-reads the schedule under lock and allocates a new period. It returns nil when
// the schedule stopped being due since it was listed.
func (s *AllocationService) allocateDue(ctx context.Context, due *models.AllocationSchedule, now time.Time) (*AllocationResult, error) {
	rule, err := s.rule(due.CreditType)
	if err != nil {
		return nil, err
	}

	var result *AllocationResult
	err = s.repo.InTx(ctx, func(tx *repository.LedgerTx) error {
		if _, err := tx.LockBalance(ctx, due.UserID, due.CreditType, now); err != nil {
			return fmt.Errorf("credits: lock balance: %w", err)
		}
		schedule, err := tx.LockSchedule(ctx, due.UserID, due.CreditType)
		if err != nil {
			return err
		}
		if !isDue(schedule, now) {
			return nil
		}
		result, err = s.allocate(ctx, tx, rule, schedule, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AllocationService) preview(ctx context.Context, due *models.AllocationSchedule, now time.Time) (*AllocationResult, error) {
	rule, err := s.rule(due.CreditType)
	if err != nil {
		return nil, err
	}
	if !isDue(due, now) {
		return nil, nil
	}
	balance, err := s.repo.GetBalance(ctx, due.UserID, due.CreditType)
	if err != nil {
		return nil, err
	}
	delta, newPeriod := planAllocation(rule, due, balance, now)
	return &AllocationResult{
		Schedule:  *due,
		Delta:     delta,
		Balance:   balance + delta,
		NewPeriod: newPeriod,
	}, nil
}

// allocate applies schedule.Amount under rule and saves the schedule. Runs inside tx.
func (s *AllocationService) allocate(
	ctx context.Context,
	tx *repository.LedgerTx,
	rule models.CreditRule,
	schedule *models.AllocationSchedule,
	now time.Time,
) (*AllocationResult, error) {
	balance, err := tx.LockBalance(ctx, schedule.UserID, schedule.CreditType, now)
	if err != nil {
		return nil, fmt.Errorf("credits: lock balance: %w", err)
	}

	delta, newPeriod := planAllocation(rule, schedule, balance, now)
	result := &AllocationResult{Delta: delta, Balance: balance, NewPeriod: newPeriod}

	if delta != 0 {
		entry, err := s.credits.applyDelta(ctx, tx, ledgerChange{
			UserID:      schedule.UserID,
			CreditType:  schedule.CreditType,
			Delta:       delta,
			Source:      models.SourceMonthlyAllocation,
			Description: allocationDescription(rule.Policy, schedule, newPeriod),
		}, now)
		if err != nil {
			return nil, err
		}
		result.Transaction = entry
		result.Balance = entry.BalanceAfter
	}

	if newPeriod {
		schedule.PeriodStartedAt = &now
		schedule.PeriodAmount = schedule.Amount
		schedule.NextAllocationAt = schedule.Frequency.NextAfter(now)
	} else if rule.Policy == models.PolicyReset || schedule.Amount > schedule.PeriodAmount {
		schedule.PeriodAmount = schedule.Amount
	}
	schedule.LastAllocatedAt = &now
	schedule.UpdatedAt = now
	if err := tx.SaveSchedule(ctx, schedule); err != nil {
		return nil, fmt.Errorf("credits: save schedule: %w", err)
	}

	result.Schedule = *schedule
	return result, nil
}

// planAllocation computes the signed balance change for schedule.Amount and whether a new
// period starts.
func planAllocation(rule models.CreditRule, schedule *models.AllocationSchedule, balance int64, now time.Time) (int64, bool) {
	newPeriod := !schedule.InPeriod(now)

	var delta int64
	switch rule.Policy {
	case models.PolicyReset:
		if newPeriod {
			delta = schedule.Amount - balance
		} else {
			delta = schedule.Amount - schedule.PeriodAmount
		}
		if balance+delta < 0 {
			delta = -balance
		}
	case models.PolicyRollover:
		if newPeriod {
			delta = schedule.Amount
		} else {
			delta = max(0, schedule.Amount-schedule.PeriodAmount)
		}
		if rule.MaxBalance > 0 && balance+delta > rule.MaxBalance {
			delta = max(0, rule.MaxBalance-balance)
		}
	}
	return delta, newPeriod
}

func isDue(schedule *models.AllocationSchedule, now time.Time) bool {
	return schedule.IsActive && schedule.NextAllocationAt != nil && !schedule.NextAllocationAt.After(now)
}

func allocationDescription(policy models.AllocationPolicy, schedule *models.AllocationSchedule, newPeriod bool) string {
	if newPeriod {
		return fmt.Sprintf("%s %s allocation of %d", schedule.Frequency, policy, schedule.Amount)
	}
	return fmt.Sprintf("allocation changed to %d for current period", schedule.Amount)
}

func (s *AllocationService) rule(creditType models.CreditType) (models.CreditRule, error) {
	if !creditType.Valid() {
		return models.CreditRule{}, fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
	rule, ok := s.rules[creditType]
	if !ok || !rule.Policy.Valid() {
		return models.CreditRule{}, fmt.Errorf("%w: %s", ErrNoCreditPolicy, creditType)
	}
	return rule, nil
}

func (s *AllocationService) finished(ctx context.Context, result *AllocationResult) {
	if result == nil || result.Transaction == nil {
		return
	}
	s.credits.committed(ctx, "allocate", result.Transaction)
}
