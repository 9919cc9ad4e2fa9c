package models

import (
	"fmt"
	"time"
)

// CreditType identifies a kind of credit a member can hold.
type CreditType string

const (
	// CreditFreeHours are free practice-space blocks for sustaining members.
	CreditFreeHours CreditType = "free_hours"
	// CreditEquipment are equipment lending credits.
	CreditEquipment CreditType = "equipment_credits"
)

// CreditTypes lists every known credit type.
var CreditTypes = []CreditType{CreditFreeHours, CreditEquipment}

// Valid reports whether t is a known credit type.
func (t CreditType) Valid() bool {
	switch t {
	case CreditFreeHours, CreditEquipment:
		return true
	}
	return false
}

// ParseCreditType converts a raw tag into a CreditType.
func ParseCreditType(raw string) (CreditType, error) {
	t := CreditType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown credit type %q", raw)
	}
	return t, nil
}

// Source tags why a ledger transaction happened.
type Source string

const (
	SourcePromoCode          Source = "promo_code"
	SourceChargeUsage        Source = "charge_usage"
	SourceChargeCancellation Source = "charge_cancellation"
	SourceAdminAdjustment    Source = "admin_adjustment"
	SourceMonthlyAllocation  Source = "monthly_allocation"
)

// Valid reports whether s is a known source tag.
func (s Source) Valid() bool {
	switch s {
	case SourcePromoCode, SourceChargeUsage, SourceChargeCancellation, SourceAdminAdjustment, SourceMonthlyAllocation:
		return true
	}
	return false
}

// Frequency controls how often an allocation schedule fires.
type Frequency string

const (
	FrequencyMonthly Frequency = "monthly"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyOneTime Frequency = "one_time"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyWeekly, FrequencyOneTime:
		return true
	}
	return false
}

// NextAfter returns when a schedule allocated at t fires next.
// One-time schedules never fire again and return nil.
func (f Frequency) NextAfter(t time.Time) *time.Time {
	t = t.UTC()
	var next time.Time
	switch f {
	case FrequencyMonthly:
		next = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	case FrequencyWeekly:
		next = t.AddDate(0, 0, 7)
	default:
		return nil
	}
	return &next
}

// Balance is the current credit balance of a user for one credit type.
type Balance struct {
	UserID     int64      `db:"user_id" json:"user_id"`
	CreditType CreditType `db:"credit_type" json:"credit_type"`
	Balance    int64      `db:"balance" json:"balance"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID           int64      `db:"id" json:"id"`
	UserID       int64      `db:"user_id" json:"user_id"`
	CreditType   CreditType `db:"credit_type" json:"credit_type"`
	Amount       int64      `db:"amount" json:"amount"`
	BalanceAfter int64      `db:"balance_after" json:"balance_after"`
	Source       Source     `db:"source" json:"source"`
	SourceID     *string    `db:"source_id" json:"source_id,omitempty"`
	Description  string     `db:"description" json:"description,omitempty"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// AllocationSchedule drives periodic grants of one credit type to one user.
type AllocationSchedule struct {
	ID               int64      `db:"id" json:"id"`
	UserID           int64      `db:"user_id" json:"user_id"`
	CreditType       CreditType `db:"credit_type" json:"credit_type"`
	Amount           int64      `db:"amount" json:"amount"`
	Frequency        Frequency  `db:"frequency" json:"frequency"`
	LastAllocatedAt  *time.Time `db:"last_allocated_at" json:"last_allocated_at,omitempty"`
	NextAllocationAt *time.Time `db:"next_allocation_at" json:"next_allocation_at,omitempty"`
	PeriodStartedAt  *time.Time `db:"period_started_at" json:"period_started_at,omitempty"`
	PeriodAmount     int64      `db:"period_amount" json:"period_amount"`
	IsActive         bool       `db:"is_active" json:"is_active"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// InPeriod reports whether now falls inside the period the schedule last opened.
func (s *AllocationSchedule) InPeriod(now time.Time) bool {
	if s == nil || s.PeriodStartedAt == nil {
		return false
	}
	if s.NextAllocationAt == nil {
		return true
	}
	return now.Before(*s.NextAllocationAt)
}
