package service

import "errors"

var (
	// ErrInsufficientCredits is returned when a deduction exceeds the available balance.
	// It is a business outcome: callers fall back to requiring payment.
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	// ErrNoPricingConfigured is returned when a chargeable type has no rate.
	ErrNoPricingConfigured = errors.New("credits: no pricing configured")
	// ErrAllocationItemFailed wraps the failure of one schedule inside a batch run.
	ErrAllocationItemFailed = errors.New("credits: allocation item failed")
	// ErrLedgerMismatch means the transaction log does not add up to the stored balance.
	ErrLedgerMismatch = errors.New("credits: ledger does not match balance")

	ErrInvalidAmount       = errors.New("credits: amount must be positive")
	ErrInvalidUnits        = errors.New("credits: billable units must be a non-negative number")
	ErrUnknownCreditType   = errors.New("credits: unknown credit type")
	ErrUnknownSource       = errors.New("credits: unknown source")
	ErrInvalidFrequency    = errors.New("credits: unknown allocation frequency")
	ErrNoCreditPolicy      = errors.New("credits: credit type has no allocation policy")
	ErrInvalidUser         = errors.New("credits: user id required")
	ErrChargeIDRequired    = errors.New("credits: charge id required")
	ErrChargeAlreadyPaid   = errors.New("credits: charge already settled")
	ErrChargeNotFound      = errors.New("credits: no credit usage recorded for charge")
	ErrChargeAlreadyRefund = errors.New("credits: charge already refunded")
)

// IsValidation reports whether err is caused by bad input rather than a system fault.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidUnits) ||
		errors.Is(err, ErrUnknownCreditType) ||
		errors.Is(err, ErrUnknownSource) ||
		errors.Is(err, ErrInvalidFrequency) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrChargeIDRequired)
}
