package models

// AllocationPolicy decides how a scheduled allocation treats leftover balance.
type AllocationPolicy string

const (
	// PolicyReset sets the balance to exactly the allocated amount each period.
	PolicyReset AllocationPolicy = "reset"
	// PolicyRollover adds the allocated amount on top of the leftover balance.
	PolicyRollover AllocationPolicy = "rollover"
)

// Valid reports whether p is a known policy.
func (p AllocationPolicy) Valid() bool {
	return p == PolicyReset || p == PolicyRollover
}

// PricingRule is the rate for one chargeable type.
type PricingRule struct {
	Rate int64  `yaml:"rate" json:"rate"` // minor currency units per unit
	Unit string `yaml:"unit" json:"unit"`
}

// CreditRule describes one credit type.
type CreditRule struct {
	ValuePerBlock   int64            `yaml:"valuePerBlock" json:"value_per_block"`
	MinutesPerBlock int64            `yaml:"minutesPerBlock" json:"minutes_per_block"`
	Policy          AllocationPolicy `yaml:"policy" json:"policy"`
	MaxBalance      int64            `yaml:"maxBalance" json:"max_balance"` // rollover cap, 0 = none
}

// PriceResult is the outcome of pricing a chargeable. It is never persisted.
type PriceResult struct {
	Gross           int64                `json:"gross"`
	Net             int64                `json:"net"`
	CreditsApplied  map[CreditType]int64 `json:"credits_applied"`
	CreditsEligible bool                 `json:"credits_eligible"`
	MinutesCovered  int64                `json:"minutes_covered"` // applied blocks times minutesPerBlock
	Rate            int64                `json:"rate"`
	Unit            string               `json:"unit"`
	BillableUnits   float64              `json:"billable_units"`
}

// Savings is the amount covered by credits.
func (r PriceResult) Savings() int64 {
	return r.Gross - r.Net
}

// RequiresPayment reports whether anything is left to pay.
func (r PriceResult) RequiresPayment() bool {
	return r.Net > 0
}

// TotalBlocksApplied sums applied blocks across credit types.
func (r PriceResult) TotalBlocksApplied() int64 {
	var total int64
	for _, blocks := range r.CreditsApplied {
		total += blocks
	}
	return total
}
