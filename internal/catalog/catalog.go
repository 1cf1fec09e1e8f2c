package catalog

import "fmt"

// Tier represents the subscription tier a plan grants
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierCredits Tier = "super_user_credits"
)

// BillingPeriod represents how a plan bills
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
	PeriodTopup   BillingPeriod = "topup"
)

// PlanDefinition describes a purchasable plan
type PlanDefinition struct {
	ID               string
	Tier             Tier
	BillingPeriod    BillingPeriod
	AmountMinorUnits int64 // paise
	Currency         string
	DurationDays     int // time-based tiers only
	CreditGrant      int // topups only
}

// Plans maps each plan ID to its definition. The catalog is static
// configuration; paid plans are created once in the gateway dashboard and the
// IDs recorded here.
var Plans = map[string]PlanDefinition{
	"plan_premium_monthly": {
		ID:               "plan_premium_monthly",
		Tier:             TierPremium,
		BillingPeriod:    PeriodMonthly,
		AmountMinorUnits: 45100,
		Currency:         "INR",
		DurationDays:     30,
	},
	"plan_premium_yearly": {
		ID:               "plan_premium_yearly",
		Tier:             TierPremium,
		BillingPeriod:    PeriodYearly,
		AmountMinorUnits: 261100,
		Currency:         "INR",
		DurationDays:     365,
	},
	"plan_credits_10": {
		ID:               "plan_credits_10",
		Tier:             TierCredits,
		BillingPeriod:    PeriodTopup,
		AmountMinorUnits: 9900,
		Currency:         "INR",
		CreditGrant:      10,
	},
	"plan_credits_25": {
		ID:               "plan_credits_25",
		Tier:             TierCredits,
		BillingPeriod:    PeriodTopup,
		AmountMinorUnits: 19900,
		Currency:         "INR",
		CreditGrant:      25,
	},
	"plan_credits_60": {
		ID:               "plan_credits_60",
		Tier:             TierCredits,
		BillingPeriod:    PeriodTopup,
		AmountMinorUnits: 39900,
		Currency:         "INR",
		CreditGrant:      60,
	},
}

// ErrUnknownPlan is returned when neither the plan hint nor the amount
// identifies a plan.
var ErrUnknownPlan = fmt.Errorf("catalog: unknown plan")

// ByID returns the plan definition for a plan ID.
func ByID(id string) (PlanDefinition, error) {
	plan, ok := Plans[id]
	if !ok {
		return PlanDefinition{}, fmt.Errorf("%w: id %q", ErrUnknownPlan, id)
	}
	return plan, nil
}

// ByAmount resolves a plan from the charged amount and currency. Events from
// older checkout flows carry no plan hint, so the amount is the only signal
// left. Amounts are unique across the catalog; if that ever stops being true
// the resolution must move to plan hints only.
func ByAmount(amountMinorUnits int64, currency string) (PlanDefinition, error) {
	for _, plan := range Plans {
		if plan.AmountMinorUnits == amountMinorUnits && plan.Currency == currency {
			return plan, nil
		}
	}
	return PlanDefinition{}, fmt.Errorf("%w: amount %d %s", ErrUnknownPlan, amountMinorUnits, currency)
}

// Resolve picks the plan for an event: exact plan hint first, amount fallback.
func Resolve(planHint string, amountMinorUnits int64, currency string) (PlanDefinition, error) {
	if planHint != "" {
		if plan, err := ByID(planHint); err == nil {
			return plan, nil
		}
	}
	return ByAmount(amountMinorUnits, currency)
}

// IsTimeBased reports whether the plan extends a subscription period.
func (p PlanDefinition) IsTimeBased() bool {
	return p.BillingPeriod == PeriodMonthly || p.BillingPeriod == PeriodYearly
}

// IsTopup reports whether the plan grants credits.
func (p PlanDefinition) IsTopup() bool {
	return p.BillingPeriod == PeriodTopup
}
