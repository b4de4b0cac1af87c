package models

import (
	"fmt"
	"strings"
	"time"
)

// Plan is a membership tier. The same value is stored as the user's grade and
// as a subscription's plan type.
type Plan string

const (
	PlanBasic    Plan = "basic"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
	PlanPremium  Plan = "premium"
)

// monthlyPrices holds the monthly price in KRW for each billable plan.
var monthlyPrices = map[Plan]int64{
	PlanPro:      9900,
	PlanBusiness: 29000,
	PlanPremium:  79000,
}

// BillablePlans lists the tiers that carry a recurring charge.
func BillablePlans() []Plan {
	return []Plan{PlanPro, PlanBusiness, PlanPremium}
}

// ParsePlan normalises a plan name and rejects unknown values.
func ParsePlan(raw string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PlanBasic, PlanPro, PlanBusiness, PlanPremium:
		return p, nil
	}
	return "", fmt.Errorf("unknown plan %q", raw)
}

// IsBillable reports whether the plan is charged on a cycle.
func (p Plan) IsBillable() bool {
	_, ok := monthlyPrices[p]
	return ok
}

// Price returns the catalogue price for one billing cycle of the plan.
func (p Plan) Price(cycle BillingCycle) int64 {
	monthly := monthlyPrices[p]
	if cycle == CycleYearly {
		return monthly * 12
	}
	return monthly
}

// DisplayName is the product label sent to the gateway.
func (p Plan) DisplayName() string {
	if p == "" {
		return ""
	}
	return strings.ToUpper(string(p[:1])) + string(p[1:])
}

// Advance returns the date one billing cycle after from. A positive override
// replaces the calendar period, which is used to exercise renewals quickly in
// test environments.
func (c BillingCycle) Advance(from time.Time, override time.Duration) time.Time {
	if override > 0 {
		return from.Add(override)
	}
	if c == CycleYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}
