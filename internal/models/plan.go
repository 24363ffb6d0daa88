package models

import (
	"database/sql/driver"
	"time"
)

// PlanID identifies a plan tier.
type PlanID string

const (
	PlanFree       PlanID = "FREE"
	PlanStudent    PlanID = "STUDENT"
	PlanPro        PlanID = "PRO"
	PlanEnterprise PlanID = "ENTERPRISE"
)

func (p PlanID) Valid() bool {
	_, ok := planCatalog[p]
	return ok
}

func (p *PlanID) Scan(src interface{}) error { return scanEnum(p, src, PlanID.Valid) }

func (p PlanID) Value() (driver.Value, error) { return string(p), nil }

// Tier orders plans; a higher tier is a more expensive plan.
func (p PlanID) Tier() int {
	return planCatalog[p].Tier
}

// BillingCycle is the recurring interval chosen by the customer.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleAnnual  BillingCycle = "annual"
)

func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleAnnual
}

func (c *BillingCycle) Scan(src interface{}) error { return scanEnum(c, src, BillingCycle.Valid) }

func (c BillingCycle) Value() (driver.Value, error) { return string(c), nil }

// PeriodType maps the cycle to the authorization period type.
func (c BillingCycle) PeriodType() PeriodType {
	if c == BillingCycleAnnual {
		return PeriodTypeYear
	}
	return PeriodTypeMonth
}

// AddTo advances t by one cycle.
func (c BillingCycle) AddTo(t time.Time) time.Time {
	if c == BillingCycleAnnual {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// PlanDefinition is one entry of the static price table. Amounts are in
// minor units (TWD cents).
type PlanDefinition struct {
	ID            PlanID `json:"id"`
	Name          string `json:"name"`
	Tier          int    `json:"tier"`
	MonthlyAmount int64  `json:"monthly_amount"`
	AnnualAmount  int64  `json:"annual_amount"`
}

// Price returns the amount for cycle.
func (d PlanDefinition) Price(cycle BillingCycle) (int64, bool) {
	switch cycle {
	case BillingCycleMonthly:
		return d.MonthlyAmount, true
	case BillingCycleAnnual:
		return d.AnnualAmount, true
	}
	return 0, false
}

var planCatalog = map[PlanID]PlanDefinition{
	PlanFree:       {ID: PlanFree, Name: "Free", Tier: 0},
	PlanStudent:    {ID: PlanStudent, Name: "Student", Tier: 1, MonthlyAmount: 29900, AnnualAmount: 299000},
	PlanPro:        {ID: PlanPro, Name: "Pro", Tier: 2, MonthlyAmount: 89900, AnnualAmount: 899000},
	PlanEnterprise: {ID: PlanEnterprise, Name: "Enterprise", Tier: 3, MonthlyAmount: 299900, AnnualAmount: 2999000},
}

// LookupPlan resolves a plan id from the price table.
func LookupPlan(id PlanID) (PlanDefinition, bool) {
	d, ok := planCatalog[id]
	return d, ok
}

// PlanCatalog lists every plan ordered by tier.
func PlanCatalog() []PlanDefinition {
	return []PlanDefinition{
		planCatalog[PlanFree],
		planCatalog[PlanStudent],
		planCatalog[PlanPro],
		planCatalog[PlanEnterprise],
	}
}
