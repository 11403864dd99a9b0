package catalog

import (
	"errors"
	"strings"
)

var ErrUnknownPlan = errors.New("unknown plan")

// Plan is a purchasable offer. Exactly one of Credits, UnlimitedDays or
// UnlimitedForever is set; the amount is in minor currency units.
type Plan struct {
	ID               string
	Name             string
	Amount           int64
	Credits          int
	UnlimitedDays    int
	UnlimitedForever bool
}

type Catalog struct {
	plans map[string]Plan
}

// New returns the static catalog backing the pricing page.
func New() *Catalog {
	plans := []Plan{
		{
			ID:      "basic",
			Name:    "Plan Básico",
			Amount:  500,
			Credits: 5,
		},
		{
			ID:            "monthly",
			Name:          "Plan Mensual",
			Amount:        1000,
			UnlimitedDays: 30,
		},
		{
			ID:               "lifetime",
			Name:             "Plan Vitalicio",
			Amount:           2000,
			UnlimitedForever: true,
		},
	}

	byID := make(map[string]Plan, len(plans))
	for _, plan := range plans {
		byID[plan.ID] = plan
	}
	return &Catalog{plans: byID}
}

// Resolve looks up a plan by id. It must run before any provider call so an
// unknown plan never opens a provider-side intent.
func (c *Catalog) Resolve(planID string) (Plan, error) {
	plan, ok := c.plans[strings.ToLower(strings.TrimSpace(planID))]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return plan, nil
}
