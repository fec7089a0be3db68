package service

import (
	"fmt"

	"billing-service/config"
	"billing-service/internal/models"
)

// PlanCatalog resolves plan ids to their provider price references. The
// catalog is the billing-side projection of the external content store;
// a plan without a price reference is a deployment defect, not user error.
type PlanCatalog struct {
	plans   map[string]models.Plan
	byPrice map[string]string
}

func NewPlanCatalog(cfg config.PlansConfig) *PlanCatalog {
	plans := make(map[string]models.Plan, len(cfg.Catalog))
	byPrice := make(map[string]string, len(cfg.Catalog))

	for id, entry := range cfg.Catalog {
		plans[id] = models.Plan{ID: id, PriceRef: entry.PriceRef, Name: entry.Name}
		if entry.PriceRef != "" {
			byPrice[entry.PriceRef] = id
		}
	}

	return &PlanCatalog{plans: plans, byPrice: byPrice}
}

// Resolve returns the plan for an id. An unknown plan is a validation
// problem; a known plan without a price reference is a configuration one.
func (c *PlanCatalog) Resolve(planID string) (*models.Plan, error) {
	plan, ok := c.plans[planID]
	if !ok {
		return nil, &ValidationError{Field: "plan_id", Msg: fmt.Sprintf("unknown plan: %s", planID)}
	}

	if plan.PriceRef == "" {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("plan %s has no price reference", planID)}
	}

	return &plan, nil
}

// PlanForPrice reverse-maps a provider price reference to a plan id.
// Returns "" when the price is not in the catalog.
func (c *PlanCatalog) PlanForPrice(priceRef string) string {
	return c.byPrice[priceRef]
}
