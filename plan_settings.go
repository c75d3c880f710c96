package auth

import (
	"context"
)

// DefaultFreeProductLimit is used when no free plan limit is stored
const DefaultFreeProductLimit = 10

// PlanSettings is a read-only snapshot of per plan product limits.
// A limit below zero means unlimited.
type PlanSettings struct {
	limits       map[Plan]int
	defaultLimit int
}

// NewPlanSettings builds a snapshot from limits. defaultFree is used for the
// free plan when limits has no entry for it.
func NewPlanSettings(limits map[Plan]int, defaultFree int) PlanSettings {
	if defaultFree <= 0 {
		defaultFree = DefaultFreeProductLimit
	}
	cp := make(map[Plan]int, len(limits))
	for plan, limit := range limits {
		cp[plan] = limit
	}
	return PlanSettings{limits: cp, defaultLimit: defaultFree}
}

// DefaultPlanSettings only knows the free plan default limit
func DefaultPlanSettings() PlanSettings {
	return NewPlanSettings(nil, DefaultFreeProductLimit)
}

// LoadPlanSettings reads the limits from the store. Store failures degrade
// to the defaults and are returned for logging.
func LoadPlanSettings(ctx context.Context, repo PlanSettingsRepository, defaultFree int) (PlanSettings, error) {
	if repo == nil {
		return NewPlanSettings(nil, defaultFree), nil
	}
	limits, err := repo.ListPlanLimits(ctx)
	if err != nil {
		return NewPlanSettings(nil, defaultFree), err
	}
	return NewPlanSettings(limits, defaultFree), nil
}

// ProductLimit returns the product limit for plan. Paid plans without a
// stored limit are unlimited.
func (s PlanSettings) ProductLimit(plan Plan) int {
	if limit, ok := s.limits[plan]; ok {
		return limit
	}
	if plan == PlanFree || plan == "" {
		if s.defaultLimit <= 0 {
			return DefaultFreeProductLimit
		}
		return s.defaultLimit
	}
	return -1
}

// FreeLimit is the product limit applied on downgrade
func (s PlanSettings) FreeLimit() int {
	limit := s.ProductLimit(PlanFree)
	if limit < 0 {
		return DefaultFreeProductLimit
	}
	return limit
}

// CanAddProduct reports whether a company with activeCount products may add one more
func (s PlanSettings) CanAddProduct(company *Company, activeCount int) bool {
	if company == nil {
		return false
	}
	limit := s.ProductLimit(company.Plan)
	if limit < 0 {
		return true
	}
	return activeCount < limit
}
