package auth

import (
	"context"

	"github.com/uptrace/bun"
)

// PlanLimits is the plan settings store
type PlanLimits interface {
	PlanSettingsRepository
	SetPlanLimit(ctx context.Context, plan Plan, maxProducts int) error
}

type planLimits struct {
	db *bun.DB
}

var _ PlanLimits = (*planLimits)(nil)

// NewPlanLimitsRepository returns a bun backed plan settings store
func NewPlanLimitsRepository(db *bun.DB) PlanLimits {
	return &planLimits{db: db}
}

func (a *planLimits) ListPlanLimits(ctx context.Context) (map[Plan]int, error) {
	records := []PlanLimit{}
	if err := a.db.NewSelect().Model(&records).Scan(ctx); err != nil {
		return nil, err
	}
	out := make(map[Plan]int, len(records))
	for _, r := range records {
		out[r.Plan] = r.MaxProducts
	}
	return out, nil
}

func (a *planLimits) SetPlanLimit(ctx context.Context, plan Plan, maxProducts int) error {
	record := &PlanLimit{Plan: plan, MaxProducts: maxProducts}
	_, err := a.db.NewInsert().
		Model(record).
		On("CONFLICT (plan) DO UPDATE").
		Set("max_products = EXCLUDED.max_products").
		Exec(ctx)
	return err
}
