package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Companies is the company store
type Companies interface {
	repository.Repository[*Company]
	CompanyRepository

	Register(ctx context.Context, company *Company) (*Company, error)
	RegisterTx(ctx context.Context, tx bun.IDB, company *Company) (*Company, error)
}

type companies struct {
	repository.Repository[*Company]
	db  *bun.DB
	now func() time.Time
}

var (
	_ Companies                       = (*companies)(nil)
	_ repository.Repository[*Company] = (*companies)(nil)
)

// NewCompaniesRepository returns a bun backed company store
func NewCompaniesRepository(db *bun.DB) Companies {
	repo := repository.NewRepository[*Company](db, repository.ModelHandlers[*Company]{
		NewRecord: func() *Company { return &Company{} },
		GetID: func(c *Company) uuid.UUID {
			if c == nil {
				return uuid.Nil
			}
			return c.ID
		},
		SetID: func(c *Company, id uuid.UUID) {
			if c != nil {
				c.ID = id
			}
		},
		GetIdentifier: func() string {
			return "user_id"
		},
	})

	return &companies{
		Repository: repo,
		db:         db,
		now:        time.Now,
	}
}

func (a *companies) GetCompany(ctx context.Context, companyID uuid.UUID) (*Company, error) {
	return a.Repository.GetByID(ctx, companyID.String())
}

func (a *companies) GetCompanyByOwner(ctx context.Context, userID uuid.UUID) (*Company, error) {
	record := &Company{}
	err := a.db.NewSelect().
		Model(record).
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"user_id": userID.String()})
	}
	return record, nil
}

func (a *companies) Register(ctx context.Context, company *Company) (*Company, error) {
	return a.RegisterTx(ctx, a.db, company)
}

func (a *companies) RegisterTx(ctx context.Context, tx bun.IDB, company *Company) (*Company, error) {
	if company.ID == uuid.Nil {
		company.ID = uuid.New()
	}
	if company.Plan == "" {
		company.Plan = PlanFree
	}
	return a.Repository.CreateTx(ctx, tx, company)
}

func (a *companies) UpdatePlan(ctx context.Context, companyID uuid.UUID, plan Plan) error {
	res, err := a.db.NewUpdate().
		Model((*Company)(nil)).
		Set("plan = ?", plan).
		Set("updated_at = ?", a.now()).
		Where("id = ?", companyID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, map[string]any{"id": companyID.String()})
}

// MarkRenewalNotified only writes when the stored day differs, so
// concurrent callers for the same cycle see exactly one winner.
func (a *companies) MarkRenewalNotified(ctx context.Context, companyID uuid.UUID, day string) (bool, error) {
	res, err := a.db.NewUpdate().
		Model((*Company)(nil)).
		Set("last_notified_renewal_date = ?", day).
		Set("updated_at = ?", a.now()).
		Where("id = ?", companyID).
		Where("(last_notified_renewal_date IS NULL OR substr(last_notified_renewal_date, 1, 10) <> ?)", day).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *companies) MarkDowngradeNotified(ctx context.Context, companyID uuid.UUID, at time.Time) error {
	_, err := a.db.NewUpdate().
		Model((*Company)(nil)).
		Set("last_downgrade_notified_at = ?", at).
		Set("updated_at = ?", a.now()).
		Where("id = ?", companyID).
		Where("last_downgrade_notified_at IS NULL").
		Exec(ctx)
	return err
}
