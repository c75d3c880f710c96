package auth

import (
	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Products is the product store
type Products interface {
	repository.Repository[*Product]
	ProductRepository

	Add(ctx context.Context, product *Product) (*Product, error)
	CountActive(ctx context.Context, companyID uuid.UUID) (int, error)
}

type products struct {
	repository.Repository[*Product]
	db *bun.DB
}

var _ Products = (*products)(nil)

// NewProductsRepository returns a bun backed product store
func NewProductsRepository(db *bun.DB) Products {
	repo := repository.NewRepository[*Product](db, repository.ModelHandlers[*Product]{
		NewRecord: func() *Product { return &Product{} },
		GetID: func(p *Product) uuid.UUID {
			if p == nil {
				return uuid.Nil
			}
			return p.ID
		},
		SetID: func(p *Product, id uuid.UUID) {
			if p != nil {
				p.ID = id
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
	})

	return &products{
		Repository: repo,
		db:         db,
	}
}

func (a *products) ListActiveProducts(ctx context.Context, companyID uuid.UUID) ([]*Product, error) {
	records := []*Product{}
	err := a.db.NewSelect().
		Model(&records).
		Where("?TableAlias.company_id = ?", companyID).
		Where("?TableAlias.is_active = ?", true).
		OrderExpr("?TableAlias.created_at ASC, ?TableAlias.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (a *products) DeactivateProducts(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := a.db.NewUpdate().
		Model((*Product)(nil)).
		Set("is_active = ?", false).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return err
}

func (a *products) CountActive(ctx context.Context, companyID uuid.UUID) (int, error) {
	return a.db.NewSelect().
		Model((*Product)(nil)).
		Where("?TableAlias.company_id = ?", companyID).
		Where("?TableAlias.is_active = ?", true).
		Count(ctx)
}

func (a *products) Add(ctx context.Context, product *Product) (*Product, error) {
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	return a.Repository.CreateTx(ctx, a.db, product)
}
