package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UpgradeRequests is the upgrade request store
type UpgradeRequests interface {
	repository.Repository[*UpgradeRequest]
	UpgradeRequestRepository

	Submit(ctx context.Context, req *UpgradeRequest) (*UpgradeRequest, error)
}

type upgradeRequests struct {
	repository.Repository[*UpgradeRequest]
	db *bun.DB
}

var _ UpgradeRequests = (*upgradeRequests)(nil)

// NewUpgradeRequestsRepository returns a bun backed upgrade request store
func NewUpgradeRequestsRepository(db *bun.DB) UpgradeRequests {
	repo := repository.NewRepository[*UpgradeRequest](db, repository.ModelHandlers[*UpgradeRequest]{
		NewRecord: func() *UpgradeRequest { return &UpgradeRequest{} },
		GetID: func(r *UpgradeRequest) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *UpgradeRequest, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
		GetIdentifier: func() string {
			return "company_id"
		},
	})

	return &upgradeRequests{
		Repository: repo,
		db:         db,
	}
}

// GetPendingUpgrade returns the newest pending request of the company, nil
// when there is none.
func (a *upgradeRequests) GetPendingUpgrade(ctx context.Context, companyID uuid.UUID) (*UpgradeRequest, error) {
	record := &UpgradeRequest{}
	err := a.db.NewSelect().
		Model(record).
		Where("?TableAlias.company_id = ?", companyID).
		Where("?TableAlias.status = ?", UpgradePending).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// Submit validates and stores a new pending request
func (a *upgradeRequests) Submit(ctx context.Context, req *UpgradeRequest) (*UpgradeRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	return a.Repository.CreateTx(ctx, a.db, req)
}
