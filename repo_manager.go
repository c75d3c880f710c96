package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Profiles() Profiles
	Companies() Companies
	UpgradeRequests() UpgradeRequests
	Notifications() Notifications
	Products() Products
	PlanSettings() PlanLimits
}

type mngr struct {
	db              *bun.DB
	profiles        Profiles
	companies       Companies
	upgradeRequests UpgradeRequests
	notifications   Notifications
	products        Products
	planSettings    PlanLimits
}

// NewRepositoryManager returns the bun backed stores sharing db
func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:              db,
		profiles:        NewProfilesRepository(db),
		companies:       NewCompaniesRepository(db),
		upgradeRequests: NewUpgradeRequestsRepository(db),
		notifications:   NewNotificationsRepository(db),
		products:        NewProductsRepository(db),
		planSettings:    NewPlanLimitsRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.profiles == nil {
		return errors.New("repository profiles should be initialized")
	}

	if m.companies == nil {
		return errors.New("repository companies should be initialized")
	}

	if m.upgradeRequests == nil {
		return errors.New("repository upgradeRequests should be initialized")
	}

	if m.notifications == nil {
		return errors.New("repository notifications should be initialized")
	}

	if m.products == nil {
		return errors.New("repository products should be initialized")
	}

	if m.planSettings == nil {
		return errors.New("repository planSettings should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Profiles() Profiles {
	return m.profiles
}

func (m mngr) Companies() Companies {
	return m.companies
}

func (m mngr) UpgradeRequests() UpgradeRequests {
	return m.upgradeRequests
}

func (m mngr) Notifications() Notifications {
	return m.notifications
}

func (m mngr) Products() Products {
	return m.products
}

func (m mngr) PlanSettings() PlanLimits {
	return m.planSettings
}
