package auth

import (
	"context"
	"strings"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Profiles is the profile store
type Profiles interface {
	repository.Repository[*Profile]
	ProfileRepository

	Register(ctx context.Context, profile *Profile) (*Profile, error)
	RegisterTx(ctx context.Context, tx bun.IDB, profile *Profile) (*Profile, error)
	GetByEmail(ctx context.Context, email string) (*Profile, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status ProfileStatus) error
}

type profiles struct {
	repository.Repository[*Profile]
	db *bun.DB
}

var (
	_ Profiles                        = (*profiles)(nil)
	_ repository.Repository[*Profile] = (*profiles)(nil)
)

// NewProfilesRepository returns a bun backed profile store
func NewProfilesRepository(db *bun.DB) Profiles {
	repo := repository.NewRepository[*Profile](db, repository.ModelHandlers[*Profile]{
		NewRecord: func() *Profile { return &Profile{} },
		GetID: func(p *Profile) uuid.UUID {
			if p == nil {
				return uuid.Nil
			}
			return p.ID
		},
		SetID: func(p *Profile, id uuid.UUID) {
			if p != nil {
				p.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &profiles{
		Repository: repo,
		db:         db,
	}
}

func (a *profiles) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	return a.Repository.GetByID(ctx, userID.String())
}

func (a *profiles) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	record := &Profile{}
	err := a.db.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", strings.ToLower(strings.TrimSpace(email))).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"email": email})
	}
	return record, nil
}

func (a *profiles) Register(ctx context.Context, profile *Profile) (*Profile, error) {
	return a.RegisterTx(ctx, a.db, profile)
}

func (a *profiles) RegisterTx(ctx context.Context, tx bun.IDB, profile *Profile) (*Profile, error) {
	prepareProfileDefaults(profile)
	return a.Repository.CreateTx(ctx, tx, profile)
}

func (a *profiles) UpdateStatus(ctx context.Context, id uuid.UUID, status ProfileStatus) error {
	res, err := a.db.NewUpdate().
		Model((*Profile)(nil)).
		Set("status = ?", status).
		Set("updated_at = CURRENT_TIMESTAMP").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, map[string]any{"id": id.String()})
}

func prepareProfileDefaults(record *Profile) {
	if record == nil {
		return
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Role == "" {
		record.Role = RoleOwner
	}
	if record.Status == "" {
		record.Status = ProfileStatusActive
	}
	record.Email = strings.ToLower(strings.TrimSpace(record.Email))
}
