package local

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Store persists credentials and password resets
type Store interface {
	CreateCredential(ctx context.Context, cred *Credential) (*Credential, error)
	GetCredentialByEmail(ctx context.Context, email string) (*Credential, error)
	GetCredential(ctx context.Context, userID uuid.UUID) (*Credential, error)
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error
	ConfirmEmail(ctx context.Context, userID uuid.UUID, at time.Time) error

	CreateReset(ctx context.Context, reset *PasswordReset) (*PasswordReset, error)
	GetReset(ctx context.Context, id uuid.UUID) (*PasswordReset, error)
	// CompleteReset marks the reset changed and stores the new hash in one
	// transaction.
	CompleteReset(ctx context.Context, reset *PasswordReset, hash string, at time.Time) error
}

type bunStore struct {
	db     *bun.DB
	resets repository.Repository[*PasswordReset]
}

var _ Store = (*bunStore)(nil)

// NewStore returns a bun backed Store
func NewStore(db *bun.DB) Store {
	resets := repository.NewRepository[*PasswordReset](db, repository.ModelHandlers[*PasswordReset]{
		NewRecord: func() *PasswordReset { return &PasswordReset{} },
		GetID: func(r *PasswordReset) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *PasswordReset, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})
	return &bunStore{db: db, resets: resets}
}

func (s *bunStore) CreateCredential(ctx context.Context, cred *Credential) (*Credential, error) {
	cred.Email = normalizeEmail(cred.Email)
	if cred.UserID == uuid.Nil {
		cred.UserID = uuid.New()
	}
	if _, err := s.db.NewInsert().Model(cred).Exec(ctx); err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *bunStore) GetCredentialByEmail(ctx context.Context, email string) (*Credential, error) {
	record := &Credential{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", normalizeEmail(email)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"email": email})
	}
	return record, nil
}

func (s *bunStore) GetCredential(ctx context.Context, userID uuid.UUID) (*Credential, error) {
	record := &Credential{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"user_id": userID.String()})
	}
	return record, nil
}

func (s *bunStore) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error {
	return updatePasswordHash(ctx, s.db, userID, hash)
}

func (s *bunStore) ConfirmEmail(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*Credential)(nil)).
		Set("email_confirmed_at = ?", at).
		Set("updated_at = ?", at).
		Where("user_id = ?", userID).
		Where("email_confirmed_at IS NULL").
		Exec(ctx)
	return err
}

func (s *bunStore) CreateReset(ctx context.Context, reset *PasswordReset) (*PasswordReset, error) {
	if reset.ID == uuid.Nil {
		reset.ID = uuid.New()
	}
	if reset.Status == "" {
		reset.Status = ResetRequested
	}
	reset.Email = normalizeEmail(reset.Email)
	return s.resets.CreateTx(ctx, s.db, reset)
}

func (s *bunStore) GetReset(ctx context.Context, id uuid.UUID) (*PasswordReset, error) {
	return s.resets.GetByID(ctx, id.String())
}

func (s *bunStore) CompleteReset(ctx context.Context, reset *PasswordReset, hash string, at time.Time) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*PasswordReset)(nil)).
			Set("status = ?", ResetChanged).
			Set("reseted_at = ?", at).
			Where("id = ?", reset.ID).
			Where("status = ?", ResetRequested).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrResetUnusable
		}
		return updatePasswordHash(ctx, tx, reset.UserID, hash)
	})
}

func updatePasswordHash(ctx context.Context, db bun.IDB, userID uuid.UUID, hash string) error {
	res, err := db.NewUpdate().
		Model((*Credential)(nil)).
		Set("password_hash = ?", hash).
		Set("updated_at = ?", time.Now()).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.NewRecordNotFound().WithMetadata(map[string]any{"user_id": userID.String()})
	}
	return nil
}

func notFoundOr(err error, meta map[string]any) error {
	if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return repository.NewRecordNotFound().WithMetadata(meta)
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
