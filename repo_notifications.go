package auth

import (
	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Notifications is the notification store
type Notifications interface {
	repository.Repository[*Notification]
	NotificationRepository

	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

type notifications struct {
	repository.Repository[*Notification]
	db *bun.DB
}

var _ Notifications = (*notifications)(nil)

// NewNotificationsRepository returns a bun backed notification store
func NewNotificationsRepository(db *bun.DB) Notifications {
	repo := repository.NewRepository[*Notification](db, repository.ModelHandlers[*Notification]{
		NewRecord: func() *Notification { return &Notification{} },
		GetID: func(n *Notification) uuid.UUID {
			if n == nil {
				return uuid.Nil
			}
			return n.ID
		},
		SetID: func(n *Notification, id uuid.UUID) {
			if n != nil {
				n.ID = id
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
	})

	return &notifications{
		Repository: repo,
		db:         db,
	}
}

// InsertNotification ignores ids that already exist.
func (a *notifications) InsertNotification(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := a.db.NewInsert().
		Model(n).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	return err
}

func (a *notifications) CountUnread(ctx context.Context, userID uuid.UUID, excludeTypes []NotificationType) (int, error) {
	q := a.db.NewSelect().
		Model((*Notification)(nil)).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.is_read = ?", false)

	if len(excludeTypes) > 0 {
		q = q.Where("?TableAlias.type NOT IN (?)", bun.In(excludeTypes))
	}

	return q.Count(ctx)
}

func (a *notifications) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Notification, error) {
	records := []*Notification{}
	q := a.db.NewSelect().
		Model(&records).
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return records, nil
}

func (a *notifications) MarkRead(ctx context.Context, id uuid.UUID) error {
	res, err := a.db.NewUpdate().
		Model((*Notification)(nil)).
		Set("is_read = ?", true).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, map[string]any{"id": id.String()})
}
