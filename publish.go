package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// publishingCompanies broadcasts the updated company after each marker or
// plan write. Publication failures are logged and never fail the write.
type publishingCompanies struct {
	CompanyRepository
	pub    Publisher
	logger Logger
}

// NewPublishingCompanies wraps repo so that writes publish an UPDATE change
// event for the companies resource.
func NewPublishingCompanies(repo CompanyRepository, pub Publisher, logger Logger) CompanyRepository {
	if pub == nil {
		return repo
	}
	return &publishingCompanies{
		CompanyRepository: repo,
		pub:               pub,
		logger:            normalizeLogger(logger, "publisher"),
	}
}

func (p *publishingCompanies) UpdatePlan(ctx context.Context, companyID uuid.UUID, plan Plan) error {
	if err := p.CompanyRepository.UpdatePlan(ctx, companyID, plan); err != nil {
		return err
	}
	p.publish(ctx, companyID)
	return nil
}

func (p *publishingCompanies) MarkRenewalNotified(ctx context.Context, companyID uuid.UUID, day string) (bool, error) {
	won, err := p.CompanyRepository.MarkRenewalNotified(ctx, companyID, day)
	if err != nil || !won {
		return won, err
	}
	p.publish(ctx, companyID)
	return true, nil
}

func (p *publishingCompanies) MarkDowngradeNotified(ctx context.Context, companyID uuid.UUID, at time.Time) error {
	if err := p.CompanyRepository.MarkDowngradeNotified(ctx, companyID, at); err != nil {
		return err
	}
	p.publish(ctx, companyID)
	return nil
}

func (p *publishingCompanies) publish(ctx context.Context, companyID uuid.UUID) {
	company, err := p.CompanyRepository.GetCompany(ctx, companyID)
	if err != nil || company == nil {
		p.logger.Warn("failed to reload company for publish", "company_id", companyID, "error", err)
		return
	}
	publishChange(ctx, p.pub, p.logger, ResourceCompanies, ChangeUpdate, company)
}

type publishingNotifications struct {
	NotificationRepository
	pub    Publisher
	logger Logger
}

// NewPublishingNotifications wraps repo so that inserts publish an INSERT
// change event for the notifications resource.
func NewPublishingNotifications(repo NotificationRepository, pub Publisher, logger Logger) NotificationRepository {
	if pub == nil {
		return repo
	}
	return &publishingNotifications{
		NotificationRepository: repo,
		pub:                    pub,
		logger:                 normalizeLogger(logger, "publisher"),
	}
}

func (p *publishingNotifications) InsertNotification(ctx context.Context, n *Notification) error {
	if err := p.NotificationRepository.InsertNotification(ctx, n); err != nil {
		return err
	}
	publishChange(ctx, p.pub, p.logger, ResourceNotifications, ChangeInsert, n)
	return nil
}

func publishChange(ctx context.Context, pub Publisher, logger Logger, resource string, kind ChangeType, record any) {
	event, err := NewChangeEvent(resource, kind, record)
	if err != nil {
		logger.Warn("failed to encode change event", "resource", resource, "error", err)
		return
	}
	if err := pub.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish change event", "resource", resource, "type", kind, "error", err)
	}
}
