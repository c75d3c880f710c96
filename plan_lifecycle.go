package auth

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
)

// PlanState is the lifecycle state of a company plan
type PlanState string

const (
	// PlanStateActive paid plan with the renewal day still ahead
	PlanStateActive PlanState = "ACTIVE"
	// PlanStateGrace renewal day reached, grace period not over
	PlanStateGrace PlanState = "GRACE"
	// PlanStateExpiredGrace grace period over, downgrade pending
	PlanStateExpiredGrace PlanState = "EXPIRED_GRACE"
	// PlanStateFree terminal until a paid plan is assigned
	PlanStateFree PlanState = "FREE"
)

// DefaultGracePeriod is the time a company keeps its paid plan after renewal
const DefaultGracePeriod = 3 * 24 * time.Hour

// RenewalDayLayout is the calendar day format stored as renewal marker
const RenewalDayLayout = "2006-01-02"

// ClassifyPlan returns the lifecycle state of company at now using the
// default grace period. Calendar days are computed in loc, nil means
// time.Local.
func ClassifyPlan(company *Company, now time.Time, loc *time.Location) PlanState {
	return classifyPlan(company, now, loc, DefaultGracePeriod)
}

func classifyPlan(company *Company, now time.Time, loc *time.Location, grace time.Duration) PlanState {
	if company == nil || !company.Plan.IsPaid() {
		return PlanStateFree
	}
	if company.RenewalDate == nil || company.RenewalDate.IsZero() {
		return PlanStateActive
	}

	renewal := *company.RenewalDate
	if now.After(renewal.Add(grace)) {
		return PlanStateExpiredGrace
	}

	if !calendarDay(now, loc).Before(calendarDay(renewal, loc)) {
		return PlanStateGrace
	}

	return PlanStateActive
}

// RenewalDay formats t as a calendar day in loc
func RenewalDay(t time.Time, loc *time.Location) string {
	return calendarDay(t, loc).Format(RenewalDayLayout)
}

func calendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func normalizeDay(s string) string {
	if len(s) > len(RenewalDayLayout) {
		return s[:len(RenewalDayLayout)]
	}
	return s
}

// EngineOption customizes the plan lifecycle engine.
type EngineOption func(*PlanLifecycleEngine)

// WithEngineClock injects a custom clock (useful for tests).
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *PlanLifecycleEngine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithEngineLocation sets the location used to compute calendar days.
func WithEngineLocation(loc *time.Location) EngineOption {
	return func(e *PlanLifecycleEngine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithEngineGracePeriod overrides the grace period.
func WithEngineGracePeriod(d time.Duration) EngineOption {
	return func(e *PlanLifecycleEngine) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithEnginePlanSettings sets the plan limits snapshot used on downgrade.
func WithEnginePlanSettings(settings PlanSettings) EngineOption {
	return func(e *PlanLifecycleEngine) {
		e.settings = settings
	}
}

// WithEngineActivitySink sets the ActivitySink used to publish plan transitions.
func WithEngineActivitySink(sink ActivitySink) EngineOption {
	return func(e *PlanLifecycleEngine) {
		e.activitySink = normalizeActivitySink(sink)
	}
}

// WithEngineLogger overrides the logger.
func WithEngineLogger(logger Logger) EngineOption {
	return func(e *PlanLifecycleEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineMetrics sets the metrics recorder.
func WithEngineMetrics(m MetricsRecorder) EngineOption {
	return func(e *PlanLifecycleEngine) {
		e.metrics = normalizeMetrics(m)
	}
}

// PlanLifecycleEngine evaluates a company's plan each time it is loaded
// and applies grace notices and the automatic downgrade.
type PlanLifecycleEngine struct {
	companies     CompanyRepository
	products      ProductRepository
	notifications NotificationRepository

	settings     PlanSettings
	grace        time.Duration
	loc          *time.Location
	now          func() time.Time
	activitySink ActivitySink
	logger       Logger
	metrics      MetricsRecorder
}

// NewPlanLifecycleEngine returns an engine backed by the given stores.
func NewPlanLifecycleEngine(companies CompanyRepository, products ProductRepository, notifications NotificationRepository, opts ...EngineOption) *PlanLifecycleEngine {
	e := &PlanLifecycleEngine{
		companies:     companies,
		products:      products,
		notifications: notifications,
		settings:      DefaultPlanSettings(),
		grace:         DefaultGracePeriod,
		loc:           time.Local,
		now:           time.Now,
		activitySink:  noopActivitySink{},
		logger:        newDefLogger("plan_lifecycle"),
		metrics:       noopMetrics{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	return e
}

// Classify returns the state of company at the engine's current time
func (e *PlanLifecycleEngine) Classify(company *Company) PlanState {
	return classifyPlan(company, e.now(), e.loc, e.grace)
}

// Settings returns the plan limits snapshot in use
func (e *PlanLifecycleEngine) Settings() PlanSettings {
	return e.settings
}

// Evaluate applies the side effects of the company's current state. The
// returned company is what the caller should keep: the reloaded record
// after a downgrade, or company itself otherwise. On error the input
// company is returned.
func (e *PlanLifecycleEngine) Evaluate(ctx context.Context, company *Company) (*Company, PlanState, error) {
	state := e.Classify(company)
	e.metrics.PlanEvaluated(state)

	switch state {
	case PlanStateExpiredGrace:
		updated, err := e.Downgrade(ctx, company)
		if err != nil {
			return company, state, err
		}
		return updated, PlanStateFree, nil
	case PlanStateGrace:
		if err := e.ensureGraceNotice(ctx, company); err != nil {
			return company, state, err
		}
		return company, state, nil
	default:
		return company, state, nil
	}
}

// Downgrade moves company to the free plan, deactivates the products above
// the free limit and sends the downgrade notice once. It is safe to run
// more than once for the same expiry.
func (e *PlanLifecycleEngine) Downgrade(ctx context.Context, company *Company) (*Company, error) {
	if company == nil {
		return nil, goerrors.New("company is nil", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest)
	}

	from := company.Plan
	if err := e.companies.UpdatePlan(ctx, company.ID, PlanFree); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to set free plan").
			WithMetadata(map[string]any{"company_id": company.ID.String()})
	}

	deactivated := e.trimProducts(ctx, company)

	if company.LastDowngradeNotifiedAt == nil {
		e.sendDowngradeNotice(ctx, company, deactivated)
	}

	e.metrics.Downgraded(deactivated)
	recordActivity(ctx, e.activitySink, e.logger, e.now, ActivityEvent{
		EventType: ActivityEventPlanDowngraded,
		Actor:     SystemActor,
		UserID:    company.UserID.String(),
		CompanyID: company.ID.String(),
		From:      string(from),
		To:        string(PlanFree),
		Metadata: map[string]any{
			"deactivated_products": deactivated,
			"product_limit":        e.settings.FreeLimit(),
		},
	})

	reloaded, err := e.companies.GetCompany(ctx, company.ID)
	if err != nil || reloaded == nil {
		e.logger.Warn("failed to reload company after downgrade", "company_id", company.ID, "error", err)
		local := company.Clone()
		local.Plan = PlanFree
		return local, nil
	}
	return reloaded, nil
}

func (e *PlanLifecycleEngine) trimProducts(ctx context.Context, company *Company) int {
	if e.products == nil {
		return 0
	}

	active, err := e.products.ListActiveProducts(ctx, company.ID)
	if err != nil {
		e.logger.Error("failed to list products on downgrade",
			"company_id", company.ID, "error", err, "consistency_risk", true)
		return 0
	}

	limit := e.settings.FreeLimit()
	if len(active) <= limit {
		return 0
	}

	ids := make([]uuid.UUID, 0, len(active)-limit)
	for _, p := range active[limit:] {
		ids = append(ids, p.ID)
	}

	if err := e.products.DeactivateProducts(ctx, ids); err != nil {
		e.logger.Error("failed to deactivate products on downgrade",
			"company_id", company.ID, "count", len(ids), "error", err, "consistency_risk", true)
		return 0
	}

	return len(ids)
}

func (e *PlanLifecycleEngine) sendDowngradeNotice(ctx context.Context, company *Company, deactivated int) {
	day := "none"
	if company.RenewalDate != nil {
		day = RenewalDay(*company.RenewalDate, e.loc)
	}

	content := "Your grace period ended and your storefront moved to the Free plan."
	if deactivated > 0 {
		content = fmt.Sprintf("%s %d products were hidden to fit the Free plan limit of %d products.",
			content, deactivated, e.settings.FreeLimit())
	}

	n := &Notification{
		ID:      lifecycleNotificationID(NotificationPlanDowngrade, company.ID, day),
		UserID:  company.UserID,
		Type:    NotificationPlanDowngrade,
		Title:   "Your plan changed to Free",
		Content: content,
		Metadata: map[string]any{
			"company_id":   company.ID.String(),
			"renewal_date": day,
			"deactivated":  deactivated,
		},
	}

	if err := e.notifications.InsertNotification(ctx, n); err != nil {
		e.logger.Error("failed to insert downgrade notification", "company_id", company.ID, "error", err)
		return
	}

	if err := e.companies.MarkDowngradeNotified(ctx, company.ID, e.now()); err != nil {
		e.logger.Error("failed to mark downgrade notified",
			"company_id", company.ID, "error", err, "consistency_risk", true)
	}
}

func (e *PlanLifecycleEngine) ensureGraceNotice(ctx context.Context, company *Company) error {
	day := RenewalDay(*company.RenewalDate, e.loc)
	if normalizeDay(company.LastNotifiedRenewalDay) == day {
		return nil
	}

	won, err := e.companies.MarkRenewalNotified(ctx, company.ID, day)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to mark renewal notified").
			WithMetadata(map[string]any{"company_id": company.ID.String(), "renewal_date": day})
	}
	company.LastNotifiedRenewalDay = day
	if !won {
		return nil
	}

	days := int(e.grace / (24 * time.Hour))
	n := &Notification{
		ID:     lifecycleNotificationID(NotificationPlanGrace, company.ID, day),
		UserID: company.UserID,
		Type:   NotificationPlanGrace,
		Title:  "Your plan is due for renewal",
		Content: fmt.Sprintf("Your %s plan renewal date was %s. Renew within %d days or your plan will revert to Free.",
			company.Plan, calendarDay(*company.RenewalDate, e.loc).Format("January 2, 2006"), days),
		Metadata: map[string]any{
			"company_id":   company.ID.String(),
			"renewal_date": day,
			"plan":         string(company.Plan),
		},
	}

	// the marker is already stored, a failed insert is not retried
	if err := e.notifications.InsertNotification(ctx, n); err != nil {
		e.logger.Error("grace notification lost after marker update",
			"company_id", company.ID, "renewal_date", day, "error", err, "consistency_risk", true)
		return nil
	}

	e.metrics.GraceNotified()
	recordActivity(ctx, e.activitySink, e.logger, e.now, ActivityEvent{
		EventType: ActivityEventPlanGraceNotice,
		Actor:     SystemActor,
		UserID:    company.UserID.String(),
		CompanyID: company.ID.String(),
		From:      string(PlanStateActive),
		To:        string(PlanStateGrace),
		Metadata:  map[string]any{"renewal_date": day},
	})

	return nil
}

func lifecycleNotificationID(kind NotificationType, companyID uuid.UUID, day string) uuid.UUID {
	id, err := hashid.NewUUID(fmt.Sprintf("%s:%s:%s", kind, companyID, day))
	if err != nil {
		return uuid.New()
	}
	return id
}
