package auth

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ProfileStatus is the account status of a profile
type ProfileStatus string

const (
	ProfileStatusActive  ProfileStatus = "active"
	ProfileStatusBlocked ProfileStatus = "blocked"
)

// Plan is the billing plan of a company
type Plan string

const (
	PlanFree   Plan = "free"
	PlanPlus   Plan = "plus"
	PlanPro    Plan = "pro"
	PlanCustom Plan = "custom"
)

// IsValid checks the plan is one of the known plans
func (p Plan) IsValid() bool {
	switch p {
	case PlanFree, PlanPlus, PlanPro, PlanCustom:
		return true
	default:
		return false
	}
}

// IsPaid is true for every plan but free
func (p Plan) IsPaid() bool {
	return p != PlanFree && p != ""
}

// UpgradeStatus is the review status of an upgrade request
type UpgradeStatus string

const (
	UpgradePending  UpgradeStatus = "pending"
	UpgradeApproved UpgradeStatus = "approved"
	UpgradeRejected UpgradeStatus = "rejected"
)

// BillingPeriod is the billing cadence requested for an upgrade
type BillingPeriod string

const (
	BillingMonthly BillingPeriod = "monthly"
	BillingYearly  BillingPeriod = "yearly"
)

// NotificationType classifies notifications
type NotificationType string

const (
	NotificationPlanGrace     NotificationType = "plan_grace"
	NotificationPlanDowngrade NotificationType = "plan_downgrade"
	NotificationBroadcast     NotificationType = "broadcast"
	NotificationQuoteRequest  NotificationType = "quote_request"
	NotificationMessage       NotificationType = "message"
	NotificationChat          NotificationType = "chat"
)

// ConversationalTypes are excluded from the unread counter.
var ConversationalTypes = []NotificationType{NotificationMessage, NotificationChat}

// Toggle is a tri-state flag: unset, off or on. Unset is persisted as NULL.
type Toggle int8

const (
	ToggleUnset Toggle = iota
	ToggleOff
	ToggleOn
)

// ToggleOf returns the toggle for b
func ToggleOf(b bool) Toggle {
	if b {
		return ToggleOn
	}
	return ToggleOff
}

// IsSet is false for ToggleUnset
func (t Toggle) IsSet() bool {
	return t == ToggleOn || t == ToggleOff
}

// EnabledOr resolves the toggle, using def when unset.
func (t Toggle) EnabledOr(def bool) bool {
	switch t {
	case ToggleOn:
		return true
	case ToggleOff:
		return false
	default:
		return def
	}
}

func (t Toggle) String() string {
	switch t {
	case ToggleOn:
		return "on"
	case ToggleOff:
		return "off"
	default:
		return "unset"
	}
}

// Value implements driver.Valuer
func (t Toggle) Value() (driver.Value, error) {
	if !t.IsSet() {
		return nil, nil
	}
	return t == ToggleOn, nil
}

// Scan implements sql.Scanner
func (t *Toggle) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = ToggleUnset
	case bool:
		*t = ToggleOf(v)
	case int64:
		*t = ToggleOf(v != 0)
	case []byte:
		return t.scanString(string(v))
	case string:
		return t.scanString(v)
	default:
		return fmt.Errorf("toggle: unsupported type %T", src)
	}
	return nil
}

func (t *Toggle) scanString(s string) error {
	switch s {
	case "", "null", "NULL":
		*t = ToggleUnset
	case "1", "t", "true", "TRUE":
		*t = ToggleOn
	case "0", "f", "false", "FALSE":
		*t = ToggleOff
	default:
		return fmt.Errorf("toggle: invalid value %q", s)
	}
	return nil
}

// MarshalJSON encodes unset as null
func (t Toggle) MarshalJSON() ([]byte, error) {
	if !t.IsSet() {
		return []byte("null"), nil
	}
	return json.Marshal(t == ToggleOn)
}

// UnmarshalJSON decodes null, true or false
func (t *Toggle) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	if b == nil {
		*t = ToggleUnset
		return nil
	}
	*t = ToggleOf(*b)
	return nil
}

// Profile is the operator profile bound to a session user
type Profile struct {
	bun.BaseModel `bun:"table:profiles,alias:prf"`
	ID            uuid.UUID     `bun:"id,pk,nullzero,type:uuid" json:"id"`
	FullName      string        `bun:"full_name" json:"full_name,omitempty"`
	Email         string        `bun:"email,notnull" json:"email"`
	Status        ProfileStatus `bun:"status,notnull" json:"status"`
	Role          Role          `bun:"role,notnull" json:"role"`
	CreatedAt     *time.Time    `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time    `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// IsBlocked reports whether the profile may not hold a session
func (p *Profile) IsBlocked() bool {
	return p != nil && p.Status == ProfileStatusBlocked
}

// Clone returns a copy safe to hand to readers
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Company is the storefront owned by a profile
type Company struct {
	bun.BaseModel           `bun:"table:companies,alias:cmp"`
	ID                      uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id"`
	UserID                  uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	Name                    string     `bun:"name" json:"name,omitempty"`
	Plan                    Plan       `bun:"plan,notnull" json:"plan"`
	RenewalDate             *time.Time `bun:"renewal_date,nullzero" json:"renewal_date,omitempty"`
	LastNotifiedRenewalDay  string     `bun:"last_notified_renewal_date,nullzero" json:"last_notified_renewal_date,omitempty"`
	LastDowngradeNotifiedAt *time.Time `bun:"last_downgrade_notified_at,nullzero" json:"last_downgrade_notified_at,omitempty"`
	ViewsCount              int        `bun:"views_count" json:"views_count"`
	QuotesCount             int        `bun:"quotes_count" json:"quotes_count"`
	WhatsAppEnabled         Toggle     `bun:"whatsapp_enabled" json:"whatsapp_enabled"`
	WhatsAppNumber          string     `bun:"whatsapp_number" json:"whatsapp_number,omitempty"`
	CreatedAt               *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt               *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// ShowWhatsApp treats an unset flag as enabled.
func (c *Company) ShowWhatsApp() bool {
	return c != nil && c.WhatsAppEnabled.EnabledOr(true) && c.WhatsAppNumber != ""
}

// Clone returns a copy safe to hand to readers
func (c *Company) Clone() *Company {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// UpgradeRequest is a plan upgrade requested by a company
type UpgradeRequest struct {
	bun.BaseModel `bun:"table:upgrade_requests,alias:upr"`
	ID            uuid.UUID     `bun:"id,pk,nullzero,type:uuid" json:"id"`
	CompanyID     uuid.UUID     `bun:"company_id,notnull,type:uuid" json:"company_id"`
	RequestedPlan Plan          `bun:"requested_plan,notnull" json:"requested_plan"`
	BillingPeriod BillingPeriod `bun:"billing_period,notnull" json:"billing_period"`
	ContactName   string        `bun:"contact_name" json:"contact_name"`
	ContactEmail  string        `bun:"contact_email" json:"contact_email"`
	ContactPhone  string        `bun:"contact_phone" json:"contact_phone,omitempty"`
	Status        UpgradeStatus `bun:"status,notnull" json:"status"`
	CreatedAt     *time.Time    `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// Notification is a message shown to a storefront operator
type Notification struct {
	bun.BaseModel `bun:"table:notifications,alias:ntf"`
	ID            uuid.UUID        `bun:"id,pk,nullzero,type:uuid" json:"id"`
	UserID        uuid.UUID        `bun:"user_id,notnull,type:uuid" json:"user_id"`
	Type          NotificationType `bun:"type,notnull" json:"type"`
	Title         string           `bun:"title,notnull" json:"title"`
	Content       string           `bun:"content" json:"content"`
	IsRead        bool             `bun:"is_read,notnull" json:"is_read"`
	Metadata      map[string]any   `bun:"metadata,type:json" json:"metadata,omitempty"`
	CreatedAt     *time.Time       `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// Product is a storefront catalog item counted against the plan limit
type Product struct {
	bun.BaseModel `bun:"table:products,alias:prd"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id"`
	CompanyID     uuid.UUID  `bun:"company_id,notnull,type:uuid" json:"company_id"`
	Name          string     `bun:"name,notnull" json:"name"`
	Active        bool       `bun:"is_active,notnull" json:"is_active"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// PlanLimit is the persisted product limit of a plan
type PlanLimit struct {
	bun.BaseModel `bun:"table:plan_settings,alias:pls"`
	Plan          Plan `bun:"plan,pk" json:"plan"`
	MaxProducts   int  `bun:"max_products,notnull" json:"max_products"`
}
