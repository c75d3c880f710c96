package auth

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/nyaruka/phonenumbers"
)

// MinPasswordLength is the shortest password UpdatePassword accepts
const MinPasswordLength = 6

// DefaultPhoneRegion is used to parse contact phones without a country prefix
const DefaultPhoneRegion = "US"

// Validate checks the sign in inputs
func (c Credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&c.Password, validation.Required),
	)
}

// Validate checks the upgrade request and normalizes the contact phone to
// E.164 in place.
func (r *UpgradeRequest) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.CompanyID, validation.By(notNilUUID)),
		validation.Field(&r.RequestedPlan, validation.Required,
			validation.In(PlanPlus, PlanPro, PlanCustom)),
		validation.Field(&r.BillingPeriod, validation.Required,
			validation.In(BillingMonthly, BillingYearly)),
		validation.Field(&r.ContactName, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.ContactEmail, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&r.ContactPhone, validation.By(validPhone)),
	)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, ErrInvalidUpgradeRequest.Message).
			WithTextCode(textCodeInvalidUpgrade).
			WithCode(goerrors.CodeBadRequest)
	}

	if r.ContactPhone != "" {
		r.ContactPhone, _ = NormalizePhone(r.ContactPhone)
	}
	if r.Status == "" {
		r.Status = UpgradePending
	}
	return nil
}

// NormalizePhone parses phone and formats it as E.164
func NormalizePhone(phone string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(phone), DefaultPhoneRegion)
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("invalid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func validateEmail(email string) error {
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid email").
			WithCode(goerrors.CodeBadRequest)
	}
	return nil
}

func validPhone(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	_, err := NormalizePhone(s)
	return err
}

func notNilUUID(value any) error {
	if s, ok := value.(interface{ String() string }); ok && s.String() != "00000000-0000-0000-0000-000000000000" {
		return nil
	}
	return errors.New("is required")
}
