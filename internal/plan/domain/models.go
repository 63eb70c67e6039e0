// Package domain contains the purchasable plan catalog model.
package domain

import (
	"strings"
	"time"

	"github.com/gosimple/slug"
	"gorm.io/datatypes"
)

// Interval is the billing cadence of a subscription.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

func ParseInterval(raw string) (Interval, error) {
	switch Interval(strings.ToLower(strings.TrimSpace(raw))) {
	case IntervalMonthly:
		return IntervalMonthly, nil
	case IntervalYearly:
		return IntervalYearly, nil
	default:
		return "", ErrInvalidInterval
	}
}

// Advance returns the end of a period starting at t, anchored on t's day.
func (i Interval) Advance(t time.Time) time.Time {
	return i.AdvanceAnchored(t, t.Day())
}

// AdvanceAnchored returns the end of a period starting at t. The end falls on
// anchorDay, or on the last day of the month when that month is shorter, so a
// Jan 31 anchor renews on Feb 28 and then on Mar 31 again.
func (i Interval) AdvanceAnchored(t time.Time, anchorDay int) time.Time {
	if anchorDay <= 0 {
		anchorDay = t.Day()
	}
	years, months := 0, 1
	if i == IntervalYearly {
		years, months = 1, 0
	}
	first := time.Date(t.Year()+years, t.Month()+time.Month(months), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(anchorDay, lastDay)-1)
}

// Resource names a limited entitlement.
type Resource string

const (
	ResourceLibraries        Resource = "libraries"
	ResourceUsers            Resource = "users"
	ResourceBookingsPerMonth Resource = "bookings_per_month"
	ResourceStorageMB        Resource = "storage_mb"
	ResourceAPICallsPerDay   Resource = "api_calls_per_day"
)

func ParseResource(raw string) (Resource, error) {
	r := Resource(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case ResourceLibraries, ResourceUsers, ResourceBookingsPerMonth, ResourceStorageMB, ResourceAPICallsPerDay:
		return r, nil
	default:
		return "", ErrInvalidResource
	}
}

// Limits are entitlement ceilings. Zero means unlimited.
type Limits struct {
	MaxLibraries        int64 `gorm:"column:max_libraries" json:"max_libraries" mapstructure:"maxLibraries"`
	MaxUsers            int64 `gorm:"column:max_users" json:"max_users" mapstructure:"maxUsers"`
	MaxBookingsPerMonth int64 `gorm:"column:max_bookings_per_month" json:"max_bookings_per_month" mapstructure:"maxBookingsPerMonth"`
	MaxStorageMB        int64 `gorm:"column:max_storage_mb" json:"max_storage_mb" mapstructure:"maxStorageMb"`
	MaxAPICallsPerDay   int64 `gorm:"column:max_api_calls_per_day" json:"max_api_calls_per_day" mapstructure:"maxApiCallsPerDay"`
}

// Limit returns the ceiling for a resource.
func (l Limits) Limit(r Resource) int64 {
	switch r {
	case ResourceLibraries:
		return l.MaxLibraries
	case ResourceUsers:
		return l.MaxUsers
	case ResourceBookingsPerMonth:
		return l.MaxBookingsPerMonth
	case ResourceStorageMB:
		return l.MaxStorageMB
	case ResourceAPICallsPerDay:
		return l.MaxAPICallsPerDay
	default:
		return 0
	}
}

// Plan is a purchasable catalog entry. Prices are minor units of Currency.
type Plan struct {
	ID           string                      `gorm:"primaryKey;type:text" json:"id"`
	Name         string                      `gorm:"type:text;not null" json:"name"`
	MonthlyPrice int64                       `gorm:"not null" json:"monthly_price"`
	YearlyPrice  int64                       `gorm:"not null" json:"yearly_price"`
	Currency     string                      `gorm:"type:text;not null" json:"currency"`
	Features     datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"features"`
	Limits       `gorm:"embedded" json:"limits"`
	TierRank     int       `gorm:"not null" json:"tier_rank"`
	TrialDays    int       `gorm:"not null;default:0" json:"trial_days"`
	Active       bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// PriceFor returns the per-period price for the interval.
func (p Plan) PriceFor(interval Interval) (int64, error) {
	switch interval {
	case IntervalMonthly:
		return p.MonthlyPrice, nil
	case IntervalYearly:
		return p.YearlyPrice, nil
	default:
		return 0, ErrInvalidInterval
	}
}

func (p Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// SameTerms reports whether two plan records bill identically. Catalog reloads
// may change display fields of a referenced plan but never its terms.
func (p Plan) SameTerms(other Plan) bool {
	return p.MonthlyPrice == other.MonthlyPrice &&
		p.YearlyPrice == other.YearlyPrice &&
		strings.EqualFold(p.Currency, other.Currency) &&
		p.TierRank == other.TierRank &&
		p.TrialDays == other.TrialDays &&
		p.Limits == other.Limits
}

// NormalizeID maps free-form plan identifiers such as "Pro V2" onto catalog ids like "pro-v2".
func NormalizeID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return slug.Make(raw)
}
