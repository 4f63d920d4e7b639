// Package retention holds the pure date arithmetic behind retention
// deadlines and quarantine resolution windows. Nothing here reads the clock.
package retention

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/complyledger/evidence/internal/models"
)

const (
	MinCustomDays = 1
	MaxCustomDays = 36500

	// ResolutionWindowDays bounds how far out a quarantine resolution may be scheduled.
	ResolutionWindowDays = 90
)

var (
	ErrUnknownPolicy     = errors.New("unknown retention policy")
	ErrCustomDaysRange   = fmt.Errorf("retention_custom_days must be between %d and %d", MinCustomDays, MaxCustomDays)
	ErrUnparseableDate   = errors.New("date must be YYYY-MM-DD or RFC 3339")
	ErrOutsideResolution = fmt.Errorf("resolution_due_date must fall after today and within %d days", ResolutionWindowDays)
)

// ValidPolicy reports whether p is one of the four supported policies.
func ValidPolicy(p models.RetentionPolicy) bool {
	switch p {
	case models.RetentionStandard1Year, models.Retention3Years, models.Retention7Years, models.RetentionCustom:
		return true
	}
	return false
}

// EndsAt applies a retention policy to the sealing instant.
func EndsAt(policy models.RetentionPolicy, customDays int, sealedAt time.Time) (time.Time, error) {
	base := sealedAt.UTC()
	switch policy {
	case models.RetentionStandard1Year:
		return base.AddDate(1, 0, 0), nil
	case models.Retention3Years:
		return base.AddDate(3, 0, 0), nil
	case models.Retention7Years:
		return base.AddDate(7, 0, 0), nil
	case models.RetentionCustom:
		if customDays < MinCustomDays || customDays > MaxCustomDays {
			return time.Time{}, ErrCustomDaysRange
		}
		return base.AddDate(0, 0, customDays), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
}

// ParseDate accepts a calendar date or a full RFC 3339 timestamp and returns
// the UTC calendar day it falls on.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Day(t), nil
	}
	return time.Time{}, ErrUnparseableDate
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// CheckResolutionDate enforces today < due <= today+90 on UTC calendar days.
// Tomorrow is the earliest accepted date.
func CheckResolutionDate(due, now time.Time) error {
	today := Day(now)
	d := Day(due)
	if !d.After(today) {
		return ErrOutsideResolution
	}
	if d.After(today.AddDate(0, 0, ResolutionWindowDays)) {
		return ErrOutsideResolution
	}
	return nil
}

// Overdue reports whether a quarantine deadline has passed as of now.
func Overdue(due, now time.Time) bool {
	return Day(now).After(Day(due))
}
