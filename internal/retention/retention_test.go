package retention

import (
	"errors"
	"testing"
	"time"

	"github.com/complyledger/evidence/internal/models"
)

func TestEndsAt(t *testing.T) {
	sealed := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		policy  models.RetentionPolicy
		days    int
		want    time.Time
		wantErr bool
	}{
		{"one year", models.RetentionStandard1Year, 0, time.Date(2027, 3, 15, 10, 30, 0, 0, time.UTC), false},
		{"three years", models.Retention3Years, 0, time.Date(2029, 3, 15, 10, 30, 0, 0, time.UTC), false},
		{"seven years", models.Retention7Years, 0, time.Date(2033, 3, 15, 10, 30, 0, 0, time.UTC), false},
		{"custom 30 days", models.RetentionCustom, 30, time.Date(2026, 4, 14, 10, 30, 0, 0, time.UTC), false},
		{"custom zero days", models.RetentionCustom, 0, time.Time{}, true},
		{"custom too long", models.RetentionCustom, MaxCustomDays + 1, time.Time{}, true},
		{"unknown policy", models.RetentionPolicy("FOREVER"), 0, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EndsAt(tt.policy, tt.days, sealed)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEndsAt_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	sealed := time.Date(2026, 1, 1, 2, 0, 0, 0, loc)

	got, err := EndsAt(models.RetentionStandard1Year, 0, sealed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Location() != time.UTC {
		t.Errorf("expected UTC result, got %v", got.Location())
	}
	if want := time.Date(2025, 12, 31, 21, 0, 0, 0, time.UTC).AddDate(1, 0, 0); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCheckResolutionDate(t *testing.T) {
	now := time.Date(2026, 6, 1, 23, 59, 0, 0, time.UTC)

	tests := []struct {
		name string
		due  time.Time
		ok   bool
	}{
		{"today", now, false},
		{"yesterday", now.AddDate(0, 0, -1), false},
		{"tomorrow", now.AddDate(0, 0, 1), true},
		{"ninety days", now.AddDate(0, 0, 90), true},
		{"ninety one days", now.AddDate(0, 0, 91), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckResolutionDate(tt.due, now)
			if tt.ok && err != nil {
				t.Errorf("expected accepted, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrOutsideResolution) {
				t.Errorf("expected ErrOutsideResolution, got %v", err)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2026-07-01", time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), false},
		{"2026-07-01T22:00:00-05:00", time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC), false},
		{" 2026-07-01 ", time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), false},
		{"07/01/2026", time.Time{}, true},
		{"", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestOverdue(t *testing.T) {
	due := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	if Overdue(due, time.Date(2026, 6, 10, 23, 0, 0, 0, time.UTC)) {
		t.Error("deadline day itself is not overdue")
	}
	if !Overdue(due, time.Date(2026, 6, 11, 0, 1, 0, 0, time.UTC)) {
		t.Error("expected overdue the day after the deadline")
	}
}
