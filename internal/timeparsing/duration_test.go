package timeparsing

import (
	"testing"
	"time"
)

func TestParseCompactDuration(t *testing.T) {
	// Mid-hour, early in the year, so month and year arithmetic cross a
	// boundary and hour windows are not aligned.
	now := time.Date(2025, 1, 10, 14, 37, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"-24h", time.Date(2025, 1, 9, 14, 37, 0, 0, time.UTC), true},
		{"-1d", time.Date(2025, 1, 9, 14, 37, 0, 0, time.UTC), true},
		{"-1w", time.Date(2025, 1, 3, 14, 37, 0, 0, time.UTC), true},
		{"-1m", time.Date(2024, 12, 10, 14, 37, 0, 0, time.UTC), true},
		{"-1y", time.Date(2024, 1, 10, 14, 37, 0, 0, time.UTC), true},
		{"+3h", time.Date(2025, 1, 10, 17, 37, 0, 0, time.UTC), true},
		{"48h", time.Date(2025, 1, 12, 14, 37, 0, 0, time.UTC), true},
		{"0h", now, true},
		{"168h", time.Date(2025, 1, 17, 14, 37, 0, 0, time.UTC), true},

		{"24", time.Time{}, false},
		{"h", time.Time{}, false},
		{"24 h", time.Time{}, false},
		{"1.5h", time.Time{}, false},
		{"24hours", time.Time{}, false},
		{"1D", time.Time{}, false},
		{"--1d", time.Time{}, false},
		{"1d-", time.Time{}, false},
		{"-", time.Time{}, false},
		{"", time.Time{}, false},
		{"2025-01-01", time.Time{}, false},
		{"yesterday", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.in, now)
			if !tt.ok {
				if err == nil {
					t.Errorf("ParseCompactDuration(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCompactDuration(%q) error: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseCompactDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsCompactDuration(t *testing.T) {
	for _, s := range []string{"24h", "-24h", "+7d", "2w", "-6m", "1y"} {
		if !IsCompactDuration(s) {
			t.Errorf("IsCompactDuration(%q) = false", s)
		}
	}
	for _, s := range []string{"", "24", "24H", "last week", "2025-01-15T00:00:00Z", "7d ago"} {
		if IsCompactDuration(s) {
			t.Errorf("IsCompactDuration(%q) = true", s)
		}
	}
}

func TestParseCompactDurationMonthEnd(t *testing.T) {
	// AddDate normalizes: one month before March 31 is "February 31",
	// which lands on March 3 in a non-leap year.
	mar31 := time.Date(2025, 3, 31, 8, 0, 0, 0, time.UTC)
	got, err := ParseCompactDuration("-1m", mar31)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("-1m from %v = %v, want %v", mar31, got, want)
	}
}

func TestParseCompactDurationLeapDay(t *testing.T) {
	mar1 := time.Date(2024, 3, 1, 0, 30, 0, 0, time.UTC)
	got, err := ParseCompactDuration("-1d", mar1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Month() != time.February || got.Day() != 29 {
		t.Errorf("-1d from %v = %v, want Feb 29", mar1, got)
	}
}

func TestParseCompactDurationKeepsZone(t *testing.T) {
	zone := time.FixedZone("CET", 60*60)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, zone)
	got, err := ParseCompactDuration("-2w", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Location() != zone {
		t.Errorf("location = %v, want %v", got.Location(), zone)
	}
	if got.Hour() != 12 {
		t.Errorf("hour = %d, want 12", got.Hour())
	}
}
