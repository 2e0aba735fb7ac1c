package schedule

import (
	"testing"
	"time"
)

const fullDay = "00:00-05:59>0=48;06:00-16:59>0=16:3=32:5=48;17:00-20:59>0=0:5=48;21:00-23:59>0=32:5=48"

func at(hh, mm int) time.Time {
	return time.Date(2025, 6, 12, hh, mm, 0, 0, time.UTC)
}

func TestParseFullDay(t *testing.T) {
	s, err := Parse(fullDay)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if got := s.CapAt(at(3, 30), 0); got != 48 {
		t.Errorf("night cap priority 0: got %d, want 48", got)
	}
	if got := s.CapAt(at(10, 0), 0); got != 16 {
		t.Errorf("day cap priority 0: got %d, want 16", got)
	}
	if got := s.CapAt(at(10, 0), 4); got != 32 {
		t.Errorf("day cap priority 4: got %d, want 32", got)
	}
	if got := s.CapAt(at(10, 0), 5); got != 48 {
		t.Errorf("day cap priority 5: got %d, want 48", got)
	}
}

func TestCapAtPriorityGate(t *testing.T) {
	s, err := Parse("00:00-16:59>0=48;17:00-20:59>0=0:5=48;21:00-23:59>0=48")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if got := s.CapAt(at(18, 0), 1); got != 0 {
		t.Errorf("evening cap priority 1: got %d, want 0", got)
	}
	if got := s.CapAt(at(18, 0), 5); got != 48 {
		t.Errorf("evening cap priority 5: got %d, want 48", got)
	}
	if got := s.CapAt(at(18, 0), 7); got != 48 {
		t.Errorf("evening cap priority 7: got %d, want 48", got)
	}
}

func TestCapAtNoQualifyingThreshold(t *testing.T) {
	s, err := Parse("00:00-23:59>3=24")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if got := s.CapAt(at(12, 0), 2); got != 0 {
		t.Errorf("priority below every threshold: got %d, want 0", got)
	}
	if got := s.CapAt(at(12, 0), 3); got != 24 {
		t.Errorf("priority at threshold: got %d, want 24", got)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name       string
		definition string
	}{
		{"empty", ""},
		{"gap", "00:00-11:59>0=16;13:00-23:59>0=16"},
		{"overlap", "00:00-12:59>0=16;12:00-23:59>0=16"},
		{"late start", "01:00-23:59>0=16"},
		{"early end", "00:00-22:59>0=16"},
		{"descending priorities", "00:00-23:59>5=16:0=32"},
		{"duplicate priority", "00:00-23:59>3=16:3=32"},
		{"bad token", "00:00-23:59>abc"},
		{"bad time", "00:0-23:59>0=16"},
		{"negative cap", "00:00-23:59>0=-5"},
		{"no settings", "00:00-23:59>"},
		{"reversed interval", "12:00-06:00>0=16;00:00-11:59>0=16"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.definition); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tc.definition)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	s, err := Parse(fullDay)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	reparsed, err := Parse(s.String())
	if err != nil {
		t.Fatalf("reserialized form failed to parse: %v", err)
	}
	for minute := 0; minute < 24*60; minute += 7 {
		ts := at(minute/60, minute%60)
		for priority := 0; priority <= 6; priority++ {
			if a, b := s.CapAt(ts, priority), reparsed.CapAt(ts, priority); a != b {
				t.Fatalf("CapAt(%02d:%02d, %d) changed across round-trip: %d vs %d",
					minute/60, minute%60, priority, a, b)
			}
		}
	}
}

func TestBucketsDescending(t *testing.T) {
	s, err := Parse(fullDay)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	buckets := s.Buckets(at(10, 0))
	if len(buckets) != 3 {
		t.Fatalf("got %d buckets, want 3", len(buckets))
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i].Priority >= buckets[i-1].Priority {
			t.Fatalf("buckets not descending: %v", buckets)
		}
	}
	if buckets[0].Priority != 5 || buckets[0].Cap != 48 {
		t.Errorf("top bucket: got %+v, want {5 48}", buckets[0])
	}
}
