package tsdb

import (
	"testing"
	"time"
)

func TestPartitionNameDeterministic(t *testing.T) {
	t.Parallel()

	got := PartitionName("metrics_raw", 2026, time.January)
	want := "metrics_raw_y2026m01"
	if got != want {
		t.Errorf("PartitionName(2026, 1) = %q, want %q", got, want)
	}
	if again := PartitionName("metrics_raw", 2026, time.January); again != got {
		t.Errorf("second call = %q, want %q", again, got)
	}
	if got := PartitionName("metrics_raw", 2025, time.December); got != "metrics_raw_y2025m12" {
		t.Errorf("PartitionName(2025, 12) = %q", got)
	}
}

func TestPartitionOfMonthBounds(t *testing.T) {
	t.Parallel()

	// 2026-01-15 12:00:00 UTC
	ts := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC).UnixMilli()
	name, from, to := PartitionOf("metrics_raw", ts)

	if name != "metrics_raw_y2026m01" {
		t.Errorf("name = %q", name)
	}
	if !from.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from = %v", from)
	}
	if !to.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("to = %v", to)
	}
}

func TestParsePartitionName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		wantParent string
		wantStart  time.Time
		wantOK     bool
	}{
		{"metrics_raw_y2026m01", "metrics_raw", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"metrics_disk_y2025m12", "metrics_disk", time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), true},
		{"metrics_raw", "", time.Time{}, false},
		{"metrics_raw_y2026m13", "", time.Time{}, false},
		{"agents", "", time.Time{}, false},
	}
	for _, tt := range tests {
		parent, start, ok := ParsePartitionName(tt.name)
		if ok != tt.wantOK {
			t.Errorf("ParsePartitionName(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if parent != tt.wantParent || !start.Equal(tt.wantStart) {
			t.Errorf("ParsePartitionName(%q) = (%q, %v), want (%q, %v)",
				tt.name, parent, start, tt.wantParent, tt.wantStart)
		}
	}
}

func TestRetentionCutoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	cutoff := RetentionCutoff(now, 30)

	// 2026-02-15 减 30 天是 2026-01-16，截断到 2026-01-01
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !cutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", cutoff, want)
	}

	// 月起点严格早于界限的分区才删除
	dec := mustParsePartition(t, "metrics_raw_y2025m12")
	jan := mustParsePartition(t, "metrics_raw_y2026m01")
	if !dec.Before(cutoff) {
		t.Error("2025-12 partition should be expired")
	}
	if jan.Before(cutoff) {
		t.Error("2026-01 partition should be kept")
	}
}

func mustParsePartition(t *testing.T, name string) time.Time {
	t.Helper()
	_, start, ok := ParsePartitionName(name)
	if !ok {
		t.Fatalf("ParsePartitionName(%q) failed", name)
	}
	return start
}
