package domain

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return tm
}

func TestSessionClipFullyInsideWindow(t *testing.T) {
	sess := &Session{
		StartTime: mustParse(t, "2026-01-01T01:00:00Z"),
		EndTime:   ptrTime(mustParse(t, "2026-01-01T02:00:00Z")),
	}
	t0 := mustParse(t, "2026-01-01T00:00:00Z")
	t1 := mustParse(t, "2026-01-02T00:00:00Z")

	got := sess.Clip(t0, t1, mustParse(t, "2026-01-03T00:00:00Z"))
	if got != 3600 {
		t.Fatalf("expected 3600 seconds, got %d", got)
	}
}

func TestSessionClipTruncatesAtWindowBoundaries(t *testing.T) {
	sess := &Session{
		StartTime: mustParse(t, "2025-12-31T23:00:00Z"),
		EndTime:   ptrTime(mustParse(t, "2026-01-01T02:00:00Z")),
	}
	t0 := mustParse(t, "2026-01-01T00:00:00Z")
	t1 := mustParse(t, "2026-01-01T01:00:00Z")

	got := sess.Clip(t0, t1, mustParse(t, "2026-01-03T00:00:00Z"))
	if got != 3600 {
		t.Fatalf("expected truncated 3600 seconds, got %d", got)
	}
}

func TestSessionClipOpenSessionUsesNow(t *testing.T) {
	sess := &Session{
		StartTime: mustParse(t, "2026-01-01T00:00:00Z"),
		IsRunning: true,
	}
	t0 := mustParse(t, "2026-01-01T00:00:00Z")
	t1 := mustParse(t, "2026-01-02T00:00:00Z")
	now := mustParse(t, "2026-01-01T12:00:00Z")

	got := sess.Clip(t0, t1, now)
	if got != 12*3600 {
		t.Fatalf("expected 12h of clipped usage, got %d seconds", got)
	}
}

func TestSessionClipNoOverlapIsZero(t *testing.T) {
	sess := &Session{
		StartTime: mustParse(t, "2026-02-01T00:00:00Z"),
		EndTime:   ptrTime(mustParse(t, "2026-02-01T01:00:00Z")),
	}
	t0 := mustParse(t, "2026-01-01T00:00:00Z")
	t1 := mustParse(t, "2026-01-02T00:00:00Z")

	got := sess.Clip(t0, t1, mustParse(t, "2026-03-01T00:00:00Z"))
	if got != 0 {
		t.Fatalf("expected zero for non-overlapping session, got %d", got)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]GuestStatus{
		"running": StatusRunning,
		"stopped": StatusStopped,
		"paused":  StatusPaused,
		"zombie":  StatusUnknown,
		"":        StatusUnknown,
	}
	for raw, want := range cases {
		if got := NormalizeStatus(raw); got != want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
