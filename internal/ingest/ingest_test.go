package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
	"github.com/fleetmeter/fleetmeter/internal/store"
	"github.com/fleetmeter/fleetmeter/internal/syncset"
)

func newTestReconciler() *Reconciler {
	return New(store.NewMemoryStore(), syncset.New(nil))
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// Clean start then stop produces exactly one closed session with the
// expected duration.
func TestCleanStartStop(t *testing.T) {
	r := newTestReconciler()
	ctx := context.Background()

	startRes, err := r.VMStart(ctx, "pve1", "100", "web", domain.KindFullVM, at("2026-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("VMStart: %v", err)
	}

	stopRes, err := r.VMStop(ctx, "pve1", "100", at("2026-01-01T01:00:00Z"))
	if err != nil {
		t.Fatalf("VMStop: %v", err)
	}
	if stopRes.SessionID != startRes.SessionID {
		t.Fatalf("expected stop to close the session VMStart opened")
	}
	if stopRes.DurationSeconds != 3600 {
		t.Fatalf("expected 3600s duration, got %d", stopRes.DurationSeconds)
	}

	open, err := r.store.FindOpen(ctx, "pve1", "100")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	if open != nil {
		t.Fatalf("expected no open session after stop")
	}
}

// A missed stop event is healed by the next snapshot: the snapshot no
// longer lists the VM at all, so the dangling open session is closed.
func TestMissedStopHealedBySnapshot(t *testing.T) {
	r := newTestReconciler()
	ctx := context.Background()

	if _, err := r.VMStart(ctx, "pve1", "100", "web", domain.KindFullVM, at("2026-01-01T00:00:00Z")); err != nil {
		t.Fatalf("VMStart: %v", err)
	}

	res, err := r.VMStates(ctx, "pve1", at("2026-01-01T03:00:00Z"), []domain.VMState{})
	if err != nil {
		t.Fatalf("VMStates: %v", err)
	}
	if res.SessionsStopped != 1 {
		t.Fatalf("expected snapshot to close the vanished VM's session, got %d stops", res.SessionsStopped)
	}

	open, err := r.store.FindOpen(ctx, "pve1", "100")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	if open != nil {
		t.Fatalf("expected session closed after convergence snapshot")
	}
}

// A duplicate vm-start (same VM, later start_time) is a no-op: it does not
// open a second session or move the existing start_time forward.
func TestDuplicateStartIsIdempotent(t *testing.T) {
	r := newTestReconciler()
	ctx := context.Background()

	first, err := r.VMStart(ctx, "pve1", "100", "web", domain.KindFullVM, at("2026-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("VMStart: %v", err)
	}

	second, err := r.VMStart(ctx, "pve1", "100", "web", domain.KindFullVM, at("2026-01-01T00:30:00Z"))
	if err != nil {
		t.Fatalf("duplicate VMStart: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("expected duplicate start to resolve to the same session")
	}

	open, err := r.store.FindOpen(ctx, "pve1", "100")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	if !open.StartTime.Equal(at("2026-01-01T00:00:00Z")) {
		t.Fatalf("expected start_time unchanged by a later duplicate, got %v", open.StartTime)
	}
}

// A vm-start reported with an earlier start_time than the existing open
// session widens it; it never narrows an already-open session.
func TestBackdatedStartWidensNeverNarrows(t *testing.T) {
	r := newTestReconciler()
	ctx := context.Background()

	if _, err := r.VMStart(ctx, "pve1", "100", "web", domain.KindFullVM, at("2026-01-01T01:00:00Z")); err != nil {
		t.Fatalf("VMStart: %v", err)
	}

	if _, err := r.VMStart(ctx, "pve1", "100", "web", domain.KindFullVM, at("2026-01-01T00:00:00Z")); err != nil {
		t.Fatalf("backdated VMStart: %v", err)
	}

	open, err := r.store.FindOpen(ctx, "pve1", "100")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	if !open.StartTime.Equal(at("2026-01-01T00:00:00Z")) {
		t.Fatalf("expected widen to the earlier start_time, got %v", open.StartTime)
	}

	// A later "start" than the (now widened) recorded start must not narrow it.
	if _, err := r.VMStart(ctx, "pve1", "100", "web", domain.KindFullVM, at("2026-01-01T00:30:00Z")); err != nil {
		t.Fatalf("later VMStart: %v", err)
	}
	open, err = r.store.FindOpen(ctx, "pve1", "100")
	if err != nil {
		t.Fatalf("FindOpen: %v", err)
	}
	if !open.StartTime.Equal(at("2026-01-01T00:00:00Z")) {
		t.Fatalf("expected start_time to remain widened, got %v", open.StartTime)
	}
}

// A vm-stop for a VM with no open session is benign and is not an error.
func TestStopWithNoOpenSessionIsBenign(t *testing.T) {
	r := newTestReconciler()
	ctx := context.Background()

	res, err := r.VMStop(ctx, "pve1", "999", at("2026-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("expected no error for stop with no open session, got %v", err)
	}
	if res.SessionID != "" {
		t.Fatalf("expected empty result for a no-op stop")
	}
}

// A full snapshot converges two kinds of missed state at once: one VM that
// is running but untracked opens, one that is tracked-open but no longer
// reported closes.
func TestSnapshotConvergence(t *testing.T) {
	r := newTestReconciler()
	ctx := context.Background()

	if _, err := r.VMStart(ctx, "pve1", "100", "stale", domain.KindFullVM, at("2026-01-01T00:00:00Z")); err != nil {
		t.Fatalf("VMStart: %v", err)
	}

	res, err := r.VMStates(ctx, "pve1", at("2026-01-01T02:00:00Z"), []domain.VMState{
		{Node: "pve1", VMID: "200", Kind: domain.KindFullVM, Status: domain.StatusRunning, UptimeSeconds: 1800},
	})
	if err != nil {
		t.Fatalf("VMStates: %v", err)
	}
	if res.SessionsStarted != 1 || res.SessionsStopped != 1 {
		t.Fatalf("expected one start and one stop, got %+v", res)
	}

	newSess, err := r.store.FindOpen(ctx, "pve1", "200")
	if err != nil {
		t.Fatalf("FindOpen 200: %v", err)
	}
	if newSess == nil {
		t.Fatalf("expected VM 200 to be open")
	}
	if !newSess.StartTime.Equal(at("2026-01-01T01:30:00Z")) {
		t.Fatalf("expected start_time backdated by uptime_seconds, got %v", newSess.StartTime)
	}

	oldSess, err := r.store.FindOpen(ctx, "pve1", "100")
	if err != nil {
		t.Fatalf("FindOpen 100: %v", err)
	}
	if oldSess != nil {
		t.Fatalf("expected VM 100's session closed by the snapshot")
	}
}
