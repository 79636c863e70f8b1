package usage

import (
	"context"
	"testing"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
	"github.com/fleetmeter/fleetmeter/internal/store"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// Usage clipping: a session spanning a query window's edges contributes
// only the overlapping portion, and a session entirely outside it
// contributes nothing.
func TestQueryClipsSessionsToWindow(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := st.OpenSession(ctx, "pve1", "100", domain.KindFullVM, at("2025-12-31T23:00:00Z")); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	open, _ := st.FindOpen(ctx, "pve1", "100")
	if _, err := st.CloseSession(ctx, open.ID, at("2026-01-01T02:00:00Z")); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	// An entirely unrelated session, outside the query window.
	if _, err := st.OpenSession(ctx, "pve1", "100", domain.KindFullVM, at("2026-02-01T00:00:00Z")); err != nil {
		t.Fatalf("OpenSession unrelated: %v", err)
	}
	open2, _ := st.FindOpen(ctx, "pve1", "100")
	if _, err := st.CloseSession(ctx, open2.ID, at("2026-02-01T01:00:00Z")); err != nil {
		t.Fatalf("CloseSession unrelated: %v", err)
	}

	calc := New(st)
	result, err := calc.Query(ctx, Query{
		VMID: "100",
		Node: "pve1",
		Window: Window{
			Start: at("2026-01-01T00:00:00Z"),
			End:   at("2026-01-01T01:00:00Z"),
		},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.TotalSeconds != 3600 {
		t.Fatalf("expected 3600s clipped total, got %d", result.TotalSeconds)
	}
	if result.SessionCount != 1 {
		t.Fatalf("expected exactly 1 contributing session, got %d", result.SessionCount)
	}
}

// Window additivity: querying [a,b) plus [b,c) sums to the same total as
// querying [a,c) directly.
func TestQueryWindowAdditivity(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := st.OpenSession(ctx, "pve1", "100", domain.KindFullVM, at("2026-01-01T00:00:00Z")); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	open, _ := st.FindOpen(ctx, "pve1", "100")
	if _, err := st.CloseSession(ctx, open.ID, at("2026-01-03T00:00:00Z")); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	calc := New(st)

	first, err := calc.Query(ctx, Query{VMID: "100", Node: "pve1", Window: Window{
		Start: at("2026-01-01T00:00:00Z"), End: at("2026-01-02T00:00:00Z"),
	}})
	if err != nil {
		t.Fatalf("Query first half: %v", err)
	}
	second, err := calc.Query(ctx, Query{VMID: "100", Node: "pve1", Window: Window{
		Start: at("2026-01-02T00:00:00Z"), End: at("2026-01-03T00:00:00Z"),
	}})
	if err != nil {
		t.Fatalf("Query second half: %v", err)
	}
	whole, err := calc.Query(ctx, Query{VMID: "100", Node: "pve1", Window: Window{
		Start: at("2026-01-01T00:00:00Z"), End: at("2026-01-03T00:00:00Z"),
	}})
	if err != nil {
		t.Fatalf("Query whole: %v", err)
	}

	if first.TotalSeconds+second.TotalSeconds != whole.TotalSeconds {
		t.Fatalf("window additivity violated: %d + %d != %d",
			first.TotalSeconds, second.TotalSeconds, whole.TotalSeconds)
	}
}

// Dense daily breakdown sums to the same total as TotalSeconds, and spans
// every calendar day in the window even when a day has zero usage.
func TestQueryDailyBreakdownRoundTrips(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := st.OpenSession(ctx, "pve1", "100", domain.KindFullVM, at("2026-01-01T12:00:00Z")); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	open, _ := st.FindOpen(ctx, "pve1", "100")
	if _, err := st.CloseSession(ctx, open.ID, at("2026-01-02T06:00:00Z")); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	calc := New(st)
	result, err := calc.Query(ctx, Query{
		VMID: "100", Node: "pve1",
		Window: Window{Start: at("2026-01-01T00:00:00Z"), End: at("2026-01-04T00:00:00Z")},
		Dense:  true,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if len(result.DailySeconds) != 3 {
		t.Fatalf("expected 3 dense daily buckets, got %d", len(result.DailySeconds))
	}

	var sum int64
	for _, v := range result.DailySeconds {
		sum += v
	}
	if sum != result.TotalSeconds {
		t.Fatalf("daily buckets sum %d does not match total %d", sum, result.TotalSeconds)
	}
	if result.DailySeconds["2026-01-03"] != 0 {
		t.Fatalf("expected zero-usage day present with zero value, got %d", result.DailySeconds["2026-01-03"])
	}
}

func TestCostNilRateYieldsNilCost(t *testing.T) {
	rental := &domain.Rental{BillingCycle: domain.CycleHourly}
	if got := Cost(3600, rental); got != nil {
		t.Fatalf("expected nil cost for nil rate, got %v", *got)
	}
}

func TestCostHourly(t *testing.T) {
	rate := 2.0
	rental := &domain.Rental{BillingCycle: domain.CycleHourly, Rate: &rate}
	got := Cost(3600, rental)
	if got == nil || *got != 2.0 {
		t.Fatalf("expected cost 2.0 for one hour at rate 2.0/hr, got %v", got)
	}
}

func TestCostWeekly(t *testing.T) {
	rate := 70.0
	rental := &domain.Rental{BillingCycle: domain.CycleWeekly, Rate: &rate}
	got := Cost(secondsPerWeek, rental)
	if got == nil || *got != 70.0 {
		t.Fatalf("expected cost 70.0 for one full week at rate 70/wk, got %v", got)
	}
}
