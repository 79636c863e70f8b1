// Package usage clips sessions to arbitrary windows and produces totals,
// per-day buckets, and cost against a Rental.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
	"github.com/fleetmeter/fleetmeter/internal/metrics"
	"github.com/fleetmeter/fleetmeter/internal/observability"
	"github.com/fleetmeter/fleetmeter/internal/store"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Query describes one usage request: a VM (and optional node), a window,
// and whether the daily breakdown should be dense.
type Query struct {
	VMID   string
	Node   string // optional; empty means "any node"
	Window Window
	// Dense requests that every calendar day in Window appear in the daily
	// breakdown, including zero-valued days.
	Dense bool
}

// Result is the outcome of a usage Query.
type Result struct {
	TotalSeconds  int64
	SessionCount  int
	DailySeconds  map[string]int64 // date string (YYYY-MM-DD, UTC) -> seconds
}

// Calculator answers usage queries against a session store.
type Calculator struct {
	store store.Store
}

// New builds a Calculator over an existing store.
func New(st store.Store) *Calculator {
	return &Calculator{store: st}
}

// Query fetches every session overlapping the window, clips each to it,
// and accumulates totals, session count, and (optionally dense) daily
// buckets.
func (c *Calculator) Query(ctx context.Context, q Query) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "usage.query")
	defer span.End()

	started := time.Now()
	defer func() {
		metrics.RecordUsageQuery(float64(time.Since(started).Milliseconds()))
	}()

	if !q.Window.Start.Before(q.Window.End) {
		return nil, fmt.Errorf("usage query window must satisfy start < end")
	}

	sessions, err := c.store.SessionsOverlapping(ctx, q.VMID, q.Node, q.Window.Start, q.Window.End)
	if err != nil {
		return nil, fmt.Errorf("usage query: %w", err)
	}

	now := time.Now().UTC()
	result := &Result{DailySeconds: make(map[string]int64)}

	if q.Dense {
		seedDailyBuckets(result.DailySeconds, q.Window.Start, q.Window.End)
	}

	for i := range sessions {
		sess := sessions[i]
		contribution := sess.Clip(q.Window.Start, q.Window.End, now)
		if contribution <= 0 {
			// A session touching the window only at its boundary
			// contributes zero and is excluded from the count.
			continue
		}
		result.TotalSeconds += contribution
		result.SessionCount++
		accumulateDaily(result.DailySeconds, &sess, q.Window, now)
	}

	return result, nil
}

// seedDailyBuckets pre-populates every UTC calendar day in [start, end)
// with zero, so dense callers see a complete series.
func seedDailyBuckets(buckets map[string]int64, start, end time.Time) {
	day := startOfDayUTC(start)
	for day.Before(end) {
		buckets[dayKey(day)] = 0
		day = day.AddDate(0, 0, 1)
	}
}

// accumulateDaily walks calendar-day boundaries (UTC) within the clipped
// portion of sess that overlaps window, crediting each day its share of
// the session's duration.
func accumulateDaily(buckets map[string]int64, sess *domain.Session, window Window, now time.Time) {
	end := now
	if sess.EndTime != nil {
		end = *sess.EndTime
	}
	start := sess.StartTime
	if start.Before(window.Start) {
		start = window.Start
	}
	if end.After(window.End) {
		end = window.End
	}
	if !start.Before(end) {
		return
	}

	day := startOfDayUTC(start)
	for day.Before(end) {
		dayEnd := day.AddDate(0, 0, 1)
		segStart := start
		if day.After(segStart) {
			segStart = day
		}
		segEnd := end
		if dayEnd.Before(segEnd) {
			segEnd = dayEnd
		}
		if segEnd.After(segStart) {
			buckets[dayKey(day)] += int64(segEnd.Sub(segStart).Seconds())
		}
		day = dayEnd
	}
}

func startOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func dayKey(day time.Time) string {
	return day.Format("2006-01-02")
}

// Period seconds used for the weekly/monthly cost conversions below. These
// are fixed-length approximations, not calendar-accurate periods.
const (
	secondsPerHour  = 3600
	secondsPerWeek  = 7 * 86400
	secondsPerMonth = 30 * 86400
)

// Cost computes the price of totalSeconds of usage under rental. A nil
// Rate yields a nil cost, not zero — rentals with no price are not free.
func Cost(totalSeconds int64, rental *domain.Rental) *float64 {
	if rental == nil || rental.Rate == nil {
		return nil
	}

	var periodSeconds float64
	switch rental.BillingCycle {
	case domain.CycleHourly:
		periodSeconds = secondsPerHour
	case domain.CycleWeekly:
		periodSeconds = secondsPerWeek
	case domain.CycleMonthly:
		// Fixed 30-day approximation: wrong at month boundaries and for
		// 28/31-day months, but this is the chosen convention, not a
		// derived truth.
		periodSeconds = secondsPerMonth
	default:
		periodSeconds = secondsPerHour
	}

	cost := (float64(totalSeconds) / periodSeconds) * *rental.Rate
	return &cost
}
