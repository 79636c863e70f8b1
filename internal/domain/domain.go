// Package domain holds the shared types that flow between the agent, the
// manager's ingest reconciler, the session store, and the usage calculator.
// Nothing in this package talks to a network or a database; it is the
// vocabulary the rest of the module shares.
package domain

import "time"

// GuestKind distinguishes a full virtual machine from a system container.
// The system treats both identically except for this tag.
type GuestKind string

const (
	KindFullVM     GuestKind = "full-vm"
	KindContainer  GuestKind = "container"
)

// GuestStatus is the normalized status of a VM as observed by a probe.
type GuestStatus string

const (
	StatusRunning GuestStatus = "running"
	StatusStopped GuestStatus = "stopped"
	StatusPaused  GuestStatus = "paused"
	StatusUnknown GuestStatus = "unknown"
)

// VMState is the agent-local, ephemeral view of one VM at one poll. It is
// never persisted centrally as history; only its effect on the session log
// (via start/stop events or a snapshot) is.
type VMState struct {
	Node          string      `json:"node"`
	VMID          string      `json:"vm_id"`
	Kind          GuestKind   `json:"kind"`
	Name          string      `json:"name,omitempty"`
	Status        GuestStatus `json:"status"`
	UptimeSeconds int64       `json:"uptime_seconds"`
}

// Session is one continuous interval during which a VM was running, as
// known to the manager. At most one Session per (Node, VMID) may have
// IsRunning true — the single-open-session invariant.
type Session struct {
	ID              string     `json:"id"`
	Node            string     `json:"node"`
	VMID            string     `json:"vm_id"`
	Kind            GuestKind  `json:"kind"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	IsRunning       bool       `json:"is_running"`
	StartCorrelator string     `json:"start_correlator,omitempty"`
	StopCorrelator  string     `json:"stop_correlator,omitempty"`
	User            string     `json:"user,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clip returns the portion of the session's [start, end) interval that
// overlaps [t0, t1), in seconds. end is computed as EndTime if set, else
// "now" passed by the caller. Returns 0 for no overlap, never negative.
func (s *Session) Clip(t0, t1, now time.Time) int64 {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	start := s.StartTime
	if start.Before(t0) {
		start = t0
	}
	if end.After(t1) {
		end = t1
	}
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}

// TrackedVM is the current-state mirror for one (Node, VMID). It is
// authoritative only for "last known status," never for billable duration.
type TrackedVM struct {
	Node          string      `json:"node"`
	VMID          string      `json:"vm_id"`
	Name          string      `json:"name,omitempty"`
	Kind          GuestKind   `json:"kind"`
	CurrentStatus GuestStatus `json:"current_status"`
	LastSeen      time.Time   `json:"last_seen"`
}

// Node is one hypervisor host running one agent.
type Node struct {
	Name          string    `json:"name"`
	Hostname      string    `json:"hostname,omitempty"`
	IsActive      bool      `json:"is_active"`
	LastSeen      time.Time `json:"last_seen"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`
	TotalEvents   int64     `json:"total_events"`
	TotalVMs      int64     `json:"total_vms"`
}

// BillingCycle is the unit a Rental's rate is quoted against.
type BillingCycle string

const (
	CycleHourly  BillingCycle = "hourly"
	CycleWeekly  BillingCycle = "weekly"
	CycleMonthly BillingCycle = "monthly"
)

// Rental is a billing configuration attached to a (Node?, VMID) pair over a
// time range. It is independent of Session; the usage calculator only reads
// it to scope and price a query.
type Rental struct {
	ID           string       `json:"id"`
	Node         string       `json:"node,omitempty"`
	VMID         string       `json:"vm_id"`
	Customer     string       `json:"customer,omitempty"`
	RentalStart  time.Time    `json:"rental_start"`
	RentalEnd    *time.Time   `json:"rental_end,omitempty"`
	BillingCycle BillingCycle `json:"billing_cycle"`
	Rate         *float64     `json:"rate,omitempty"`
	Currency     string       `json:"currency"`
	IsActive     bool         `json:"is_active"`
	Notes        string       `json:"notes,omitempty"`
}

// NormalizeStatus maps an arbitrary hypervisor-reported status string to
// the four-value enum. Anything not recognized becomes StatusUnknown; the
// caller is expected to log that at debug, not fail the poll.
func NormalizeStatus(raw string) GuestStatus {
	switch raw {
	case "running":
		return StatusRunning
	case "stopped":
		return StatusStopped
	case "paused":
		return StatusPaused
	default:
		return StatusUnknown
	}
}
