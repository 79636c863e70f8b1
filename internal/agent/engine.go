// Package agent implements the agent-side state engine: it diffs
// successive hypervisor polls into start/stop events, persists its cursor,
// and honors manager-requested force-sync by sending full snapshots.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
	"github.com/fleetmeter/fleetmeter/internal/agent/statefile"
	"github.com/fleetmeter/fleetmeter/internal/hypervisor"
	"github.com/fleetmeter/fleetmeter/internal/logging"
	"github.com/fleetmeter/fleetmeter/internal/transport"
)

// DefaultInterval is the agent's default poll/emit tick period.
const DefaultInterval = 30 * time.Second

// snapshotEvery forces a full snapshot send when the cycle count is
// divisible by this value, as a periodic convergence backstop independent
// of manager-requested force-sync.
const snapshotEvery = 100

// Prober is the subset of hypervisor.Probe the engine depends on.
type Prober interface {
	ListVMs(ctx context.Context, includeFullVM, includeContainer bool) ([]domain.VMState, error)
}

// Transport is the subset of transport.Client the engine depends on.
type Transport interface {
	VMStart(ctx context.Context, req transport.VMStartRequest) (*transport.VMStartResponse, error)
	VMStop(ctx context.Context, req transport.VMStopRequest) (*transport.VMStopResponse, error)
	VMStates(ctx context.Context, req transport.VMStatesRequest) (*transport.VMStatesResponse, error)
	Heartbeat(ctx context.Context, req transport.HeartbeatRequest) (*transport.HeartbeatResponse, error)
}

// Options configures an Engine.
type Options struct {
	Node             string
	StatePath        string
	Interval         time.Duration
	TrackFullVM      bool
	TrackContainer   bool
}

// Engine is the agent-side state engine. It holds the previous-poll
// state map and tick bookkeeping; one Engine drives one agent process.
type Engine struct {
	probe     Prober
	transport Transport
	opts      Options

	mu          sync.Mutex
	prev        map[string]domain.VMState
	cycle       int
	snapshotDue bool
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New constructs an Engine, loading the previous-state map from disk.
func New(probe Prober, tr Transport, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Engine{
		probe:     probe,
		transport: tr,
		opts:      opts,
		prev:      statefile.Load(opts.StatePath),
		stopCh:    make(chan struct{}),
	}
}

// RunOnce performs a single probe/diff/emit/persist cycle. It is used for
// CLI self-test and as the first tick on bootstrap.
func (e *Engine) RunOnce(ctx context.Context) error {
	return e.tick(ctx)
}

// RunForever ticks at the configured interval until ctx is canceled or Stop
// is called, emitting heartbeats and honoring force-sync on each tick. A
// 401/403 from the hypervisor probe ends the loop with that error.
func (e *Engine) RunForever(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	if err := e.tick(ctx); err != nil {
		if hypervisor.IsFatalAuth(err) {
			logging.Op().Error("hypervisor rejected credentials, halting", "error", err)
			return err
		}
		logging.Op().Warn("initial tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				if hypervisor.IsFatalAuth(err) {
					logging.Op().Error("hypervisor rejected credentials, halting", "error", err)
					return err
				}
				logging.Op().Warn("tick failed", "error", err)
			}
		}
	}
}

// Stop requests the loop exit at the next tick boundary. It does not block
// for the loop to actually exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// tick runs one probe/diff/emit/persist/heartbeat cycle.
func (e *Engine) tick(ctx context.Context) error {
	e.mu.Lock()
	e.cycle++
	cycle := e.cycle
	prev := e.prev
	e.mu.Unlock()

	states, err := e.probe.ListVMs(ctx, e.opts.TrackFullVM, e.opts.TrackContainer)
	if err != nil {
		// Step 1: probe failure skips the diff but still sends a heartbeat.
		logging.Op().Debug("probe failed, skipping diff this tick", "error", err)
		e.heartbeat(ctx)
		return err
	}

	next := make(map[string]domain.VMState, len(states))
	for _, s := range states {
		next[s.VMID] = s
	}

	e.emitTransitions(ctx, prev, next)

	e.mu.Lock()
	e.prev = next
	e.mu.Unlock()

	if err := statefile.Save(e.opts.StatePath, e.opts.Node, next); err != nil {
		logging.Op().Warn("failed to persist state file", "error", err)
	}

	forceSync := e.heartbeat(ctx)

	e.mu.Lock()
	due := e.snapshotDue || forceSync || cycle == 1 || cycle%snapshotEvery == 0
	e.snapshotDue = false
	e.mu.Unlock()

	if due {
		e.sendSnapshot(ctx, next)
	}

	return nil
}

// emitTransitions diffs prev against next and emits start/stop events for
// every observed transition. The state map (next, assigned by the
// caller) is swapped in regardless of emit failures — retaining the old
// map would cause duplicate start emissions forever.
func (e *Engine) emitTransitions(ctx context.Context, prev, next map[string]domain.VMState) {
	for vmID, cur := range next {
		old, existed := prev[vmID]
		switch {
		case !existed && cur.Status == domain.StatusRunning:
			e.emitStart(ctx, cur)
		case existed && old.Status != domain.StatusRunning && cur.Status == domain.StatusRunning:
			e.emitStart(ctx, cur)
		case existed && old.Status == domain.StatusRunning && cur.Status != domain.StatusRunning:
			e.emitStop(ctx, cur)
		}
	}

	for vmID, old := range prev {
		if _, stillPresent := next[vmID]; stillPresent {
			continue
		}
		if old.Status == domain.StatusRunning {
			// VM disappeared entirely; its last known state (node, vm_id)
			// is all we have to report against.
			e.emitStop(ctx, old)
		}
	}
}

func (e *Engine) emitStart(ctx context.Context, s domain.VMState) {
	_, err := e.transport.VMStart(ctx, transport.VMStartRequest{
		Node:      s.Node,
		VMID:      s.VMID,
		VMName:    s.Name,
		VMType:    string(s.Kind),
		StartTime: time.Now(),
	})
	if err != nil {
		logging.Op().Debug("vm-start emit failed, snapshot will reconcile", "vm_id", s.VMID, "error", err)
	}
}

func (e *Engine) emitStop(ctx context.Context, s domain.VMState) {
	_, err := e.transport.VMStop(ctx, transport.VMStopRequest{
		Node:     s.Node,
		VMID:     s.VMID,
		StopTime: time.Now(),
	})
	if err != nil {
		logging.Op().Debug("vm-stop emit failed, snapshot will reconcile", "vm_id", s.VMID, "error", err)
	}
}

// heartbeat sends the heartbeat and returns whether the reply requested a
// force-sync. A heartbeat failure is absorbed silently: it has no retry,
// and the next tick's heartbeat supersedes it.
func (e *Engine) heartbeat(ctx context.Context) bool {
	resp, err := e.transport.Heartbeat(ctx, transport.HeartbeatRequest{
		Node:      e.opts.Node,
		Timestamp: time.Now(),
	})
	if err != nil {
		logging.Op().Debug("heartbeat failed", "error", err)
		return false
	}
	return resp.ForceSync
}

func (e *Engine) sendSnapshot(ctx context.Context, states map[string]domain.VMState) {
	vms := make([]transport.VMStateWire, 0, len(states))
	for _, s := range states {
		vms = append(vms, transport.VMStateWire{
			VMID:   s.VMID,
			Kind:   string(s.Kind),
			Name:   s.Name,
			Status: string(s.Status),
			Uptime: s.UptimeSeconds,
		})
	}

	_, err := e.transport.VMStates(ctx, transport.VMStatesRequest{
		Node:      e.opts.Node,
		Timestamp: time.Now(),
		VMs:       vms,
	})
	if err != nil {
		// The snapshot is the convergence mechanism; if it fails, mark one
		// due again so the next tick retries rather than waiting for the
		// next 100-cycle boundary.
		logging.Op().Warn("snapshot send failed, will retry next tick", "error", err)
		e.mu.Lock()
		e.snapshotDue = true
		e.mu.Unlock()
	}
}
