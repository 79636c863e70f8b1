// Package ingest is the manager-side reconciler: it applies single
// vm-start/vm-stop events and full vm-states snapshots to the session
// log while preserving the single-open-session-per-VM invariant in the
// face of missed events, duplicates, and independent restarts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
	"github.com/fleetmeter/fleetmeter/internal/logging"
	"github.com/fleetmeter/fleetmeter/internal/metrics"
	"github.com/fleetmeter/fleetmeter/internal/observability"
	"github.com/fleetmeter/fleetmeter/internal/store"
	"github.com/fleetmeter/fleetmeter/internal/syncset"
)

// Reconciler is the single entry point for node registration and every
// event/snapshot ingest operation. One Reconciler serves every node;
// per-node serialization is provided internally by a keyed mutex.
type Reconciler struct {
	store    store.Store
	syncSet  *syncset.Set
	nodeLock *keyedMutex
}

// New builds a Reconciler over an existing store and force-sync set.
func New(st store.Store, ss *syncset.Set) *Reconciler {
	return &Reconciler{
		store:    st,
		syncSet:  ss,
		nodeLock: newKeyedMutex(),
	}
}

// RegisterNode upserts a node by name, recording its hostname.
func (r *Reconciler) RegisterNode(ctx context.Context, name, hostname string) (*domain.Node, error) {
	unlock := r.nodeLock.Lock(name)
	defer unlock()
	return r.store.RegisterNode(ctx, name, hostname)
}

// VMStartResult is returned by VMStart.
type VMStartResult struct {
	SessionID string
}

// VMStart is idempotent open-or-widen on the unique open session for
// (node, vm_id).
func (r *Reconciler) VMStart(ctx context.Context, node, vmID, name string, kind domain.GuestKind, startTime time.Time) (*VMStartResult, error) {
	unlock := r.nodeLock.Lock(node)
	defer unlock()

	if err := r.store.TouchNode(ctx, node); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if err := r.store.UpsertTrackedVM(ctx, domain.TrackedVM{
		Node:          node,
		VMID:          vmID,
		Name:          name,
		Kind:          kind,
		CurrentStatus: domain.StatusRunning,
		LastSeen:      startTime,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	existing, err := r.store.FindOpen(ctx, node, vmID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if existing != nil {
		// Widen on an earlier start_time, otherwise no-op.
		if startTime.Before(existing.StartTime) {
			if err := r.store.WidenSessionStart(ctx, existing.ID, startTime); err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
			}
		}
		if err := r.bumpStats(ctx, node); err != nil {
			return nil, err
		}
		return &VMStartResult{SessionID: existing.ID}, nil
	}

	session, err := r.store.OpenSession(ctx, node, vmID, kind, startTime)
	if err != nil {
		if isAlreadyOpen(err) {
			// StoreConflict: a racing caller won the conditional insert;
			// treat as "already open" and fetch the winner's row.
			winner, findErr := r.store.FindOpen(ctx, node, vmID)
			if findErr != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, findErr)
			}
			if winner == nil {
				return nil, fmt.Errorf("%w: open session vanished after conflict", domain.ErrStoreUnavailable)
			}
			if err := r.bumpStats(ctx, node); err != nil {
				return nil, err
			}
			return &VMStartResult{SessionID: winner.ID}, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if err := r.bumpStats(ctx, node); err != nil {
		return nil, err
	}
	metrics.RecordSessionStart(node)
	return &VMStartResult{SessionID: session.ID}, nil
}

// VMStopResult is returned by VMStop.
type VMStopResult struct {
	SessionID       string
	DurationSeconds int64
}

// VMStop closes the open session for (node, vmID). A stop without a
// prior open session is benign — it restores convergence and is not an
// error.
func (r *Reconciler) VMStop(ctx context.Context, node, vmID string, stopTime time.Time) (*VMStopResult, error) {
	unlock := r.nodeLock.Lock(node)
	defer unlock()

	if err := r.store.TouchNode(ctx, node); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	existing, err := r.store.FindOpen(ctx, node, vmID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if err := r.store.UpsertTrackedVM(ctx, domain.TrackedVM{
		Node:          node,
		VMID:          vmID,
		Kind:          guestKindOrDefault(existing),
		CurrentStatus: domain.StatusStopped,
		LastSeen:      stopTime,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if existing == nil {
		logging.Op().Debug("vm-stop with no open session, ignoring", "node", node, "vm_id", vmID)
		if err := r.bumpStats(ctx, node); err != nil {
			return nil, err
		}
		return &VMStopResult{}, nil
	}

	closed, err := r.store.CloseSession(ctx, existing.ID, stopTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if err := r.bumpStats(ctx, node); err != nil {
		return nil, err
	}
	metrics.RecordSessionStop(node)

	var dur int64
	if closed.DurationSeconds != nil {
		dur = *closed.DurationSeconds
	}
	return &VMStopResult{SessionID: closed.ID, DurationSeconds: dur}, nil
}

// VMStatesResult is returned by VMStates.
type VMStatesResult struct {
	VMsProcessed     int
	SessionsStarted  int
	SessionsStopped  int
}

// VMStates is the authoritative convergence path: given a full snapshot
// of a node's VM inventory, it opens sessions for newly-running VMs,
// closes sessions for VMs no longer running, and closes sessions for
// any VM the snapshot doesn't mention at all.
func (r *Reconciler) VMStates(ctx context.Context, node string, snapshotTime time.Time, vms []domain.VMState) (*VMStatesResult, error) {
	ctx, span := observability.StartSpan(ctx, "ingest.vm_states")
	defer span.End()

	unlock := r.nodeLock.Lock(node)
	defer unlock()

	if err := r.store.TouchNode(ctx, node); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	open, err := r.store.OpenSessionsForNode(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	openCount := len(open)

	result := &VMStatesResult{VMsProcessed: len(vms)}
	seen := make(map[string]struct{}, len(vms))

	for _, vm := range vms {
		seen[vm.VMID] = struct{}{}

		if err := r.store.UpsertTrackedVM(ctx, domain.TrackedVM{
			Node:          node,
			VMID:          vm.VMID,
			Name:          vm.Name,
			Kind:          vm.Kind,
			CurrentStatus: vm.Status,
			LastSeen:      snapshotTime,
		}); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}

		_, isOpen := open[vm.VMID]

		switch {
		case vm.Status == domain.StatusRunning && !isOpen:
			startTime := snapshotTime
			if vm.UptimeSeconds > 0 {
				startTime = snapshotTime.Add(-time.Duration(vm.UptimeSeconds) * time.Second)
			}
			if _, err := r.store.OpenSession(ctx, node, vm.VMID, vm.Kind, startTime); err != nil && !isAlreadyOpen(err) {
				return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
			}
			result.SessionsStarted++
			openCount++
			metrics.RecordSessionStart(node)

		case vm.Status != domain.StatusRunning && isOpen:
			sess := open[vm.VMID]
			if _, err := r.store.CloseSession(ctx, sess.ID, snapshotTime); err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
			}
			result.SessionsStopped++
			openCount--
			metrics.RecordSessionStop(node)
		}
	}

	// Step 4: anything open that the snapshot didn't mention has vanished.
	for vmID, sess := range open {
		if _, stillReported := seen[vmID]; stillReported {
			continue
		}
		if _, err := r.store.CloseSession(ctx, sess.ID, snapshotTime); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		result.SessionsStopped++
		openCount--
		metrics.RecordSessionStop(node)
	}

	metrics.SetSessionsOpen(node, float64(openCount))

	if err := r.bumpStats(ctx, node); err != nil {
		return nil, err
	}
	return result, nil
}

// Heartbeat touches the node's last_seen and reports whether a force-sync
// is pending for it, clearing that node's own pending flag.
func (r *Reconciler) Heartbeat(ctx context.Context, node string, at time.Time) (forceSync bool, err error) {
	if err := r.store.TouchNode(ctx, node); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return r.syncSet.TestAndClear(ctx, node), nil
}

// RequestForceSync marks node (or every node, if node is empty) for sync on
// its next heartbeat reply, and returns the number of distinct entries now
// pending in the force-sync set (the wildcard counts as one entry).
func (r *Reconciler) RequestForceSync(ctx context.Context, node string) (int, error) {
	if err := r.syncSet.RequestSync(ctx, node); err != nil {
		return 0, err
	}
	members, err := r.syncSet.NodesNotified(ctx)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// bumpStats records one more event for node in its event statistics. It
// does not check for more than one open session per (node, vm_id); that
// invariant rests on the store (the partial unique index in PostgresStore,
// the open-session check in MemoryStore).
func (r *Reconciler) bumpStats(ctx context.Context, node string) error {
	if err := r.store.BumpNodeEventStats(ctx, node, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func guestKindOrDefault(existing *domain.Session) domain.GuestKind {
	if existing != nil {
		return existing.Kind
	}
	return domain.KindFullVM
}

func isAlreadyOpen(err error) bool {
	return errors.Is(err, domain.ErrAlreadyOpen)
}
