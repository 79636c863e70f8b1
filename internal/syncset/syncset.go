// Package syncset implements the force-sync pending set: a set of node
// names (plus an optional wildcard) that the heartbeat operation drains.
// It is backed by Redis when available and degrades to an in-memory set
// on primary failure, probing for recovery.
package syncset

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fleetmeter/fleetmeter/internal/logging"
	"github.com/fleetmeter/fleetmeter/internal/metrics"
)

// wildcardMember is the Redis set member meaning "every node."
const wildcardMember = "*"

// probeInterval throttles how often a degraded Set re-checks Redis health.
const probeInterval = 5 * time.Second

const redisKey = "fleetmeter:force-sync:pending"

// Set tracks which nodes have a pending force-sync request. RequestSync,
// TestAndClear and NodesNotified are the only operations the ingest
// reconciler and transport (heartbeat reply) paths need.
type Set struct {
	client *redis.Client

	degraded      atomic.Bool
	probeMu       sync.Mutex
	lastProbeTime atomic.Value

	local   *localSet
}

// New builds a Set against an existing Redis client. A nil client runs the
// set permanently in local (single-process) mode — acceptable for a
// single manager instance, since losing this state on manager restart is
// benign.
func New(client *redis.Client) *Set {
	s := &Set{client: client, local: newLocalSet()}
	s.lastProbeTime.Store(time.Time{})
	if client == nil {
		s.degraded.Store(true)
	}
	return s
}

// RequestSync marks node (or the empty string for "every node") as pending.
func (s *Set) RequestSync(ctx context.Context, node string) error {
	member := node
	if member == "" {
		member = wildcardMember
	}

	if s.useLocal(ctx) {
		s.local.add(member)
		return nil
	}

	if err := s.client.SAdd(ctx, redisKey, member).Err(); err != nil {
		s.degrade(err)
		s.local.add(member)
		return nil
	}
	return nil
}

// TestAndClear reports whether node has a pending force-sync request
// (including a pending wildcard) and clears node's own entry. The wildcard
// entry itself is never cleared: no operation of Set removes it, so once
// requested it makes every node's TestAndClear report true until the
// backing set is emptied from outside (the local set is lost on manager
// restart; the Redis set is not).
func (s *Set) TestAndClear(ctx context.Context, node string) bool {
	if s.useLocal(ctx) {
		return s.local.testAndClear(node) || s.local.contains(wildcardMember)
	}

	pending, err := s.client.SIsMember(ctx, redisKey, node).Result()
	if err != nil {
		s.degrade(err)
		return s.local.testAndClear(node) || s.local.contains(wildcardMember)
	}
	if pending {
		s.client.SRem(ctx, redisKey, node)
	}

	wildcard, err := s.client.SIsMember(ctx, redisKey, wildcardMember).Result()
	if err != nil {
		s.degrade(err)
		return pending || s.local.contains(wildcardMember)
	}
	return pending || wildcard
}

// NodesNotified returns the set of distinct node names currently pending,
// for the force-sync endpoint's {nodes_notified} count. The wildcard, if
// present, is reported as a single synthetic entry.
func (s *Set) NodesNotified(ctx context.Context) ([]string, error) {
	if s.useLocal(ctx) {
		return s.local.members(), nil
	}

	members, err := s.client.SMembers(ctx, redisKey).Result()
	if err != nil {
		s.degrade(err)
		return s.local.members(), nil
	}
	return members, nil
}

func (s *Set) useLocal(ctx context.Context) bool {
	if !s.degraded.Load() {
		return false
	}
	if last, ok := s.lastProbeTime.Load().(time.Time); ok && time.Since(last) > probeInterval {
		go s.probeAndRecover(ctx)
	}
	return true
}

func (s *Set) degrade(err error) {
	logging.Op().Warn("force-sync set primary backend error, degrading to local", "error", err)
	s.degraded.Store(true)
	s.lastProbeTime.Store(time.Now())
	metrics.SetForceSyncDegraded(true)
}

func (s *Set) probeAndRecover(ctx context.Context) {
	if s.client == nil {
		return
	}
	if !s.probeMu.TryLock() {
		return
	}
	defer s.probeMu.Unlock()

	s.lastProbeTime.Store(time.Now())
	if err := s.client.Ping(ctx).Err(); err == nil {
		logging.Op().Info("force-sync set primary backend recovered, resuming distributed mode")
		s.degraded.Store(false)
		metrics.SetForceSyncDegraded(false)
	}
}

// localSet is a bare in-memory fallback, guarded by a mutex.
type localSet struct {
	mu      sync.Mutex
	members map[string]struct{}
}

func newLocalSet() *localSet {
	return &localSet{members: make(map[string]struct{})}
}

func (l *localSet) add(member string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members[member] = struct{}{}
}

func (l *localSet) contains(member string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.members[member]
	return ok
}

func (l *localSet) testAndClear(member string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.members[member]
	if ok {
		delete(l.members, member)
	}
	return ok
}

func (l *localSet) members() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.members))
	for m := range l.members {
		out = append(out, m)
	}
	return out
}
