package syncset

import (
	"context"
	"testing"
)

// With a nil client the set runs permanently in local mode: a pending
// request for one node is visible and clears on TestAndClear, and does not
// leak to an unrelated node.
func TestLocalModeRequestAndClear(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	if err := s.RequestSync(ctx, "pve1"); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}

	if !s.TestAndClear(ctx, "pve1") {
		t.Fatalf("expected pve1 to have a pending force-sync")
	}
	if s.TestAndClear(ctx, "pve1") {
		t.Fatalf("expected pve1's pending flag to be cleared after TestAndClear")
	}
	if s.TestAndClear(ctx, "pve2") {
		t.Fatalf("expected an unrelated node to have no pending flag")
	}
}

// A wildcard request marks every node pending, and does not itself clear
// on any single node's heartbeat.
func TestLocalModeWildcardAppliesToEveryNode(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	if err := s.RequestSync(ctx, ""); err != nil {
		t.Fatalf("RequestSync wildcard: %v", err)
	}

	if !s.TestAndClear(ctx, "pve1") {
		t.Fatalf("expected wildcard to apply to pve1")
	}
	if !s.TestAndClear(ctx, "pve2") {
		t.Fatalf("expected wildcard to still apply to pve2 after pve1 cleared")
	}
}

func TestNodesNotifiedReflectsPendingMembers(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	if err := s.RequestSync(ctx, "pve1"); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	if err := s.RequestSync(ctx, "pve2"); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}

	members, err := s.NodesNotified(ctx)
	if err != nil {
		t.Fatalf("NodesNotified: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 pending members, got %d: %v", len(members), members)
	}
}
