// Package statefile persists the agent's previous-poll VM state map to a
// local file, atomically, so the agent can recover its cursor across
// restarts.
package statefile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
	"github.com/fleetmeter/fleetmeter/internal/logging"
)

// entry mirrors one VMID's last-known state in the on-disk shape:
// {vm_id, kind, name, status, node, uptime}.
type entry struct {
	VMID   string             `json:"vm_id"`
	Kind   domain.GuestKind   `json:"kind"`
	Name   string             `json:"name,omitempty"`
	Status domain.GuestStatus `json:"status"`
	Node   string             `json:"node"`
	Uptime int64              `json:"uptime"`
}

// document is the full shape persisted at the configured path.
type document struct {
	LastUpdate time.Time        `json:"last_update"`
	Node       string           `json:"node"`
	VMStates   map[string]entry `json:"vm_states"`
}

// Load reads the previous-state map from path. On a missing or corrupt
// file, it returns an empty map rather than an error: the agent simply
// proceeds as if it has no prior knowledge of any VM.
func Load(path string) map[string]domain.VMState {
	result := make(map[string]domain.VMState)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logging.Op().Warn("state file corrupt, starting with empty state", "path", path, "error", err)
		return result
	}

	for vmID, e := range doc.VMStates {
		result[vmID] = domain.VMState{
			Node:          e.Node,
			VMID:          vmID,
			Kind:          e.Kind,
			Name:          e.Name,
			Status:        e.Status,
			UptimeSeconds: e.Uptime,
		}
	}
	return result
}

// Save writes the given state map to path atomically: write to a temp file
// in the same directory, then rename over the target. This guarantees a
// reader never observes a partially-written file.
func Save(path, node string, states map[string]domain.VMState) error {
	doc := document{
		LastUpdate: time.Now(),
		Node:       node,
		VMStates:   make(map[string]entry, len(states)),
	}
	for vmID, s := range states {
		doc.VMStates[vmID] = entry{
			VMID:   vmID,
			Kind:   s.Kind,
			Name:   s.Name,
			Status: s.Status,
			Node:   s.Node,
			Uptime: s.UptimeSeconds,
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".statefile-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
