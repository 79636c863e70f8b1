// Package transport defines the wire contract between the agent and the
// manager and implements the agent-side client: a stateless authenticated
// JSON request/reply channel with per-endpoint timeouts and retries.
package transport

import "time"

// RegisterRequest/Response — POST /api/ingest/register
type RegisterRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname,omitempty"`
}

type RegisterResponse struct {
	Success bool   `json:"success"`
	NodeID  string `json:"node_id"`
}

// VMStartRequest/Response — POST /api/ingest/vm-start
type VMStartRequest struct {
	Node      string    `json:"node"`
	VMID      string    `json:"vm_id"`
	VMName    string    `json:"vm_name,omitempty"`
	VMType    string    `json:"vm_type"`
	StartTime time.Time `json:"start_time"`
}

type VMStartResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
}

// VMStopRequest/Response — POST /api/ingest/vm-stop
type VMStopRequest struct {
	Node     string    `json:"node"`
	VMID     string    `json:"vm_id"`
	StopTime time.Time `json:"stop_time"`
}

type VMStopResponse struct {
	Success         bool   `json:"success"`
	SessionID       string `json:"session_id,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

// VMStateWire is one guest's state as carried in a snapshot payload.
type VMStateWire struct {
	VMID   string `json:"vm_id"`
	Kind   string `json:"kind"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// VMStatesRequest/Response — POST /api/ingest/vm-states
type VMStatesRequest struct {
	Node      string        `json:"node"`
	Timestamp time.Time     `json:"timestamp"`
	VMs       []VMStateWire `json:"vms"`
}

type VMStatesResponse struct {
	Success         bool   `json:"success"`
	VMsProcessed    int    `json:"vms_processed"`
	SessionsStarted int    `json:"sessions_started"`
	SessionsStopped int    `json:"sessions_stopped"`
	Warning         string `json:"warning,omitempty"`
}

// HeartbeatRequest/Response — POST /api/ingest/heartbeat
type HeartbeatRequest struct {
	Node      string    `json:"node"`
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatResponse struct {
	Success    bool      `json:"success"`
	ServerTime time.Time `json:"server_time"`
	ForceSync  bool      `json:"force_sync"`
}

// ForceSyncRequest/Response — POST /api/ingest/force-sync
type ForceSyncRequest struct {
	TargetNode string `json:"target_node,omitempty"`
}

type ForceSyncResponse struct {
	Success       bool `json:"success"`
	NodesNotified int  `json:"nodes_notified"`
}

// ErrorReply is the JSON body returned for non-2xx ingest responses.
type ErrorReply struct {
	Error string `json:"error"`
}
