// Package api hosts the manager's HTTP surface: the ingest endpoints
// agents call (node registration, heartbeat, vm-start/stop/states), the
// /healthz liveness/readiness endpoint, and the read-only /api/usage and
// /api/rentals query endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/auth"
	"github.com/fleetmeter/fleetmeter/internal/domain"
	"github.com/fleetmeter/fleetmeter/internal/ingest"
	"github.com/fleetmeter/fleetmeter/internal/logging"
	"github.com/fleetmeter/fleetmeter/internal/metrics"
	"github.com/fleetmeter/fleetmeter/internal/rental"
	"github.com/fleetmeter/fleetmeter/internal/store"
	"github.com/fleetmeter/fleetmeter/internal/transport"
	"github.com/fleetmeter/fleetmeter/internal/usage"
)

// Handler wires the reconciler, usage calculator, rental service, and
// store together behind the manager's HTTP API.
type Handler struct {
	Reconciler *ingest.Reconciler
	Usage      *usage.Calculator
	Rentals    *rental.Service
	Store      store.Store
	APIKey     string
}

// RegisterRoutes attaches every route this Handler serves to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	protected := func(endpoint string, f http.HandlerFunc) http.Handler {
		return auth.Middleware(h.APIKey, instrument(endpoint, f))
	}

	mux.Handle("POST /api/ingest/register", protected("register", h.Register))
	mux.Handle("POST /api/ingest/vm-start", protected("vm-start", h.VMStart))
	mux.Handle("POST /api/ingest/vm-stop", protected("vm-stop", h.VMStop))
	mux.Handle("POST /api/ingest/vm-states", protected("vm-states", h.VMStates))
	mux.Handle("POST /api/ingest/heartbeat", protected("heartbeat", h.Heartbeat))
	mux.Handle("POST /api/ingest/force-sync", protected("force-sync", h.ForceSync))

	mux.Handle("GET /api/usage", protected("usage", h.Usage_))
	mux.Handle("GET /api/rentals", protected("rentals", h.ListRentals))

	mux.HandleFunc("GET /healthz", h.Healthz)
}

// statusRecorder captures the status code written so instrument can report
// an outcome label without every handler threading one through.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument wraps f with latency and outcome metrics for endpoint.
func instrument(endpoint string, f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		f(rec, r)

		outcome := "success"
		if rec.status >= 400 {
			outcome = "error"
		}
		metrics.RecordIngest(endpoint, outcome, float64(time.Since(started).Milliseconds()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Warn("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, transport.ErrorReply{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Register handles POST /api/ingest/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req transport.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	node, err := h.Reconciler.RegisterNode(r.Context(), req.Name, req.Hostname)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.RegisterResponse{Success: true, NodeID: node.Name})
}

// VMStart handles POST /api/ingest/vm-start.
func (h *Handler) VMStart(w http.ResponseWriter, r *http.Request) {
	var req transport.VMStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Node == "" || req.VMID == "" {
		writeError(w, http.StatusBadRequest, "node and vm_id are required")
		return
	}

	kind := domain.GuestKind(req.VMType)
	if kind == "" {
		kind = domain.KindFullVM
	}

	result, err := h.Reconciler.VMStart(r.Context(), req.Node, req.VMID, req.VMName, kind, req.StartTime)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.VMStartResponse{Success: true, SessionID: result.SessionID})
}

// VMStop handles POST /api/ingest/vm-stop.
func (h *Handler) VMStop(w http.ResponseWriter, r *http.Request) {
	var req transport.VMStopRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Node == "" || req.VMID == "" {
		writeError(w, http.StatusBadRequest, "node and vm_id are required")
		return
	}

	result, err := h.Reconciler.VMStop(r.Context(), req.Node, req.VMID, req.StopTime)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.VMStopResponse{
		Success:         true,
		SessionID:       result.SessionID,
		DurationSeconds: result.DurationSeconds,
	})
}

// VMStates handles POST /api/ingest/vm-states.
func (h *Handler) VMStates(w http.ResponseWriter, r *http.Request) {
	var req transport.VMStatesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Node == "" {
		writeError(w, http.StatusBadRequest, "node is required")
		return
	}

	states := make([]domain.VMState, 0, len(req.VMs))
	for _, vm := range req.VMs {
		states = append(states, domain.VMState{
			Node:          req.Node,
			VMID:          vm.VMID,
			Kind:          domain.GuestKind(vm.Kind),
			Name:          vm.Name,
			Status:        domain.NormalizeStatus(vm.Status),
			UptimeSeconds: vm.Uptime,
		})
	}

	snapshotTime := req.Timestamp
	if snapshotTime.IsZero() {
		snapshotTime = time.Now().UTC()
	}

	result, err := h.Reconciler.VMStates(r.Context(), req.Node, snapshotTime, states)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.VMStatesResponse{
		Success:         true,
		VMsProcessed:    result.VMsProcessed,
		SessionsStarted: result.SessionsStarted,
		SessionsStopped: result.SessionsStopped,
	})
}

// Heartbeat handles POST /api/ingest/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req transport.HeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Node == "" {
		writeError(w, http.StatusBadRequest, "node is required")
		return
	}

	forceSync, err := h.Reconciler.Heartbeat(r.Context(), req.Node, req.Timestamp)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.HeartbeatResponse{
		Success:    true,
		ServerTime: time.Now().UTC(),
		ForceSync:  forceSync,
	})
}

// ForceSync handles POST /api/ingest/force-sync.
func (h *Handler) ForceSync(w http.ResponseWriter, r *http.Request) {
	var req transport.ForceSyncRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	notified, err := h.Reconciler.RequestForceSync(r.Context(), req.TargetNode)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.ForceSyncResponse{Success: true, NodesNotified: notified})
}

// Healthz reports readiness; store unavailability degrades the response
// instead of failing the whole request.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "connected"
	if err := h.Store.Ping(ctx); err != nil {
		dbStatus = "disconnected"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": dbStatus,
	})
}

// usageResponse is the supplemented read-only usage endpoint's reply shape.
type usageResponse struct {
	VMID         string           `json:"vm_id"`
	Node         string           `json:"node,omitempty"`
	TotalSeconds int64            `json:"total_seconds"`
	SessionCount int              `json:"session_count"`
	DailySeconds map[string]int64 `json:"daily_seconds,omitempty"`
}

// Usage_ handles GET /api/usage?vm_id=&node=&start=&end=&dense=.
func (h *Handler) Usage_(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	vmID := q.Get("vm_id")
	if vmID == "" {
		writeError(w, http.StatusBadRequest, "vm_id is required")
		return
	}

	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be RFC3339")
		return
	}

	result, err := h.Usage.Query(r.Context(), usage.Query{
		VMID:   vmID,
		Node:   q.Get("node"),
		Window: usage.Window{Start: start, End: end},
		Dense:  q.Get("dense") == "true",
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{
		VMID:         vmID,
		Node:         q.Get("node"),
		TotalSeconds: result.TotalSeconds,
		SessionCount: result.SessionCount,
		DailySeconds: result.DailySeconds,
	})
}

// ListRentals handles GET /api/rentals?vm_id=&node=.
func (h *Handler) ListRentals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	vmID := q.Get("vm_id")
	if vmID == "" {
		writeError(w, http.StatusBadRequest, "vm_id is required")
		return
	}

	rentals, err := h.Rentals.List(r.Context(), vmID, q.Get("node"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rentals)
}

func writeStoreError(w http.ResponseWriter, err error) {
	logging.Op().Error("ingest operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
