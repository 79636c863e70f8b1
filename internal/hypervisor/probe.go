// Package hypervisor is the agent-side probe that polls a hypervisor's
// HTTP API for VM inventory and normalizes it into domain.VMState values.
// It holds no state of its own; every call is a fresh poll.
package hypervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
)

// DefaultTimeout is the suggested per-request bound for a probe call.
const DefaultTimeout = 10 * time.Second

// APIError carries the HTTP status code from a hypervisor API response, so
// callers can distinguish a fatal auth failure (401/403) from a transient
// transport failure (5xx).
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hypervisor API: %d: %s", e.Code, e.Message)
}

// Probe polls one hypervisor host's REST API for VM inventory. Host and
// token correspond to the proxmox.* config block.
type Probe struct {
	httpClient *http.Client
	baseURL    string
	node       string
	token      string
}

// Config holds the connection details for one Probe.
type Config struct {
	Host      string
	Port      int
	Node      string
	TokenName string
	Token     string
	VerifySSL bool
	Timeout   time.Duration
}

// New constructs a Probe against one hypervisor host.
func New(cfg Config) *Probe {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport
	p := &Probe{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    fmt.Sprintf("https://%s:%d/api2/json", cfg.Host, cfg.Port),
		node:       cfg.Node,
		token:      fmt.Sprintf("%s=%s", cfg.TokenName, cfg.Token),
	}
	return p
}

// guestEntry is the wire shape of one row from the hypervisor's qemu/lxc
// inventory endpoints. Fields we don't use are left out rather than
// modeled exhaustively — the probe only needs enough to build a VMState.
type guestEntry struct {
	VMID   json.Number `json:"vmid"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
	Uptime int64       `json:"uptime"`
}

type listResponse struct {
	Data []guestEntry `json:"data"`
}

// ListVMs queries the hypervisor's HTTP API for full VMs and/or containers
// on this probe's node and returns a flat, normalized list. A transport
// failure is returned as an error for the caller (the agent state engine)
// to treat as TransientTransport and skip this tick's diff.
func (p *Probe) ListVMs(ctx context.Context, includeFullVM, includeContainer bool) ([]domain.VMState, error) {
	var out []domain.VMState

	if includeFullVM {
		entries, err := p.fetch(ctx, "/nodes/"+p.node+"/qemu")
		if err != nil {
			return nil, err
		}
		out = append(out, normalize(entries, p.node, domain.KindFullVM)...)
	}
	if includeContainer {
		entries, err := p.fetch(ctx, "/nodes/"+p.node+"/lxc")
		if err != nil {
			return nil, err
		}
		out = append(out, normalize(entries, p.node, domain.KindContainer)...)
	}
	return out, nil
}

func normalize(entries []guestEntry, node string, kind domain.GuestKind) []domain.VMState {
	states := make([]domain.VMState, 0, len(entries))
	for _, e := range entries {
		states = append(states, domain.VMState{
			Node:          node,
			VMID:          e.VMID.String(),
			Kind:          kind,
			Name:          e.Name,
			Status:        domain.NormalizeStatus(e.Status),
			UptimeSeconds: e.Uptime,
		})
	}
	return states
}

func (p *Probe) fetch(ctx context.Context, path string) ([]guestEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "PVEAPIToken="+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Code: resp.StatusCode, Message: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Code: resp.StatusCode, Message: string(body)}
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return lr.Data, nil
}

// IsFatalAuth reports whether err represents a 401/403 from the
// hypervisor: callers should log and halt rather than retry.
func IsFatalAuth(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden)
}
