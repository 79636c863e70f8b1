package domain

import "errors"

// Sentinel error kinds shared across transport, ingest, and the API layer.
// Callers should use errors.Is against these rather than matching strings.
var (
	// ErrAlreadyOpen is returned by the store when OpenSession races another
	// writer for the same (node, vm_id) and loses the conditional insert.
	// The ingest reconciler treats this as "no-op, return existing."
	ErrAlreadyOpen = errors.New("session already open for node/vm")

	// ErrNotFound covers missing nodes, sessions, or rentals.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable marks a failed store operation (connection refused,
	// ping failure, query error). The reconciler wraps every store error in
	// it and the API answers such calls with 500; /healthz instead reports
	// database=disconnected when the store's Ping fails.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvariantViolation names the condition of two open sessions for
	// the same (node, vm_id). No code in this module returns it: the
	// reconciler runs no post-ingest duplicate check, and the single open
	// session per (node, vm_id) rests on the store's conditional insert.
	ErrInvariantViolation = errors.New("invariant violation: multiple open sessions")

	// ErrFatalAuth covers a 401/403 from the manager's own token check, as
	// returned by the transport client, which does not retry it. The agent
	// engine logs such errors and carries on with its next tick; it does
	// not halt on them. Hypervisor auth failures are reported as
	// hypervisor.APIError, not as this error.
	ErrFatalAuth = errors.New("authentication failed")

	// ErrTransientTransport covers timeouts, 5xx, and connection failures
	// that the agent should absorb and retry on the next tick.
	ErrTransientTransport = errors.New("transient transport error")
)
