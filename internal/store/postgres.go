package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetmeter/fleetmeter/internal/domain"
)

// PostgresStore is the production Store, backed by a pgx connection pool.
// It owns schema creation, idempotent and run once at startup.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn, pings it, and ensures the
// schema exists before returning.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the store is reachable; used by /healthz to report
// database=disconnected without failing the whole request.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("%w: pool not initialized", domain.ErrStoreUnavailable)
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			name TEXT PRIMARY KEY,
			hostname TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_event_time TIMESTAMPTZ,
			total_events BIGINT NOT NULL DEFAULT 0,
			total_vms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			node TEXT NOT NULL,
			vm_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			duration_seconds BIGINT,
			is_running BOOLEAN NOT NULL DEFAULT TRUE,
			start_correlator TEXT,
			stop_correlator TEXT,
			user_name TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// Enforces the single-open-session invariant at the database
		// level: at most one row per (node, vm_id) with is_running = true.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open ON sessions(node, vm_id) WHERE is_running`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_vm_window ON sessions(vm_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_node_vm ON sessions(node, vm_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_start_correlator ON sessions(start_correlator) WHERE start_correlator IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS tracked_vms (
			node TEXT NOT NULL,
			vm_id TEXT NOT NULL,
			name TEXT,
			kind TEXT NOT NULL,
			current_status TEXT NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (node, vm_id)
		)`,
		`CREATE TABLE IF NOT EXISTS rentals (
			id TEXT PRIMARY KEY,
			node TEXT,
			vm_id TEXT NOT NULL,
			customer TEXT,
			rental_start TIMESTAMPTZ NOT NULL,
			rental_end TIMESTAMPTZ,
			billing_cycle TEXT NOT NULL,
			rate DOUBLE PRECISION,
			currency TEXT NOT NULL DEFAULT 'USD',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			notes TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rentals_vm ON rentals(vm_id, node)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RegisterNode creates or updates the Node row; idempotent.
func (s *PostgresStore) RegisterNode(ctx context.Context, name, hostname string) (*domain.Node, error) {
	var n domain.Node
	err := s.pool.QueryRow(ctx, `
		INSERT INTO nodes (name, hostname, is_active, last_seen)
		VALUES ($1, NULLIF($2, ''), TRUE, NOW())
		ON CONFLICT (name) DO UPDATE SET
			hostname = COALESCE(NULLIF(EXCLUDED.hostname, ''), nodes.hostname),
			is_active = TRUE,
			last_seen = NOW()
		RETURNING name, COALESCE(hostname, ''), is_active, last_seen,
			COALESCE(last_event_time, 'epoch'::timestamptz), total_events, total_vms
	`, name, hostname).Scan(&n.Name, &n.Hostname, &n.IsActive, &n.LastSeen, &n.LastEventTime, &n.TotalEvents, &n.TotalVMs)
	if err != nil {
		return nil, fmt.Errorf("register node: %w", err)
	}
	return &n, nil
}

// TouchNode bumps last_seen, auto-registering the node if unknown (the
// manager never rejects an event for an unregistered node).
func (s *PostgresStore) TouchNode(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (name, is_active, last_seen)
		VALUES ($1, TRUE, NOW())
		ON CONFLICT (name) DO UPDATE SET last_seen = NOW()
	`, name)
	if err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	return nil
}

// BumpNodeEventStats records that one more event arrived for name at
// eventTime and recomputes total_vms from distinct tracked VMs.
func (s *PostgresStore) BumpNodeEventStats(ctx context.Context, name string, eventTime time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nodes SET
			total_events = total_events + 1,
			last_event_time = $2,
			total_vms = (SELECT COUNT(DISTINCT vm_id) FROM tracked_vms WHERE node = $1)
		WHERE name = $1
	`, name, eventTime)
	if err != nil {
		return fmt.Errorf("bump node event stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, name string) (*domain.Node, error) {
	var n domain.Node
	err := s.pool.QueryRow(ctx, `
		SELECT name, COALESCE(hostname, ''), is_active, last_seen,
			COALESCE(last_event_time, 'epoch'::timestamptz), total_events, total_vms
		FROM nodes WHERE name = $1
	`, name).Scan(&n.Name, &n.Hostname, &n.IsActive, &n.LastSeen, &n.LastEventTime, &n.TotalEvents, &n.TotalVMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return &n, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var sess domain.Session
	var end *time.Time
	var dur *int64
	err := row.Scan(
		&sess.ID, &sess.Node, &sess.VMID, &sess.Kind, &sess.StartTime, &end, &dur,
		&sess.IsRunning, &sess.StartCorrelator, &sess.StopCorrelator, &sess.User,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.EndTime = end
	sess.DurationSeconds = dur
	return &sess, nil
}

const sessionColumns = `id, node, vm_id, kind, start_time, end_time, duration_seconds,
	is_running, COALESCE(start_correlator, ''), COALESCE(stop_correlator, ''), COALESCE(user_name, ''),
	created_at, updated_at`

// FindOpen returns the unique open session for (node, vm_id), if any.
func (s *PostgresStore) FindOpen(ctx context.Context, node, vmID string) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE node = $1 AND vm_id = $2 AND is_running LIMIT 1`, node, vmID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return sess, nil
}

// OpenSession inserts a new open session. If the partial unique index
// (node, vm_id) WHERE is_running already has a row, the INSERT conflicts
// and OpenSession returns domain.ErrAlreadyOpen — the caller treats that
// as "no-op, return existing."
func (s *PostgresStore) OpenSession(ctx context.Context, node, vmID string, kind domain.GuestKind, startTime time.Time) (*domain.Session, error) {
	id := newID()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, node, vm_id, kind, start_time, is_running, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW())
		ON CONFLICT (node, vm_id) WHERE is_running DO NOTHING
		RETURNING `+sessionColumns,
		id, node, vmID, kind, startTime,
	)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAlreadyOpen
	}
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return sess, nil
}

// WidenSessionStart moves an open session's start_time earlier. The
// reconciler only calls this when newStart is already known to precede
// the existing start_time: a backdated start widens the session, it
// never narrows it.
func (s *PostgresStore) WidenSessionStart(ctx context.Context, id string, newStart time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET start_time = $2, updated_at = NOW() WHERE id = $1`, id, newStart)
	if err != nil {
		return fmt.Errorf("widen session start: %w", err)
	}
	return nil
}

// CloseSession sets end_time, is_running=false, and recomputes duration.
func (s *PostgresStore) CloseSession(ctx context.Context, id string, endTime time.Time) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sessions SET
			end_time = $2,
			is_running = FALSE,
			duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2::timestamptz - start_time))::bigint),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+sessionColumns,
		id, endTime,
	)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	return sess, nil
}

// OpenSessionsForNode returns every currently-open session for node, keyed
// by vm_id — used by the snapshot reconciliation path.
func (s *PostgresStore) OpenSessionsForNode(ctx context.Context, node string) (map[string]*domain.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE node = $1 AND is_running`, node)
	if err != nil {
		return nil, fmt.Errorf("open sessions for node: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*domain.Session)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open session: %w", err)
		}
		out[sess.VMID] = sess
	}
	return out, rows.Err()
}

// CloseOlderDuplicates is the invariant-violation recovery path: if more
// than one open session exists for (node, vm_id), close every one
// except keep, at time at.
func (s *PostgresStore) CloseOlderDuplicates(ctx context.Context, node, vmID, keep string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			end_time = $4,
			is_running = FALSE,
			duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($4::timestamptz - start_time))::bigint),
			updated_at = NOW()
		WHERE node = $1 AND vm_id = $2 AND is_running AND id != $3
	`, node, vmID, keep, at)
	if err != nil {
		return fmt.Errorf("close older duplicates: %w", err)
	}
	return nil
}

// UpsertTrackedVM maintains the current-state mirror: the latest known
// status of every VM a node has ever reported, regardless of session
// history.
func (s *PostgresStore) UpsertTrackedVM(ctx context.Context, vm domain.TrackedVM) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracked_vms (node, vm_id, name, kind, current_status, last_seen)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (node, vm_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), tracked_vms.name),
			kind = EXCLUDED.kind,
			current_status = EXCLUDED.current_status,
			last_seen = EXCLUDED.last_seen
	`, vm.Node, vm.VMID, vm.Name, vm.Kind, vm.CurrentStatus, vm.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert tracked vm: %w", err)
	}
	return nil
}

// SessionsOverlapping returns every session whose [start_time, end_time ∨
// now) interval intersects [t0, t1), for usage window queries. node may
// be empty to query across all nodes for a vm_id.
func (s *PostgresStore) SessionsOverlapping(ctx context.Context, vmID, node string, t0, t1 time.Time) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE vm_id = $1
		AND start_time < $3
		AND (end_time IS NULL OR end_time > $2)`
	args := []any{vmID, t0, t1}
	if node != "" {
		query += ` AND node = $4`
		args = append(args, node)
	}
	query += ` ORDER BY start_time`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions overlapping: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overlapping session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRental(ctx context.Context, r domain.Rental) (*domain.Rental, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Currency == "" {
		r.Currency = "USD"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rentals (id, node, vm_id, customer, rental_start, rental_end, billing_cycle, rate, currency, is_active, notes)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''))
	`, r.ID, r.Node, r.VMID, r.Customer, r.RentalStart, r.RentalEnd, r.BillingCycle, r.Rate, r.Currency, r.IsActive, r.Notes)
	if err != nil {
		return nil, fmt.Errorf("create rental: %w", err)
	}
	return &r, nil
}

const rentalColumns = `id, COALESCE(node, ''), vm_id, COALESCE(customer, ''), rental_start, rental_end,
	billing_cycle, rate, currency, is_active, COALESCE(notes, '')`

func scanRental(row pgx.Row) (*domain.Rental, error) {
	var r domain.Rental
	err := row.Scan(&r.ID, &r.Node, &r.VMID, &r.Customer, &r.RentalStart, &r.RentalEnd,
		&r.BillingCycle, &r.Rate, &r.Currency, &r.IsActive, &r.Notes)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetRental(ctx context.Context, id string) (*domain.Rental, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id)
	r, err := scanRental(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rental: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRentals(ctx context.Context, vmID, node string) ([]domain.Rental, error) {
	query := `SELECT ` + rentalColumns + ` FROM rentals WHERE vm_id = $1`
	args := []any{vmID}
	if node != "" {
		query += ` AND (node = $2 OR node IS NULL)`
		args = append(args, node)
	}
	query += ` ORDER BY rental_start`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rentals: %w", err)
	}
	defer rows.Close()

	var out []domain.Rental
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
