// Package store is the session store: Node, TrackedVM, Session, and
// Rental persistence, with the uniqueness and range-query operations the
// reconciler and usage calculator depend on.
package store

import (
	"context"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
)

// Store is the persistence contract the ingest reconciler and usage
// calculator depend on. PostgresStore is the only production
// implementation; tests use an in-memory fake satisfying the same
// interface.
type Store interface {
	Ping(ctx context.Context) error

	RegisterNode(ctx context.Context, name, hostname string) (*domain.Node, error)
	TouchNode(ctx context.Context, name string) error
	BumpNodeEventStats(ctx context.Context, name string, eventTime time.Time) error
	GetNode(ctx context.Context, name string) (*domain.Node, error)

	FindOpen(ctx context.Context, node, vmID string) (*domain.Session, error)
	OpenSession(ctx context.Context, node, vmID string, kind domain.GuestKind, startTime time.Time) (*domain.Session, error)
	WidenSessionStart(ctx context.Context, id string, newStart time.Time) error
	CloseSession(ctx context.Context, id string, endTime time.Time) (*domain.Session, error)
	OpenSessionsForNode(ctx context.Context, node string) (map[string]*domain.Session, error)
	CloseOlderDuplicates(ctx context.Context, node, vmID string, keep string, at time.Time) error

	UpsertTrackedVM(ctx context.Context, vm domain.TrackedVM) error

	SessionsOverlapping(ctx context.Context, vmID, node string, t0, t1 time.Time) ([]domain.Session, error)

	CreateRental(ctx context.Context, r domain.Rental) (*domain.Rental, error)
	GetRental(ctx context.Context, id string) (*domain.Rental, error)
	ListRentals(ctx context.Context, vmID, node string) ([]domain.Rental, error)
}
