// Package rental provides CRUD over Rental configurations and a Quote
// helper combining a usage query with the matching Rental's price.
package rental

import (
	"context"
	"fmt"

	"github.com/fleetmeter/fleetmeter/internal/domain"
	"github.com/fleetmeter/fleetmeter/internal/store"
	"github.com/fleetmeter/fleetmeter/internal/usage"
)

// Service wraps a Store with rental-specific helpers.
type Service struct {
	store   store.Store
	usageCalc *usage.Calculator
}

// New builds a Service over an existing store.
func New(st store.Store) *Service {
	return &Service{store: st, usageCalc: usage.New(st)}
}

// Create persists a new Rental.
func (s *Service) Create(ctx context.Context, r domain.Rental) (*domain.Rental, error) {
	created, err := s.store.CreateRental(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("create rental: %w", err)
	}
	return created, nil
}

// Get fetches one Rental by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Rental, error) {
	r, err := s.store.GetRental(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List returns every Rental matching vmID (and node, if non-empty).
func (s *Service) List(ctx context.Context, vmID, node string) ([]domain.Rental, error) {
	rentals, err := s.store.ListRentals(ctx, vmID, node)
	if err != nil {
		return nil, fmt.Errorf("list rentals: %w", err)
	}
	return rentals, nil
}

// Quote combines a usage.Query over window with rentalID's price. It
// returns the usage totals plus the computed cost (nil if the rental
// carries no rate).
type Quote struct {
	Usage *usage.Result
	Cost  *float64
}

// QuoteFor prices vmID's usage over window against rentalID.
func (s *Service) QuoteFor(ctx context.Context, rentalID string, window usage.Window) (*Quote, error) {
	r, err := s.store.GetRental(ctx, rentalID)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}

	result, err := s.usageCalc.Query(ctx, usage.Query{
		VMID:   r.VMID,
		Node:   r.Node,
		Window: window,
	})
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}

	return &Quote{
		Usage: result,
		Cost:  usage.Cost(result.TotalSeconds, r),
	}, nil
}
