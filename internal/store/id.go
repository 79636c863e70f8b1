package store

import "github.com/google/uuid"

// newID generates the primary key for a new Session or Rental row.
func newID() string {
	return uuid.NewString()
}
