// Package id provides identifiers for products, ledger rows, holds and batch history.
package id

import (
	"github.com/google/uuid"
)

// ID is the identifier type shared by every persisted row.
type ID = uuid.UUID

// New returns a UUIDv7. Ledger rows and holds sort by creation time through
// their key, which keeps the append-only tables B-tree friendly.
func New() ID {
	v, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return v
}

// Parse converts string to ID with validation.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// MustParse converts string to ID, panics on error.
// Use only for constants and tests.
func MustParse(s string) ID {
	return uuid.MustParse(s)
}

// IsNil checks if ID is zero-value.
func IsNil(v ID) bool {
	return v == uuid.Nil
}
