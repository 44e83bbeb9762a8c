// Package id generates identifiers for harvest runs.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunID returns a time-ordered UUIDv7 so runs sort by submission.
func NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}
