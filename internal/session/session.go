// Package session provides the run-scoped clock and run ID generator.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
)

// Clock implements crawler.Clock with UTC wall time.
type Clock struct{}

var _ crawler.Clock = Clock{}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// IDs implements crawler.IDGenerator with time-ordered UUIDs, so run IDs sort
// by start time in storage.
type IDs struct{}

var _ crawler.IDGenerator = IDs{}

// NewID returns a UUID v7 string.
func (IDs) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

// ParseRunID validates a run ID supplied from outside (flags, DB rows).
func ParseRunID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse run id %q: %w", raw, err)
	}
	return id, nil
}
