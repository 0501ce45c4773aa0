// Package store maps caller-supplied idempotency keys to the Event created on
// first admission. Every backend guarantees first-writer-wins: when two
// admissions race on one key, exactly one Event is stored and both callers
// observe it.
package store

import (
	"context"
	"errors"

	"ctrlplane/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the idempotency mapping contract. Get never creates side effects.
// Put is an atomic check-and-set: it returns the canonical stored Event and
// whether this call created it; a caller that loses the race receives the
// winning Event with created=false.
type Store interface {
	Get(ctx context.Context, key string) (domain.Event, error)
	Put(ctx context.Context, key string, event domain.Event) (domain.Event, bool, error)
}
