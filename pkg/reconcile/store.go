package reconcile

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no record with that id exists in the store.
	ErrNotFound = errors.New("retry record not found")
	// ErrAlreadyClaimed means another worker holds an unexpired lease.
	ErrAlreadyClaimed = errors.New("retry record already claimed")
)

// Store is the durable reconciliation queue shared by all workers. Claim
// semantics are the contract that matters: ClaimRecord must be atomic, and
// an expired lease must make the record claimable again without any
// explicit release.
type Store interface {
	// Enqueue inserts a PENDING record, ready immediately. A record whose
	// payload fingerprint matches an existing PENDING or CLAIMED record is
	// dropped silently (the earlier record already covers the retry).
	Enqueue(ctx context.Context, record *RetryRecord) error

	// FetchDue returns PENDING records with NextAttemptAt <= now, oldest
	// first, up to limit.
	FetchDue(ctx context.Context, limit int) ([]*RetryRecord, error)

	// ClaimRecord atomically marks the record CLAIMED for workerID with the
	// given lease. Returns ErrAlreadyClaimed when another worker holds an
	// unexpired lease.
	ClaimRecord(ctx context.Context, id, workerID string, lease time.Duration) error

	// IncrementAttempt records a retryable failure: bumps the attempt
	// counter, dead-letters the record once MaxAttempts is reached, and
	// otherwise reschedules it with capped exponential backoff.
	IncrementAttempt(ctx context.Context, id, lastError string) error

	// MarkSuccess transitions the record to SUCCEEDED (terminal).
	MarkSuccess(ctx context.Context, id string) error

	// MarkPermanentFailure dead-letters the record immediately.
	MarkPermanentFailure(ctx context.Context, id, reason string) error

	// Requeue returns a dead-lettered record to PENDING with a fresh
	// attempt budget. Operator action.
	Requeue(ctx context.Context, id string) error

	// Get returns one record by id.
	Get(ctx context.Context, id string) (*RetryRecord, error)

	// List returns records filtered by status; empty status means all.
	List(ctx context.Context, status RecordStatus, limit int) ([]*RetryRecord, error)

	Close() error
}
