package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T, backoff Backoff) *SQLStore {
	t.Helper()
	s, err := NewSQLStore("sqlite", filepath.Join(t.TempDir(), "retries.db"), backoff)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_EnqueueAndGet(t *testing.T) {
	s := newSQLiteStore(t, DefaultBackoff())
	ctx := context.Background()

	r := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "github", got.Payload.Provider)
	assert.Equal(t, r.Fingerprint, got.Fingerprint)
}

func TestSQLStore_EnqueueDeduplicatesWhileActive(t *testing.T) {
	s := newSQLiteStore(t, DefaultBackoff())
	ctx := context.Background()

	first := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, first))

	// Equivalent payload, new record identity: the conditional insert
	// drops it against the live fingerprint.
	second := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, second))

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)

	// A claimed record still holds the dedupe slot.
	require.NoError(t, s.ClaimRecord(ctx, first.ID, "worker-1", time.Minute))
	require.NoError(t, s.Enqueue(ctx, testRecord(t, "github", "gh-platform")))
	all, err = s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLStore_DeadLetterUnblocksEquivalentEnqueue(t *testing.T) {
	s := newSQLiteStore(t, Backoff{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		MaxAttempts: 1,
	})
	ctx := context.Background()

	first := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, first))
	require.NoError(t, s.ClaimRecord(ctx, first.ID, "worker-1", time.Minute))
	require.NoError(t, s.IncrementAttempt(ctx, first.ID, "still down"))

	dead, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailedPermanent, dead.Status)

	second := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, second))

	fresh, err := s.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestSQLStore_ClaimIsExclusive(t *testing.T) {
	s := newSQLiteStore(t, DefaultBackoff())
	ctx := context.Background()

	r := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, r))

	require.NoError(t, s.ClaimRecord(ctx, r.ID, "worker-1", time.Minute))
	err := s.ClaimRecord(ctx, r.ID, "worker-2", time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	// The holder may renew its own claim.
	assert.NoError(t, s.ClaimRecord(ctx, r.ID, "worker-1", time.Minute))
}

func TestSQLStore_RequeueResetsDeadLetter(t *testing.T) {
	s := newSQLiteStore(t, Backoff{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		MaxAttempts: 1,
	})
	ctx := context.Background()

	r := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, r))
	require.NoError(t, s.ClaimRecord(ctx, r.ID, "worker-1", time.Minute))
	require.NoError(t, s.IncrementAttempt(ctx, r.ID, "still down"))

	require.NoError(t, s.Requeue(ctx, r.ID))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
}
