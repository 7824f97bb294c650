package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process backend used by tests and single-node dev
// setups. It honors the same claim-lease semantics as the durable backends.
type MemoryStore struct {
	backoff Backoff
	mu      sync.Mutex
	records map[string]*RetryRecord
}

func NewMemoryStore(backoff Backoff) *MemoryStore {
	return &MemoryStore{
		backoff: backoff,
		records: make(map[string]*RetryRecord),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, record *RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.Fingerprint == record.Fingerprint &&
			(existing.Status == StatusPending || existing.Status == StatusClaimed) {
			return nil
		}
	}

	clone := *record
	s.records[record.ID] = &clone
	return nil
}

func (s *MemoryStore) FetchDue(ctx context.Context, limit int) ([]*RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var due []*RetryRecord
	for _, r := range s.records {
		if r.ClaimExpired(now) {
			r.Status = StatusPending
			r.ClaimedBy = ""
			r.ClaimExpires = time.Time{}
		}
		if r.Status == StatusPending && !r.NextAttemptAt.After(now) {
			clone := *r
			due = append(due, &clone)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ClaimRecord(ctx context.Context, id, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	if r.Status == StatusClaimed && !r.ClaimExpired(now) && r.ClaimedBy != workerID {
		return ErrAlreadyClaimed
	}
	if r.Status != StatusPending && r.Status != StatusClaimed {
		return ErrAlreadyClaimed
	}

	r.Status = StatusClaimed
	r.ClaimedBy = workerID
	r.ClaimExpires = now.Add(lease)
	return nil
}

func (s *MemoryStore) IncrementAttempt(ctx context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	r.Attempts++
	r.LastError = lastError
	r.ClaimedBy = ""
	r.ClaimExpires = time.Time{}

	if r.Attempts >= s.backoff.MaxAttempts {
		r.Status = StatusFailedPermanent
		return nil
	}

	r.Status = StatusPending
	r.NextAttemptAt = time.Now().UTC().Add(s.backoff.Delay(r.Attempts))
	return nil
}

func (s *MemoryStore) MarkSuccess(ctx context.Context, id string) error {
	return s.transition(id, StatusSucceeded, "")
}

func (s *MemoryStore) MarkPermanentFailure(ctx context.Context, id, reason string) error {
	return s.transition(id, StatusFailedPermanent, reason)
}

func (s *MemoryStore) transition(id string, status RecordStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	r.Status = status
	r.ClaimedBy = ""
	r.ClaimExpires = time.Time{}
	if lastError != "" {
		r.LastError = lastError
	}
	return nil
}

func (s *MemoryStore) Requeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	r.Status = StatusPending
	r.Attempts = 0
	r.NextAttemptAt = time.Now().UTC()
	r.ClaimedBy = ""
	r.ClaimExpires = time.Time{}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *MemoryStore) List(ctx context.Context, status RecordStatus, limit int) ([]*RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*RetryRecord
	for _, r := range s.records {
		if status != "" && r.Status != status {
			continue
		}
		clone := *r
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
