package reconcile

import (
	"fmt"
	"time"

	"github.com/gohugoio/hashstructure"
	"github.com/google/uuid"

	"codeberg.org/groupherd/groupherd/pkg/provider"
)

type RecordStatus string

const (
	StatusPending         RecordStatus = "PENDING"
	StatusClaimed         RecordStatus = "CLAIMED"
	StatusSucceeded       RecordStatus = "SUCCEEDED"
	StatusFailedPermanent RecordStatus = "FAILED_PERMANENT"
)

const OpMembershipPropagation = "membership_propagation"

// Payload carries everything a worker needs to replay a failed propagation
// against the right provider.
type Payload struct {
	Provider      string            `json:"provider"`
	Action        provider.Action   `json:"action"`
	GroupID       string            `json:"groupId"`
	MemberEmail   string            `json:"memberEmail"`
	MemberID      string            `json:"memberId,omitempty"`
	Justification string            `json:"justification,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Fingerprint identifies the logical retry independent of record identity,
// so re-submitting the same failed propagation does not pile up duplicate
// pending records.
func (p Payload) Fingerprint() (uint64, error) {
	return hashstructure.Hash(p, nil)
}

// RetryRecord is one pending propagation retry. Terminal states are
// SUCCEEDED and FAILED_PERMANENT; dead-lettered records are kept for
// operator inspection, never auto-deleted.
type RetryRecord struct {
	ID            string       `json:"id"`
	OperationType string       `json:"operationType"`
	Payload       Payload      `json:"payload"`
	Fingerprint   uint64       `json:"fingerprint"`
	Attempts      int          `json:"attempts"`
	Status        RecordStatus `json:"status"`
	CorrelationID string       `json:"correlationId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	NextAttemptAt time.Time    `json:"nextAttemptAt"`
	ClaimedBy     string       `json:"claimedBy,omitempty"`
	ClaimExpires  time.Time    `json:"claimExpiresAt,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
}

func NewRetryRecord(payload Payload, correlationID string) (*RetryRecord, error) {
	fp, err := payload.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint payload: %w", err)
	}

	now := time.Now().UTC()
	return &RetryRecord{
		ID:            uuid.NewString(),
		OperationType: OpMembershipPropagation,
		Payload:       payload,
		Fingerprint:   fp,
		Status:        StatusPending,
		CorrelationID: correlationID,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

func (r *RetryRecord) ClaimExpired(now time.Time) bool {
	return r.Status == StatusClaimed && now.After(r.ClaimExpires)
}

// Backoff controls retry pacing: base_delay * 2^attempts, capped.
type Backoff struct {
	BaseDelay   time.Duration `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay" json:"maxDelay"`
	MaxAttempts int           `yaml:"maxAttempts" json:"maxAttempts"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   time.Minute,
		MaxDelay:    time.Hour,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given attempt number (1-based count of
// failures so far). The doubling is capped at MaxDelay.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := b.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}
