package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/groupherd/groupherd/pkg/provider"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{
		BaseDelay:   time.Minute,
		MaxDelay:    time.Hour,
		MaxAttempts: 10,
	}

	expected := []time.Duration{
		1 * time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		32 * time.Minute,
		time.Hour,
		time.Hour,
		time.Hour,
	}

	for i, want := range expected {
		attempts := i + 1
		assert.Equal(t, want, b.Delay(attempts), "attempt %d", attempts)
	}
}

func TestBackoff_DelayNeverDecreases(t *testing.T) {
	b := DefaultBackoff()

	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		d := b.Delay(attempts)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, b.MaxDelay)
		prev = d
	}
}

func TestBackoff_DelayClampsAttempts(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, b.BaseDelay, b.Delay(0))
	assert.Equal(t, b.BaseDelay, b.Delay(-5))
}

func TestPayload_Fingerprint(t *testing.T) {
	p1 := Payload{
		Provider:    "github",
		Action:      provider.ActionAdd,
		GroupID:     "gh-platform",
		MemberEmail: "dana@example.com",
	}
	p2 := Payload{
		Provider:    "github",
		Action:      provider.ActionAdd,
		GroupID:     "gh-platform",
		MemberEmail: "dana@example.com",
	}

	fp1, err := p1.Fingerprint()
	require.NoError(t, err)
	fp2, err := p2.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	p2.Action = provider.ActionRemove
	fp3, err := p2.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestNewRetryRecord(t *testing.T) {
	record, err := NewRetryRecord(Payload{
		Provider:    "github",
		Action:      provider.ActionAdd,
		GroupID:     "gh-platform",
		MemberEmail: "dana@example.com",
	}, "corr-123")
	require.NoError(t, err)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, OpMembershipPropagation, record.OperationType)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, "corr-123", record.CorrelationID)
	assert.Zero(t, record.Attempts)
	assert.False(t, record.NextAttemptAt.After(time.Now().UTC()))
	assert.NotZero(t, record.Fingerprint)
}

func TestRetryRecord_ClaimExpired(t *testing.T) {
	now := time.Now().UTC()

	r := &RetryRecord{Status: StatusClaimed, ClaimExpires: now.Add(-time.Second)}
	assert.True(t, r.ClaimExpired(now))

	r.ClaimExpires = now.Add(time.Minute)
	assert.False(t, r.ClaimExpired(now))

	// Only claimed records can have an expired claim.
	r.Status = StatusPending
	r.ClaimExpires = now.Add(-time.Second)
	assert.False(t, r.ClaimExpired(now))
}
