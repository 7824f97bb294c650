package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codeberg.org/groupherd/groupherd/pkg/breaker"
	"codeberg.org/groupherd/groupherd/pkg/provider"
)

// Scripted provider: each call pops the next result.
type scriptedProvider struct {
	*provider.BaseProvider
	results []*provider.OperationResult
	calls   int
}

func (s *scriptedProvider) next() *provider.OperationResult {
	s.calls++
	if len(s.results) == 0 {
		return provider.Success("ok", nil)
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r
}

func (s *scriptedProvider) Initialize(ctx context.Context, config map[string]any) error {
	return nil
}

func (s *scriptedProvider) Validate(ctx context.Context) error {
	return nil
}

func (s *scriptedProvider) GetUserManagedGroups(ctx context.Context, userKey string) (*provider.OperationResult, error) {
	return s.next(), nil
}

func (s *scriptedProvider) GetGroupMembers(ctx context.Context, groupKey string, filter provider.MemberFilter) (*provider.OperationResult, error) {
	return s.next(), nil
}

func (s *scriptedProvider) AddMember(ctx context.Context, groupKey string, member provider.Member, justification string) (*provider.OperationResult, error) {
	return s.next(), nil
}

func (s *scriptedProvider) RemoveMember(ctx context.Context, groupKey string, member provider.Member, justification string) (*provider.OperationResult, error) {
	return s.next(), nil
}

func (s *scriptedProvider) ValidatePermissions(ctx context.Context, userKey, groupKey string, action provider.Action) (*provider.OperationResult, error) {
	return s.next(), nil
}

func (s *scriptedProvider) Close() error {
	return nil
}

func newScripted(name string, results ...*provider.OperationResult) *scriptedProvider {
	return &scriptedProvider{
		BaseProvider: provider.NewBaseProvider(name, name, provider.Capabilities{
			MemberAdd:    true,
			MemberRemove: true,
		}),
		results: results,
	}
}

func activatedRegistry(t *testing.T, providers map[string]*scriptedProvider, primary string) *provider.Registry {
	t.Helper()
	registry := provider.NewRegistry()

	settings := make(map[string]provider.Settings)
	for name, p := range providers {
		p := p
		require.NoError(t, registry.Register(name, func() provider.GroupProvider { return p }))
		settings[name] = provider.Settings{
			Enabled: true,
			Primary: name == primary,
			Prefix:  name,
		}
	}
	require.NoError(t, registry.Activate(context.Background(), settings))
	return registry
}

func newProcessor(t *testing.T, providers map[string]*scriptedProvider, primary string) *ProviderProcessor {
	t.Helper()
	registry := activatedRegistry(t, providers, primary)
	return NewProviderProcessor(registry, breaker.NewSet(breaker.DefaultConfig()), zap.NewNop())
}

func propagationRecord(t *testing.T, providerName string, action provider.Action) *RetryRecord {
	t.Helper()
	record, err := NewRetryRecord(Payload{
		Provider:    providerName,
		Action:      action,
		GroupID:     "gh-platform",
		MemberEmail: "dana@example.com",
	}, "corr-1")
	require.NoError(t, err)
	return record
}

func TestProviderProcessor_Success(t *testing.T) {
	github := newScripted("github", provider.Success("added", nil))
	p := newProcessor(t, map[string]*scriptedProvider{
		"slack":  newScripted("slack"),
		"github": github,
	}, "slack")

	outcome, detail := p.Process(context.Background(), propagationRecord(t, "github", provider.ActionAdd))
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Empty(t, detail)
	assert.Equal(t, 1, github.calls)
}

func TestProviderProcessor_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		result  *provider.OperationResult
		outcome Outcome
	}{
		{"transient retries", provider.Transient("rate limited", "rate_limited"), OutcomeRetry},
		{"permanent dead-letters", provider.Permanent("group deleted", "gone"), OutcomePermanentFailure},
		{"unauthorized dead-letters", provider.Unauthorized("bot lacks admin"), OutcomePermanentFailure},
		{"not found dead-letters", provider.NotFound("no such group"), OutcomePermanentFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcessor(t, map[string]*scriptedProvider{
				"slack":  newScripted("slack"),
				"github": newScripted("github", tt.result),
			}, "slack")

			outcome, _ := p.Process(context.Background(), propagationRecord(t, "github", provider.ActionAdd))
			assert.Equal(t, tt.outcome, outcome)
		})
	}
}

func TestProviderProcessor_RefusesCurrentPrimary(t *testing.T) {
	slack := newScripted("slack")
	p := newProcessor(t, map[string]*scriptedProvider{
		"slack":  slack,
		"github": newScripted("github"),
	}, "slack")

	// A record enqueued when slack was secondary must not replay into it
	// once slack is primary.
	outcome, detail := p.Process(context.Background(), propagationRecord(t, "slack", provider.ActionAdd))
	assert.Equal(t, OutcomePermanentFailure, outcome)
	assert.Contains(t, detail, "primary")
	assert.Zero(t, slack.calls)
}

func TestProviderProcessor_UnknownProvider(t *testing.T) {
	p := newProcessor(t, map[string]*scriptedProvider{
		"slack": newScripted("slack"),
	}, "slack")

	outcome, detail := p.Process(context.Background(), propagationRecord(t, "vanished", provider.ActionAdd))
	assert.Equal(t, OutcomePermanentFailure, outcome)
	assert.Contains(t, detail, "not active")
}

func TestProviderProcessor_UnknownOperationType(t *testing.T) {
	p := newProcessor(t, map[string]*scriptedProvider{
		"slack": newScripted("slack"),
	}, "slack")

	record := propagationRecord(t, "slack", provider.ActionAdd)
	record.OperationType = "mystery"

	outcome, detail := p.Process(context.Background(), record)
	assert.Equal(t, OutcomePermanentFailure, outcome)
	assert.Contains(t, detail, "unknown operation type")
}

// Returns no result and no error from membership calls, as a broken
// scripted driver can.
type emptyResultProvider struct {
	*scriptedProvider
}

func (e *emptyResultProvider) AddMember(ctx context.Context, groupKey string, member provider.Member, justification string) (*provider.OperationResult, error) {
	e.calls++
	return nil, nil
}

func TestProviderProcessor_EmptyResultRetries(t *testing.T) {
	github := &emptyResultProvider{scriptedProvider: newScripted("github")}

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register("slack", func() provider.GroupProvider { return newScripted("slack") }))
	require.NoError(t, registry.Register("github", func() provider.GroupProvider { return github }))
	require.NoError(t, registry.Activate(context.Background(), map[string]provider.Settings{
		"slack":  {Enabled: true, Primary: true, Prefix: "slack"},
		"github": {Enabled: true, Prefix: "github"},
	}))

	p := NewProviderProcessor(registry, breaker.NewSet(breaker.DefaultConfig()), zap.NewNop())

	outcome, detail := p.Process(context.Background(), propagationRecord(t, "github", provider.ActionAdd))
	assert.Equal(t, OutcomeRetry, outcome)
	assert.Contains(t, detail, "no result")
	assert.Equal(t, 1, github.calls)
}

func TestProviderProcessor_CircuitOpenRetries(t *testing.T) {
	github := newScripted("github", provider.Transient("down", "network_error"))

	registry := activatedRegistry(t, map[string]*scriptedProvider{
		"slack":  newScripted("slack"),
		"github": github,
	}, "slack")

	breakers := breaker.NewSet(breaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	p := NewProviderProcessor(registry, breakers, zap.NewNop())

	record := propagationRecord(t, "github", provider.ActionAdd)

	// First attempt trips the breaker, second is rejected without a call.
	outcome, _ := p.Process(context.Background(), record)
	assert.Equal(t, OutcomeRetry, outcome)
	require.Equal(t, 1, github.calls)

	outcome, detail := p.Process(context.Background(), record)
	assert.Equal(t, OutcomeRetry, outcome)
	assert.Contains(t, detail, "circuit open")
	assert.Equal(t, 1, github.calls)
}
