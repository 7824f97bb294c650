package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock provider for testing
type mockProvider struct {
	*BaseProvider
	initErr error
	closed  bool
}

func newMockFactory(name, prefix string) Factory {
	return func() GroupProvider {
		return &mockProvider{
			BaseProvider: NewBaseProvider(name, prefix, Capabilities{
				MemberAdd:    true,
				MemberRemove: true,
			}),
		}
	}
}

func (m *mockProvider) Initialize(ctx context.Context, config map[string]any) error {
	if m.initErr != nil {
		return m.initErr
	}
	m.SetConfig(config)
	return nil
}

func (m *mockProvider) Validate(ctx context.Context) error {
	return nil
}

func (m *mockProvider) GetUserManagedGroups(ctx context.Context, userKey string) (*OperationResult, error) {
	return Success("", nil), nil
}

func (m *mockProvider) GetGroupMembers(ctx context.Context, groupKey string, filter MemberFilter) (*OperationResult, error) {
	return Success("", nil), nil
}

func (m *mockProvider) AddMember(ctx context.Context, groupKey string, member Member, justification string) (*OperationResult, error) {
	return Success("added", nil), nil
}

func (m *mockProvider) RemoveMember(ctx context.Context, groupKey string, member Member, justification string) (*OperationResult, error) {
	return Success("removed", nil), nil
}

func (m *mockProvider) ValidatePermissions(ctx context.Context, userKey, groupKey string, action Action) (*OperationResult, error) {
	return Success("", nil), nil
}

func (m *mockProvider) Close() error {
	m.closed = true
	return nil
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register("mock", newMockFactory("mock", "mk"))
	require.NoError(t, err)

	err = registry.Register("mock", newMockFactory("mock", "mk"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.True(t, registry.Has("mock"))
	assert.False(t, registry.Has("nonexistent"))
}

func TestRegistry_Activate(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slack", newMockFactory("slack", "sl"))
	registry.Register("github", newMockFactory("github", "gh"))

	err := registry.Activate(context.Background(), map[string]Settings{
		"slack":  {Enabled: true, Primary: true},
		"github": {Enabled: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "slack", registry.PrimaryName())
	assert.Len(t, registry.Active(), 2)
	assert.Len(t, registry.Secondaries(), 1)
	assert.Equal(t, "sl", registry.Prefix("slack"))
	assert.Equal(t, "gh", registry.Prefix("github"))

	p, err := registry.Primary()
	require.NoError(t, err)
	assert.Equal(t, "slack", p.Name())
}

func TestRegistry_ActivateNoPrimary(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slack", newMockFactory("slack", "sl"))

	err := registry.Activate(context.Background(), map[string]Settings{
		"slack": {Enabled: true},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one enabled provider must be primary")
}

func TestRegistry_ActivateTwoPrimaries(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slack", newMockFactory("slack", "sl"))
	registry.Register("github", newMockFactory("github", "gh"))

	err := registry.Activate(context.Background(), map[string]Settings{
		"slack":  {Enabled: true, Primary: true},
		"github": {Enabled: true, Primary: true},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "got 2")
}

func TestRegistry_ActivateDuplicatePrefix(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slack", newMockFactory("slack", "same"))
	registry.Register("github", newMockFactory("github", "same"))

	err := registry.Activate(context.Background(), map[string]Settings{
		"slack":  {Enabled: true, Primary: true},
		"github": {Enabled: true},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "same prefix")
}

func TestRegistry_ActivatePrefixOverride(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slack", newMockFactory("slack", "same"))
	registry.Register("github", newMockFactory("github", "same"))

	// Explicit prefixes resolve the collision between driver defaults.
	err := registry.Activate(context.Background(), map[string]Settings{
		"slack":  {Enabled: true, Primary: true, Prefix: "sl"},
		"github": {Enabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "sl", registry.Prefix("slack"))
	assert.Equal(t, "same", registry.Prefix("github"))
}

func TestRegistry_ActivateSkipsDisabled(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slack", newMockFactory("slack", "sl"))
	registry.Register("github", newMockFactory("github", "gh"))

	err := registry.Activate(context.Background(), map[string]Settings{
		"slack":  {Enabled: true, Primary: true},
		"github": {Enabled: false},
	})
	require.NoError(t, err)

	assert.Len(t, registry.Active(), 1)
	_, err = registry.Get("github")
	assert.Error(t, err)
}

func TestRegistry_ActivateUnknownType(t *testing.T) {
	registry := NewRegistry()

	err := registry.Activate(context.Background(), map[string]Settings{
		"mystery": {Enabled: true, Primary: true},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestRegistry_ActivateTwice(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slack", newMockFactory("slack", "sl"))

	settings := map[string]Settings{
		"slack": {Enabled: true, Primary: true},
	}
	require.NoError(t, registry.Activate(context.Background(), settings))

	err := registry.Activate(context.Background(), settings)
	assert.Error(t, err)
}

func TestRegistry_CapabilityOverride(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slack", newMockFactory("slack", "sl"))

	err := registry.Activate(context.Background(), map[string]Settings{
		"slack": {
			Enabled: true,
			Primary: true,
			Capabilities: &Capabilities{
				MemberAdd:      true,
				MemberRemove:   false,
				GroupLifecycle: true,
			},
		},
	})
	require.NoError(t, err)

	p, err := registry.Get("slack")
	require.NoError(t, err)
	caps := p.Capabilities()
	assert.True(t, caps.MemberAdd)
	assert.False(t, caps.MemberRemove)
	// Group lifecycle cannot be switched on from config.
	assert.False(t, caps.GroupLifecycle)
}
