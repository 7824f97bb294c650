package provider

import (
	"context"
	"fmt"
	"sync"
)

// BaseProvider carries the name, config map and capability plumbing shared by
// every driver. Drivers embed it and implement the provider calls.
type BaseProvider struct {
	name   string
	prefix string
	caps   Capabilities
	config map[string]any
	mu     sync.RWMutex
}

func NewBaseProvider(name, prefix string, caps Capabilities) *BaseProvider {
	caps.GroupLifecycle = false
	return &BaseProvider{
		name:   name,
		prefix: prefix,
		caps:   caps,
	}
}

func (b *BaseProvider) Name() string {
	return b.name
}

func (b *BaseProvider) DefaultPrefix() string {
	return b.prefix
}

func (b *BaseProvider) Capabilities() Capabilities {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.caps
}

// OverrideCapabilities applies configuration-time overrides. Group lifecycle
// stays disabled no matter what the override says.
func (b *BaseProvider) OverrideCapabilities(caps Capabilities) {
	b.mu.Lock()
	defer b.mu.Unlock()
	caps.GroupLifecycle = false
	b.caps = caps
}

func (b *BaseProvider) SetConfig(config map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = config
}

func (b *BaseProvider) Config() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

func (b *BaseProvider) GetConfig(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	val, ok := b.config[key]
	return val, ok
}

func (b *BaseProvider) GetStringConfig(key string) (string, error) {
	val, ok := b.GetConfig(key)
	if !ok {
		return "", fmt.Errorf("config key %s not found", key)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("config key %s is not a string", key)
	}
	return str, nil
}

// CreateGroup always fails: group lifecycle is owned by the providers.
func (b *BaseProvider) CreateGroup(ctx context.Context, group Group) (*OperationResult, error) {
	return Permanent(
		fmt.Sprintf("groups on %s are managed externally", b.name),
		"managed_externally",
	), nil
}

func (b *BaseProvider) DeleteGroup(ctx context.Context, groupKey string) (*OperationResult, error) {
	return Permanent(
		fmt.Sprintf("groups on %s are managed externally", b.name),
		"managed_externally",
	), nil
}
