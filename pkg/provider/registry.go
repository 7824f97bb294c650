package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
)

// Settings is the per-provider block of the service configuration.
type Settings struct {
	Type         string         `yaml:"type" json:"type"`
	Enabled      bool           `yaml:"enabled" json:"enabled"`
	Primary      bool           `yaml:"primary" json:"primary"`
	Prefix       string         `yaml:"prefix" json:"prefix"`
	Capabilities *Capabilities  `yaml:"capabilities" json:"capabilities,omitempty"`
	Config       map[string]any `yaml:"config" json:"config,omitempty"`
}

type Factory func() GroupProvider

// Registry owns the provider-name -> driver mapping. Registration is cheap
// and happens at import time from driver init functions; instantiation is
// deferred to Activate, which enforces the global invariants and is the only
// mutation after which the registry is read-only.
type Registry struct {
	factories map[string]Factory
	active    *xsync.Map[string, GroupProvider]
	primary   string
	prefixes  map[string]string
	activated bool
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		active:    xsync.NewMap[string, GroupProvider](),
		prefixes:  make(map[string]string),
	}
}

func (r *Registry) Register(typeName string, factory Factory) error {
	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("provider type %s already registered", typeName)
	}
	r.factories[typeName] = factory
	return nil
}

func (r *Registry) Has(typeName string) bool {
	_, exists := r.factories[typeName]
	return exists
}

func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Activate instantiates every enabled provider, applies capability
// overrides, resolves prefixes and verifies the global invariants: exactly
// one enabled provider is primary, and resolved prefixes are unique. Any
// violation fails activation outright so misconfiguration surfaces at
// startup, never at request time.
func (r *Registry) Activate(ctx context.Context, settings map[string]Settings) error {
	if r.activated {
		return fmt.Errorf("registry already activated")
	}

	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)

	primaries := 0
	seenPrefixes := make(map[string]string)

	for _, name := range names {
		s := settings[name]
		if !s.Enabled {
			continue
		}

		typeName := s.Type
		if typeName == "" {
			typeName = name
		}

		factory, ok := r.factories[typeName]
		if !ok {
			return fmt.Errorf("provider %s: unknown type %q", name, typeName)
		}

		p := factory()
		if err := p.Initialize(ctx, s.Config); err != nil {
			return fmt.Errorf("provider %s: initialize failed: %w", name, err)
		}

		if s.Capabilities != nil {
			if bp, ok := p.(interface{ OverrideCapabilities(Capabilities) }); ok {
				bp.OverrideCapabilities(*s.Capabilities)
			}
		}

		prefix := s.Prefix
		if prefix == "" {
			prefix = p.DefaultPrefix()
		}
		if prefix == "" {
			prefix = name
		}

		if other, dup := seenPrefixes[prefix]; dup {
			return fmt.Errorf(
				"providers %s and %s resolve to the same prefix %q",
				other, name, prefix,
			)
		}
		seenPrefixes[prefix] = name

		if s.Primary {
			primaries++
			r.primary = name
		}

		r.active.Store(name, p)
		r.prefixes[name] = prefix
	}

	if primaries != 1 {
		return fmt.Errorf("exactly one enabled provider must be primary, got %d", primaries)
	}

	r.activated = true
	return nil
}

func (r *Registry) Get(name string) (GroupProvider, error) {
	p, ok := r.active.Load(name)
	if !ok {
		return nil, fmt.Errorf("provider %s not active", name)
	}
	return p, nil
}

func (r *Registry) Active() map[string]GroupProvider {
	out := make(map[string]GroupProvider)
	r.active.Range(func(name string, p GroupProvider) bool {
		out[name] = p
		return true
	})
	return out
}

func (r *Registry) PrimaryName() string {
	return r.primary
}

func (r *Registry) Primary() (GroupProvider, error) {
	return r.Get(r.primary)
}

// Secondaries returns every active provider except the primary, in name
// order. Ordering is for deterministic logs only; propagation makes no
// ordering promises.
func (r *Registry) Secondaries() map[string]GroupProvider {
	out := make(map[string]GroupProvider)
	r.active.Range(func(name string, p GroupProvider) bool {
		if name != r.primary {
			out[name] = p
		}
		return true
	})
	return out
}

func (r *Registry) Prefix(name string) string {
	return r.prefixes[name]
}

func (r *Registry) Close() error {
	var firstErr error
	r.active.Range(func(name string, p GroupProvider) bool {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
