package provider

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
)

// ErrNoMapping is a domain error: the group simply has no identifier on the
// other provider. It is permanent by contract — a missing mapping never
// resolves itself through retries.
var ErrNoMapping = errors.New("no group mapping")

type MappingError struct {
	Provider string
	GroupID  string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("no group mapping for %q on provider %s", e.GroupID, e.Provider)
}

func (e *MappingError) Is(target error) bool {
	return target == ErrNoMapping
}

// MappingRule translates group ids between the primary's naming convention
// and one secondary's. Aliases win over the prefix transform; the prefix
// transform rewrites primary "<stripPrefix>X" to secondary "<addPrefix>X".
type MappingRule struct {
	StripPrefix string            `yaml:"stripPrefix" json:"stripPrefix"`
	AddPrefix   string            `yaml:"addPrefix" json:"addPrefix"`
	Aliases     map[string]string `yaml:"aliases" json:"aliases,omitempty"`
}

// Mapper holds one rule set per secondary provider. Read-mostly: rules are
// installed at startup (from config, rule files or a git checkout) and only
// replaced wholesale.
type Mapper struct {
	rules map[string]MappingRule
	mu    sync.RWMutex
}

func NewMapper(rules map[string]MappingRule) *Mapper {
	if rules == nil {
		rules = make(map[string]MappingRule)
	}
	return &Mapper{rules: rules}
}

// LoadRulesFile reads a YAML rule file mapping provider name -> MappingRule
// and replaces the current rule set.
func (m *Mapper) LoadRulesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read mapping rules: %w", err)
	}

	rules := make(map[string]MappingRule)
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("failed to parse mapping rules: %w", err)
	}

	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
	return nil
}

func (m *Mapper) Rule(providerName string) (MappingRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[providerName]
	return rule, ok
}

func (m *Mapper) MapPrimaryToSecondary(primaryGroupID, secondaryName string) (string, error) {
	rule, ok := m.Rule(secondaryName)
	if !ok {
		return "", &MappingError{Provider: secondaryName, GroupID: primaryGroupID}
	}

	if alias, ok := rule.Aliases[primaryGroupID]; ok {
		return alias, nil
	}

	if rule.StripPrefix != "" && !strings.HasPrefix(primaryGroupID, rule.StripPrefix) {
		return "", &MappingError{Provider: secondaryName, GroupID: primaryGroupID}
	}

	mapped := rule.AddPrefix + strings.TrimPrefix(primaryGroupID, rule.StripPrefix)
	if mapped == "" {
		return "", &MappingError{Provider: secondaryName, GroupID: primaryGroupID}
	}
	return mapped, nil
}

func (m *Mapper) MapSecondaryToPrimary(secondaryName, secondaryGroupID string) (string, error) {
	rule, ok := m.Rule(secondaryName)
	if !ok {
		return "", &MappingError{Provider: secondaryName, GroupID: secondaryGroupID}
	}

	for primary, alias := range rule.Aliases {
		if alias == secondaryGroupID {
			return primary, nil
		}
	}

	if rule.AddPrefix != "" && !strings.HasPrefix(secondaryGroupID, rule.AddPrefix) {
		return "", &MappingError{Provider: secondaryName, GroupID: secondaryGroupID}
	}

	mapped := rule.StripPrefix + strings.TrimPrefix(secondaryGroupID, rule.AddPrefix)
	if mapped == "" {
		return "", &MappingError{Provider: secondaryName, GroupID: secondaryGroupID}
	}
	return mapped, nil
}
