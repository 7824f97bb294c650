package provider

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapper_PrefixTransform(t *testing.T) {
	m := NewMapper(map[string]MappingRule{
		"github": {StripPrefix: "team-", AddPrefix: "gh-"},
	})

	mapped, err := m.MapPrimaryToSecondary("team-platform", "github")
	require.NoError(t, err)
	assert.Equal(t, "gh-platform", mapped)
}

func TestMapper_AliasWinsOverPrefix(t *testing.T) {
	m := NewMapper(map[string]MappingRule{
		"github": {
			StripPrefix: "team-",
			AddPrefix:   "gh-",
			Aliases:     map[string]string{"team-platform": "platform-eng"},
		},
	})

	mapped, err := m.MapPrimaryToSecondary("team-platform", "github")
	require.NoError(t, err)
	assert.Equal(t, "platform-eng", mapped)

	// Non-aliased ids still go through the prefix transform.
	mapped, err = m.MapPrimaryToSecondary("team-security", "github")
	require.NoError(t, err)
	assert.Equal(t, "gh-security", mapped)
}

func TestMapper_MissingStripPrefixFails(t *testing.T) {
	m := NewMapper(map[string]MappingRule{
		"github": {StripPrefix: "team-", AddPrefix: "gh-"},
	})

	_, err := m.MapPrimaryToSecondary("random-group", "github")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMapping)
}

func TestMapper_UnknownProvider(t *testing.T) {
	m := NewMapper(nil)

	_, err := m.MapPrimaryToSecondary("team-platform", "github")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMapping)

	var mapErr *MappingError
	require.ErrorAs(t, err, &mapErr)
	assert.Equal(t, "github", mapErr.Provider)
	assert.Equal(t, "team-platform", mapErr.GroupID)
}

func TestMapper_EmptyResultFails(t *testing.T) {
	m := NewMapper(map[string]MappingRule{
		"github": {StripPrefix: "team-"},
	})

	_, err := m.MapPrimaryToSecondary("team-", "github")
	assert.ErrorIs(t, err, ErrNoMapping)
}

func TestMapper_SecondaryToPrimary(t *testing.T) {
	m := NewMapper(map[string]MappingRule{
		"github": {
			StripPrefix: "team-",
			AddPrefix:   "gh-",
			Aliases:     map[string]string{"team-platform": "platform-eng"},
		},
	})

	primary, err := m.MapSecondaryToPrimary("github", "gh-security")
	require.NoError(t, err)
	assert.Equal(t, "team-security", primary)

	primary, err = m.MapSecondaryToPrimary("github", "platform-eng")
	require.NoError(t, err)
	assert.Equal(t, "team-platform", primary)

	_, err = m.MapSecondaryToPrimary("github", "unrelated")
	assert.ErrorIs(t, err, ErrNoMapping)
}

func TestMapper_LoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	rules := `
github:
  stripPrefix: "team-"
  addPrefix: "gh-"
ldap:
  aliases:
    team-platform: "cn=platform,ou=groups,dc=example,dc=com"
`
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o644))

	m := NewMapper(map[string]MappingRule{
		"github": {AddPrefix: "old-"},
	})
	require.NoError(t, m.LoadRulesFile(path))

	// The file replaces the inline rules wholesale.
	mapped, err := m.MapPrimaryToSecondary("team-platform", "github")
	require.NoError(t, err)
	assert.Equal(t, "gh-platform", mapped)

	mapped, err = m.MapPrimaryToSecondary("team-platform", "ldap")
	require.NoError(t, err)
	assert.Equal(t, "cn=platform,ou=groups,dc=example,dc=com", mapped)
}

func TestMapper_LoadRulesFileMissing(t *testing.T) {
	m := NewMapper(nil)
	err := m.LoadRulesFile("/nonexistent/rules.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
