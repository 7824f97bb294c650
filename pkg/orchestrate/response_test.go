package orchestrate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/groupherd/groupherd/pkg/provider"
)

func successResponse() *Response {
	return &Response{
		Action:          provider.ActionAdd,
		GroupID:         "team-platform",
		MemberEmail:     "dana@example.com",
		Primary:         provider.Success("added", nil),
		PrimaryProvider: "slack",
		Propagation: map[string]*provider.OperationResult{
			"github": provider.Success("added", nil),
			"ldap":   provider.Success("added", nil),
		},
		CorrelationID: "corr-1",
	}
}

func TestFormat_Success(t *testing.T) {
	f := Format(successResponse())

	assert.True(t, f.Success)
	assert.Equal(t, "dana@example.com added to team-platform", f.Headline)
	assert.Empty(t, f.Detail)
	assert.Empty(t, f.Warnings)
	assert.Equal(t, provider.StatusSuccess, f.Status)
	assert.Equal(t, "corr-1", f.CorrelationID)

	// Sorted by provider name.
	require.Len(t, f.Propagation, 2)
	assert.Equal(t, "github", f.Propagation[0].Provider)
	assert.Equal(t, "ldap", f.Propagation[1].Provider)
}

func TestFormat_RemoveVerb(t *testing.T) {
	resp := successResponse()
	resp.Action = provider.ActionRemove

	f := Format(resp)
	assert.Equal(t, "dana@example.com removed from team-platform", f.Headline)
}

func TestFormat_DryRun(t *testing.T) {
	resp := successResponse()
	resp.DryRun = true

	f := Format(resp)
	assert.True(t, strings.HasPrefix(f.Headline, "[dry run] "))
}

func TestFormat_PrimaryFailure(t *testing.T) {
	resp := successResponse()
	resp.Primary = provider.Unauthorized("bot lacks admin")
	resp.Propagation = nil

	f := Format(resp)
	assert.False(t, f.Success)
	assert.Equal(t, "failed to add dana@example.com: bot lacks admin", f.Headline)
	assert.Contains(t, f.Detail, "not allowed to manage")
	assert.Equal(t, provider.StatusUnauthorized, f.Status)
}

func TestFormat_RetryAfterDetail(t *testing.T) {
	resp := successResponse()
	resp.Primary = provider.RateLimited("slow down", 30*time.Second)
	resp.Propagation = nil

	f := Format(resp)
	assert.Contains(t, f.Detail, "retry after 30s")
}

func TestFormat_QueuedWarning(t *testing.T) {
	resp := successResponse()
	resp.PartialFailures = true
	resp.Propagation = map[string]*provider.OperationResult{
		"github": provider.Transient("rate limited", "rate_limited"),
		"jira":   provider.Unauthorized("bot lacks admin"),
		"ldap":   provider.Permanent("no mapping", "no_mapping"),
	}

	f := Format(resp)
	assert.True(t, f.Success)
	require.Len(t, f.Warnings, 3)
	assert.Equal(t, "github: rate limited (queued for retry)", f.Warnings[0])
	assert.Equal(t, "jira: bot lacks admin (recorded for review)", f.Warnings[1])
	assert.Equal(t, "ldap: no mapping", f.Warnings[2])

	require.Len(t, f.Propagation, 3)
	assert.True(t, f.Propagation[0].Queued)
	assert.True(t, f.Propagation[1].Queued)
	assert.False(t, f.Propagation[2].Queued)
}

func TestFormattedResponse_Text(t *testing.T) {
	resp := successResponse()
	resp.Propagation["github"] = provider.Transient("rate limited", "rate_limited")

	text := Format(resp).Text()

	assert.True(t, strings.HasPrefix(text, "OK: dana@example.com added to team-platform\n"))
	assert.Contains(t, text, "github")
	assert.Contains(t, text, "[queued]")
	assert.Contains(t, text, "correlation: corr-1")
}

func TestFormattedResponse_TextFailure(t *testing.T) {
	resp := successResponse()
	resp.Primary = provider.Transient("timeout", "network_error")
	resp.Propagation = nil

	text := Format(resp).Text()
	assert.True(t, strings.HasPrefix(text, "FAILED: "))
	assert.Contains(t, text, "the change was not applied anywhere")
}
