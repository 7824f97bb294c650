package orchestrate

import (
	"fmt"
	"sort"
	"strings"

	"codeberg.org/groupherd/groupherd/pkg/provider"
)

// FormattedResponse is the platform-neutral rendering of an orchestration
// outcome. Chat integrations and the CLI consume the same structure and
// apply their own markup.
type FormattedResponse struct {
	Success       bool            `json:"success"`
	Headline      string          `json:"headline"`
	Detail        string          `json:"detail,omitempty"`
	Propagation   []Propagated    `json:"propagation,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Raw           *Response       `json:"-"`
	Status        provider.Status `json:"status"`
}

// Propagated is one secondary's outcome in display order. Queued reports
// whether the failure was handed to the reconciliation queue; mapping gaps
// never are.
type Propagated struct {
	Provider string          `json:"provider"`
	Status   provider.Status `json:"status"`
	Message  string          `json:"message,omitempty"`
	Queued   bool            `json:"queued"`
}

var actionVerbs = map[provider.Action][2]string{
	provider.ActionAdd:    {"add", "added to"},
	provider.ActionRemove: {"remove", "removed from"},
}

// Format flattens a Response into display-ready fields. Secondary outcomes
// are sorted by provider name so output is stable across runs.
func Format(resp *Response) *FormattedResponse {
	verbs := actionVerbs[resp.Action]

	out := &FormattedResponse{
		Success:       resp.Success(),
		CorrelationID: resp.CorrelationID,
		Raw:           resp,
		Status:        resp.Primary.Status,
	}

	if resp.Success() {
		out.Headline = fmt.Sprintf("%s %s %s", resp.MemberEmail, verbs[1], resp.GroupID)
		if resp.DryRun {
			out.Headline = "[dry run] " + out.Headline
		}
	} else {
		out.Headline = fmt.Sprintf("failed to %s %s: %s",
			verbs[0], resp.MemberEmail, resp.Primary.Message)
		out.Detail = statusDetail(resp.Primary)
	}

	names := make([]string, 0, len(resp.Propagation))
	for name := range resp.Propagation {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result := resp.Propagation[name]
		p := Propagated{
			Provider: name,
			Status:   result.Status,
			Queued:   !result.IsSuccess() && result.ErrorCode != "no_mapping" && !resp.DryRun,
		}
		if !result.IsSuccess() {
			p.Message = result.Message
			switch {
			case p.Queued && result.Retryable():
				out.Warnings = append(out.Warnings,
					fmt.Sprintf("%s: %s (queued for retry)", name, result.Message))
			case p.Queued:
				out.Warnings = append(out.Warnings,
					fmt.Sprintf("%s: %s (recorded for review)", name, result.Message))
			default:
				out.Warnings = append(out.Warnings,
					fmt.Sprintf("%s: %s", name, result.Message))
			}
		}
		out.Propagation = append(out.Propagation, p)
	}

	return out
}

// Text renders the formatted response as plain text, one line per fact.
func (f *FormattedResponse) Text() string {
	var b strings.Builder

	if f.Success {
		b.WriteString("OK: ")
	} else {
		b.WriteString("FAILED: ")
	}
	b.WriteString(f.Headline)
	b.WriteString("\n")

	if f.Detail != "" {
		b.WriteString(f.Detail)
		b.WriteString("\n")
	}

	for _, p := range f.Propagation {
		fmt.Fprintf(&b, "  %-20s %s", p.Provider, p.Status)
		if p.Message != "" {
			fmt.Fprintf(&b, " (%s)", p.Message)
		}
		if p.Queued {
			b.WriteString(" [queued]")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "correlation: %s\n", f.CorrelationID)
	return b.String()
}

func statusDetail(result *provider.OperationResult) string {
	switch result.Status {
	case provider.StatusUnauthorized:
		return "the requesting identity is not allowed to manage this group"
	case provider.StatusNotFound:
		return "the group or member was not found on the primary provider"
	case provider.StatusTransientError:
		if result.RetryAfter > 0 {
			return fmt.Sprintf("temporary failure; retry after %s", result.RetryAfter)
		}
		return "temporary failure; the change was not applied anywhere"
	default:
		return ""
	}
}
