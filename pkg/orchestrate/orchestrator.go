package orchestrate

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeberg.org/groupherd/groupherd/pkg/breaker"
	"codeberg.org/groupherd/groupherd/pkg/provider"
	"codeberg.org/groupherd/groupherd/pkg/reconcile"
)

// Request is one membership change as it arrives from the chat/API surface.
type Request struct {
	Action        provider.Action `json:"action"`
	GroupID       string          `json:"groupId"`
	MemberEmail   string          `json:"memberEmail"`
	Justification string          `json:"justification,omitempty"`
	Requestor     string          `json:"requestor,omitempty"`
	DryRun        bool            `json:"dryRun,omitempty"`
}

// Response aggregates the primary outcome with the per-secondary
// propagation outcomes. The primary result decides overall success;
// secondary failures only flag PartialFailures and never roll anything
// back.
type Response struct {
	Action          provider.Action                      `json:"action"`
	GroupID         string                               `json:"groupId"`
	MemberEmail     string                               `json:"memberEmail"`
	Primary         *provider.OperationResult            `json:"primary"`
	PrimaryProvider string                               `json:"primaryProvider"`
	Propagation     map[string]*provider.OperationResult `json:"propagation"`
	PartialFailures bool                                 `json:"partialFailures"`
	CorrelationID   string                               `json:"correlationId"`
	Timestamp       time.Time                            `json:"timestamp"`
	DryRun          bool                                 `json:"dryRun,omitempty"`
}

func (r *Response) Success() bool {
	return r.Primary.IsSuccess()
}

// Orchestrator drives one membership change: validate, write to the
// primary, then best-effort fan-out to every active secondary. Secondary
// failures are enqueued for reconciliation; a primary failure stops
// everything and is never enqueued.
type Orchestrator struct {
	registry *provider.Registry
	mapper   *provider.Mapper
	breakers *breaker.Set
	store    reconcile.Store
	logger   *zap.Logger
}

func New(
	registry *provider.Registry,
	mapper *provider.Mapper,
	breakers *breaker.Set,
	store reconcile.Store,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		mapper:   mapper,
		breakers: breakers,
		store:    store,
		logger:   logger,
	}
}

func (o *Orchestrator) Apply(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{
		Action:          req.Action,
		GroupID:         req.GroupID,
		MemberEmail:     req.MemberEmail,
		PrimaryProvider: o.registry.PrimaryName(),
		Propagation:     make(map[string]*provider.OperationResult),
		CorrelationID:   uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		DryRun:          req.DryRun,
	}

	logger := o.logger.With(
		zap.String("correlation_id", resp.CorrelationID),
		zap.String("action", string(req.Action)),
		zap.String("group", req.GroupID),
		zap.String("member", req.MemberEmail))

	// Invalid input never reaches a provider.
	if result := validate(req); result != nil {
		resp.Primary = result
		return resp, nil
	}

	primary, err := o.registry.Primary()
	if err != nil {
		return nil, fmt.Errorf("no primary provider: %w", err)
	}

	if req.DryRun {
		resp.Primary = provider.Success("dry run: primary write skipped", nil)
		o.dryRunPropagation(resp)
		return resp, nil
	}

	resp.Primary = o.invoke(ctx, o.registry.PrimaryName(), primary, req, req.GroupID)

	// A failed primary write is terminal: nothing is propagated and
	// nothing is enqueued.
	if !resp.Primary.IsSuccess() {
		logger.Warn("Primary write failed",
			zap.String("provider", o.registry.PrimaryName()),
			zap.String("status", string(resp.Primary.Status)),
			zap.String("message", resp.Primary.Message))
		return resp, nil
	}

	logger.Info("Primary write succeeded",
		zap.String("provider", o.registry.PrimaryName()))

	o.propagate(ctx, req, resp, logger)
	return resp, nil
}

// propagate fans the change out to every active secondary. Secondaries are
// independent: one failure neither blocks nor rolls back another.
func (o *Orchestrator) propagate(ctx context.Context, req Request, resp *Response, logger *zap.Logger) {
	secondaries := o.registry.Secondaries()

	names := make([]string, 0, len(secondaries))
	for name := range secondaries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := secondaries[name]

		mapped, err := o.mapper.MapPrimaryToSecondary(req.GroupID, name)
		if err != nil {
			// Missing mappings are permanent: retrying cannot invent one.
			resp.Propagation[name] = provider.Permanent(err.Error(), "no_mapping")
			resp.PartialFailures = true
			logger.Warn("Group mapping missing",
				zap.String("provider", name),
				zap.Error(err))
			continue
		}

		result := o.invoke(ctx, name, p, req, mapped)
		resp.Propagation[name] = result

		if result.IsSuccess() {
			logger.Info("Propagation succeeded", zap.String("provider", name))
			continue
		}

		resp.PartialFailures = true
		logger.Warn("Propagation failed",
			zap.String("provider", name),
			zap.String("status", string(result.Status)),
			zap.String("message", result.Message))

		// Every failed secondary leaves a retry record: the worker retries
		// transient failures and dead-letters the rest, so permanent
		// failures stay inspectable and requeueable.
		o.enqueueRetry(ctx, name, mapped, req, resp, logger)
	}
}

// invoke runs one provider call through its circuit breaker and normalizes
// every failure mode into an OperationResult. A circuit-open rejection is a
// transient failure from the orchestration's point of view.
func (o *Orchestrator) invoke(ctx context.Context, name string, p provider.GroupProvider, req Request, groupID string) *provider.OperationResult {
	member := provider.Member{Email: req.MemberEmail}

	result, err := o.breakers.Get(name).Call(ctx, func(ctx context.Context) (*provider.OperationResult, error) {
		switch req.Action {
		case provider.ActionAdd:
			return p.AddMember(ctx, groupID, member, req.Justification)
		case provider.ActionRemove:
			return p.RemoveMember(ctx, groupID, member, req.Justification)
		default:
			return nil, fmt.Errorf("unknown action %q", req.Action)
		}
	})

	if err == breaker.ErrOpen {
		return provider.Transient(
			fmt.Sprintf("provider %s unavailable (circuit open)", name),
			"circuit_open",
		)
	}
	if err != nil {
		return provider.Transient(err.Error(), "call_failed")
	}
	if result == nil {
		return provider.Transient(
			fmt.Sprintf("provider %s returned no result", name),
			"empty_result",
		)
	}
	return result
}

func (o *Orchestrator) enqueueRetry(ctx context.Context, providerName, groupID string, req Request, resp *Response, logger *zap.Logger) {
	record, err := reconcile.NewRetryRecord(reconcile.Payload{
		Provider:      providerName,
		Action:        req.Action,
		GroupID:       groupID,
		MemberEmail:   req.MemberEmail,
		Justification: req.Justification,
		Metadata: map[string]string{
			"requestor":     req.Requestor,
			"primary_group": req.GroupID,
		},
	}, resp.CorrelationID)
	if err != nil {
		logger.Error("Failed to build retry record",
			zap.String("provider", providerName),
			zap.Error(err))
		return
	}

	if err := o.store.Enqueue(ctx, record); err != nil {
		logger.Error("Failed to enqueue retry record",
			zap.String("provider", providerName),
			zap.String("record", record.ID),
			zap.Error(err))
		return
	}

	logger.Info("Propagation queued for reconciliation",
		zap.String("provider", providerName),
		zap.String("record", record.ID))
}

func (o *Orchestrator) dryRunPropagation(resp *Response) {
	for name := range o.registry.Secondaries() {
		if _, err := o.mapper.MapPrimaryToSecondary(resp.GroupID, name); err != nil {
			resp.Propagation[name] = provider.Permanent(err.Error(), "no_mapping")
			resp.PartialFailures = true
			continue
		}
		resp.Propagation[name] = provider.Success("dry run: propagation skipped", nil)
	}
}

func validate(req Request) *provider.OperationResult {
	if req.Action != provider.ActionAdd && req.Action != provider.ActionRemove {
		return provider.Permanent(
			fmt.Sprintf("unsupported action %q", req.Action),
			"invalid_action",
		)
	}
	if strings.TrimSpace(req.GroupID) == "" {
		return provider.Permanent("group id must not be empty", "invalid_group")
	}
	if _, err := mail.ParseAddress(req.MemberEmail); err != nil {
		return provider.Permanent(
			fmt.Sprintf("invalid member email %q", req.MemberEmail),
			"invalid_email",
		)
	}
	return nil
}
