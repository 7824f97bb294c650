package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"codeberg.org/groupherd/groupherd/pkg/breaker"
	"codeberg.org/groupherd/groupherd/pkg/provider"
)

// ProviderProcessor replays membership propagations against the provider
// named in the record payload, through that provider's circuit breaker.
type ProviderProcessor struct {
	registry *provider.Registry
	breakers *breaker.Set
	logger   *zap.Logger
}

func NewProviderProcessor(registry *provider.Registry, breakers *breaker.Set, logger *zap.Logger) *ProviderProcessor {
	return &ProviderProcessor{
		registry: registry,
		breakers: breakers,
		logger:   logger,
	}
}

func (p *ProviderProcessor) Process(ctx context.Context, record *RetryRecord) (Outcome, string) {
	if record.OperationType != OpMembershipPropagation {
		return OutcomePermanentFailure,
			fmt.Sprintf("unknown operation type %q", record.OperationType)
	}

	payload := record.Payload

	// Propagation retries only ever target secondaries. If roles changed
	// since the record was enqueued, replaying into the new primary would
	// bypass its authority.
	if payload.Provider == p.registry.PrimaryName() {
		return OutcomePermanentFailure,
			fmt.Sprintf("provider %s is now primary; refusing to replay propagation", payload.Provider)
	}

	prov, err := p.registry.Get(payload.Provider)
	if err != nil {
		return OutcomePermanentFailure, err.Error()
	}

	member := provider.Member{Email: payload.MemberEmail, ID: payload.MemberID}

	result, err := p.breakers.Get(payload.Provider).Call(ctx, func(ctx context.Context) (*provider.OperationResult, error) {
		switch payload.Action {
		case provider.ActionAdd:
			return prov.AddMember(ctx, payload.GroupID, member, payload.Justification)
		case provider.ActionRemove:
			return prov.RemoveMember(ctx, payload.GroupID, member, payload.Justification)
		default:
			return nil, fmt.Errorf("unknown action %q", payload.Action)
		}
	})

	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return OutcomeRetry, fmt.Sprintf("circuit open for %s", payload.Provider)
		}
		return OutcomeRetry, err.Error()
	}
	if result == nil {
		return OutcomeRetry, fmt.Sprintf("provider %s returned no result", payload.Provider)
	}

	switch result.Status {
	case provider.StatusSuccess:
		return OutcomeSuccess, ""
	case provider.StatusTransientError:
		return OutcomeRetry, result.Message
	default:
		return OutcomePermanentFailure,
			fmt.Sprintf("%s: %s", result.Status, result.Message)
	}
}
