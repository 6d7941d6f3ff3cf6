// Package resolver runs decision evaluations: it assembles the
// resolved parameter context, evaluates the published rule, computes
// the eligible amount and records the run.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/amount"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/integration"
	"github.com/opensource-finance/kestrel/internal/params"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// RequestedAmountKey is the well-known key callers use to pass the
// requested pre-amount inside keyValues.
const RequestedAmountKey = "requestedAmount"

// ErrNoActiveRule marks a target without a published rule; a
// configuration error, reported synchronously.
var ErrNoActiveRule = rules.ErrNoActiveRule

// Resolver evaluates cards and products. It never calls an external
// service directly; unresolved parameters go through the orchestrator,
// after which evaluation is synchronous business logic over the merged
// context.
type Resolver struct {
	repo     domain.Repository
	engine   *rules.Engine
	catalog  *params.Catalog
	orch     *integration.Orchestrator
	calc     *amount.Calculator
	recorder *history.Recorder
}

// New creates a resolver.
func New(repo domain.Repository, engine *rules.Engine, catalog *params.Catalog, orch *integration.Orchestrator, calc *amount.Calculator, recorder *history.Recorder) *Resolver {
	return &Resolver{
		repo:     repo,
		engine:   engine,
		catalog:  catalog,
		orch:     orch,
		calc:     calc,
		recorder: recorder,
	}
}

// EvaluateCard decides whether an applicant qualifies for a card.
// The error return is reserved for configuration and storage errors;
// gating failures and resolution failures come back inside the outcome.
func (r *Resolver) EvaluateCard(ctx context.Context, tenantID, cardID string, keyValues map[string]any) (*domain.Outcome, error) {
	card, err := r.repo.GetCard(ctx, tenantID, cardID)
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	return r.evaluate(ctx, tenantID, domain.TargetCard, cardID, card, keyValues)
}

// EvaluateProduct decides whether an applicant qualifies for a product.
func (r *Resolver) EvaluateProduct(ctx context.Context, tenantID, productID string, keyValues map[string]any) (*domain.Outcome, error) {
	return r.evaluate(ctx, tenantID, domain.TargetProduct, productID, nil, keyValues)
}

func (r *Resolver) evaluate(ctx context.Context, tenantID string, kind domain.TargetKind, targetID string, card *domain.Card, keyValues map[string]any) (*domain.Outcome, error) {
	snap, err := r.engine.Snapshot(ctx, tenantID, kind, targetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("target %s: %w", targetID, ErrNoActiveRule)
		}
		return nil, err
	}

	catalog, err := r.catalog.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	values, bindReasons := params.Bind(keyValues, catalog)

	required := rules.RequiredParameters(snap)
	var missing []string
	for _, p := range required {
		if _, ok := values[p]; !ok {
			missing = append(missing, p)
		}
	}

	resolved, failures, err := r.orch.Resolve(ctx, tenantID, targetID, missing, values)
	if err != nil {
		return nil, err
	}
	for p, v := range resolved {
		values[p] = v
	}

	outcome := &domain.Outcome{
		RuleID:      snap.Rule.ID,
		RuleVersion: snap.Rule.Version,
	}

	if len(required) > 0 && allUnresolved(required, values) {
		outcome.Reasons = append(outcome.Reasons, domain.Reason{
			Code:    domain.ReasonInsufficientData,
			Message: "no required parameter could be resolved",
		})
		for _, p := range required {
			if reason, ok := failures[p]; ok {
				outcome.Reasons = append(outcome.Reasons, reason)
			}
		}
		r.record(tenantID, kind, targetID, snap, keyValues, resolved, outcome)
		return outcome, nil
	}

	gate := rules.Evaluate(snap, values)
	outcome.Passed = gate.Passed
	outcome.Score = gate.Score
	outcome.Reasons = append(outcome.Reasons, enrich(gate.Reasons, failures)...)
	outcome.Reasons = append(outcome.Reasons, bindReasons...)

	if gate.Passed {
		if amt, reason, err := r.eligibleAmount(ctx, tenantID, kind, targetID, card, keyValues, values); err != nil {
			return nil, err
		} else if reason != nil {
			outcome.Reasons = append(outcome.Reasons, *reason)
		} else if amt != nil {
			outcome.EligibleAmount = amt
		}
	}

	r.record(tenantID, kind, targetID, snap, keyValues, resolved, outcome)
	return outcome, nil
}

// eligibleAmount computes the amount for a passing run. Only PCards and
// products are amount-bearing; an ECard gate returns no amount.
func (r *Resolver) eligibleAmount(ctx context.Context, tenantID string, kind domain.TargetKind, targetID string, card *domain.Card, keyValues map[string]any, values domain.ParamValues) (*float64, *domain.Reason, error) {
	requested := requestedAmount(keyValues)

	var amt float64
	var err error
	switch {
	case kind == domain.TargetCard && card != nil && card.Kind == domain.KindPCard:
		amt, err = r.calc.Eligible(ctx, tenantID, card, requested, values)
	case kind == domain.TargetProduct && requested > 0:
		amt, err = r.calc.CalculateForProduct(ctx, tenantID, targetID, requested)
	default:
		return nil, nil, nil
	}

	if err != nil {
		if errors.Is(err, amount.ErrBelowMinimum) {
			return nil, &domain.Reason{
				Code:    domain.ReasonBelowMinimum,
				Message: err.Error(),
			}, nil
		}
		return nil, nil, err
	}
	return &amt, nil, nil
}

func requestedAmount(keyValues map[string]any) float64 {
	switch v := keyValues[RequestedAmountKey].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func allUnresolved(required []string, values domain.ParamValues) bool {
	for _, p := range required {
		if _, ok := values[p]; ok {
			return false
		}
	}
	return true
}

// enrich swaps generic data-unavailable reasons for the typed
// resolution failure recorded by the orchestrator for that parameter.
func enrich(gateReasons []domain.Reason, failures map[string]domain.Reason) []domain.Reason {
	out := make([]domain.Reason, 0, len(gateReasons))
	for _, reason := range gateReasons {
		if reason.Code == domain.ReasonDataUnavailable {
			if typed, ok := failures[reason.ParameterID]; ok {
				out = append(out, typed)
				continue
			}
		}
		out = append(out, reason)
	}
	return out
}

func (r *Resolver) record(tenantID string, kind domain.TargetKind, targetID string, snap *domain.RuleSnapshot, keyValues map[string]any, resolved domain.ParamValues, outcome *domain.Outcome) {
	if r.recorder == nil {
		return
	}

	inputs := make(map[string]string, len(keyValues))
	for k, v := range keyValues {
		inputs[k] = fmt.Sprintf("%v", v)
	}
	external := make(map[string]string, len(resolved))
	for k, v := range resolved {
		external[k] = v.String()
	}

	r.recorder.Record(&domain.EvaluationHistory{
		TenantID:         tenantID,
		TargetKind:       kind,
		TargetID:         targetID,
		RuleID:           snap.Rule.ID,
		RuleVersion:      snap.Rule.Version,
		Timestamp:        time.Now().UTC(),
		Inputs:           inputs,
		ResolvedExternal: external,
		Passed:           outcome.Passed,
		Score:            outcome.Score,
		EligibleAmount:   outcome.EligibleAmount,
		Reasons:          outcome.Reasons,
	})
}
