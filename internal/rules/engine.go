package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/params"
)

// ErrNoActiveRule is returned when a target has no published rule.
var ErrNoActiveRule = errors.New("no active rule for target")

// snapshotTTL bounds how long a cached rule snapshot may be served.
// Transitions invalidate eagerly; the TTL is a backstop.
const snapshotTTL = 5 * time.Minute

// Engine loads published rule snapshots with cache-aside reads and
// evaluates them. Evaluation itself is pure: the same snapshot and the
// same resolved context always produce the same verdict.
type Engine struct {
	repo    domain.Repository
	cache   domain.Cache
	catalog *params.Catalog
}

// NewEngine creates a rule engine.
func NewEngine(repo domain.Repository, cache domain.Cache, catalog *params.Catalog) *Engine {
	return &Engine{repo: repo, cache: cache, catalog: catalog}
}

func snapshotKey(kind domain.TargetKind, targetID string) string {
	return fmt.Sprintf("rule:snapshot:%s:%s", kind, targetID)
}

// Snapshot returns the published rule snapshot for a target.
// Draft, PendingCheck and Inactive versions are never selected.
func (e *Engine) Snapshot(ctx context.Context, tenantID string, kind domain.TargetKind, targetID string) (*domain.RuleSnapshot, error) {
	key := snapshotKey(kind, targetID)

	if e.cache != nil {
		if data, err := e.cache.Get(ctx, tenantID, key); err == nil && data != nil {
			var snap domain.RuleSnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return &snap, nil
			}
		}
	}

	rule, err := e.repo.GetPublishedRuleForTarget(ctx, tenantID, kind, targetID)
	if err != nil {
		return nil, err
	}

	catalog, err := e.catalog.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	// Attach only the parameters the rule references.
	referenced := make(map[string]domain.Parameter)
	for _, c := range rule.Conditions {
		if p, ok := catalog[c.ParameterID]; ok {
			referenced[c.ParameterID] = p
		}
	}

	snap := rule.Snapshot(referenced)

	if e.cache != nil {
		if data, err := json.Marshal(snap); err == nil {
			if err := e.cache.Set(ctx, tenantID, key, data, snapshotTTL); err != nil {
				slog.Warn("failed to cache rule snapshot",
					"tenant_id", tenantID,
					"target_id", targetID,
					"error", err,
				)
			}
		}
	}

	return snap, nil
}

// Invalidate drops a target's cached snapshot. Called on every rule
// lifecycle transition before the next evaluation can run.
func (e *Engine) Invalidate(ctx context.Context, tenantID string, kind domain.TargetKind, targetID string) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Delete(ctx, tenantID, snapshotKey(kind, targetID))
}

// RequiredParameters returns the sorted set of parameter IDs the rule's
// conditions reference. Computed up front so partial factor evaluation
// never skips an external call another factor needs.
func RequiredParameters(snap *domain.RuleSnapshot) []string {
	seen := make(map[string]struct{})
	for _, fid := range snap.Rule.FactorIDs {
		f, ok := snap.Factors[fid]
		if !ok {
			continue
		}
		for _, cid := range f.ConditionIDs {
			if c, ok := snap.Conditions[cid]; ok {
				seen[c.ParameterID] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs the rule tree against a resolved context. The gating
// verdict requires every factor to pass; the score is the sum of
// WEIGHTED factor scores and is exposed for best-fit ranking.
func Evaluate(snap *domain.RuleSnapshot, values domain.ParamValues) domain.GateResult {
	res := domain.GateResult{Passed: true}

	for _, fid := range snap.Rule.FactorIDs {
		f, ok := snap.Factors[fid]
		if !ok {
			res.Passed = false
			res.Reasons = append(res.Reasons, domain.Reason{
				Code:    domain.ReasonTypeMismatch,
				Message: fmt.Sprintf("factor %s not found in rule snapshot", fid),
			})
			continue
		}

		fr := EvalFactor(f, snap, values)
		res.Score += fr.Score
		if !fr.Passed {
			res.Passed = false
			res.Reasons = append(res.Reasons, fr.Reasons...)
		}
	}

	return res
}
