package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// FactorResult is the outcome of aggregating one factor's conditions.
type FactorResult struct {
	FactorID string
	Passed   bool
	Score    float64
	Reasons  []domain.Reason
}

// EvalFactor aggregates a factor's member conditions against the
// resolved context. AND and OR short-circuit; WEIGHTED always evaluates
// every member so the numeric score is complete. Short-circuiting here
// never skips external resolution: the resolver computes the full
// required-parameter set up front.
func EvalFactor(f domain.Factor, snap *domain.RuleSnapshot, values domain.ParamValues) FactorResult {
	res := FactorResult{FactorID: f.ID}

	switch f.Combinator {
	case domain.CombineAnd:
		for _, cid := range f.ConditionIDs {
			pass, reason := evalMember(cid, snap, values)
			if !pass {
				if reason != nil {
					res.Reasons = append(res.Reasons, *reason)
				}
				return res
			}
		}
		res.Passed = true
		return res

	case domain.CombineOr:
		for _, cid := range f.ConditionIDs {
			pass, reason := evalMember(cid, snap, values)
			if pass {
				res.Passed = true
				res.Reasons = nil
				return res
			}
			if reason != nil {
				res.Reasons = append(res.Reasons, *reason)
			}
		}
		return res

	case domain.CombineWeighted:
		for _, cid := range f.ConditionIDs {
			pass, reason := evalMember(cid, snap, values)
			if pass {
				res.Score += f.Weights[cid]
				continue
			}
			if reason != nil {
				res.Reasons = append(res.Reasons, *reason)
			}
		}
		res.Passed = res.Score >= f.Threshold
		if res.Passed {
			res.Reasons = nil
		}
		return res
	}

	res.Reasons = append(res.Reasons, domain.Reason{
		Code:    domain.ReasonTypeMismatch,
		Message: fmt.Sprintf("factor %s: unknown combinator %q", f.ID, f.Combinator),
	})
	return res
}

func evalMember(conditionID string, snap *domain.RuleSnapshot, values domain.ParamValues) (bool, *domain.Reason) {
	cond, ok := snap.Conditions[conditionID]
	if !ok {
		return false, &domain.Reason{
			Code:    domain.ReasonTypeMismatch,
			Message: fmt.Sprintf("condition %s not found in rule snapshot", conditionID),
		}
	}

	param, ok := snap.Parameters[cond.ParameterID]
	if !ok {
		return false, &domain.Reason{
			Code:        domain.ReasonTypeMismatch,
			Message:     fmt.Sprintf("parameter %s is not declared", cond.ParameterID),
			ParameterID: cond.ParameterID,
		}
	}

	v, resolved := values[cond.ParameterID]
	return EvalCondition(cond, param.DataType, v, resolved)
}
