// Package rules provides the condition evaluator, factor aggregator and
// rule engine over immutable rule snapshots.
package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/params"
)

// EvalCondition evaluates one predicate against a resolved value.
// An unresolved parameter fails closed with a DataUnavailable reason;
// a comparand that does not parse as the parameter's declared type is a
// configuration error, reported as TypeMismatch and never coerced.
func EvalCondition(c domain.Condition, declared domain.DataType, v domain.Value, resolved bool) (bool, *domain.Reason) {
	if !resolved {
		return false, &domain.Reason{
			Code:        domain.ReasonDataUnavailable,
			Message:     fmt.Sprintf("data unavailable for %s", c.ParameterID),
			ParameterID: c.ParameterID,
		}
	}

	if v.Kind != declared {
		return false, &domain.Reason{
			Code:        domain.ReasonTypeMismatch,
			Message:     fmt.Sprintf("parameter %s resolved as %s, declared %s", c.ParameterID, v.Kind, declared),
			ParameterID: c.ParameterID,
		}
	}

	pass, err := apply(c, declared, v)
	if err != nil {
		return false, &domain.Reason{
			Code:        domain.ReasonTypeMismatch,
			Message:     fmt.Sprintf("condition %s: %v", c.ID, err),
			ParameterID: c.ParameterID,
		}
	}
	if !pass {
		return false, &domain.Reason{
			Code:        domain.ReasonConditionFailed,
			Message:     fmt.Sprintf("condition %s not met", c.ID),
			ParameterID: c.ParameterID,
		}
	}
	return true, nil
}

func apply(c domain.Condition, dt domain.DataType, v domain.Value) (bool, error) {
	if c.Operator == domain.OpIn {
		for _, raw := range c.Comparands {
			cmp, err := params.Parse(dt, raw)
			if err != nil {
				return false, err
			}
			if equal(v, cmp) {
				return true, nil
			}
		}
		return false, nil
	}

	cmp, err := params.Parse(dt, c.Comparand)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case domain.OpEq:
		return equal(v, cmp), nil
	case domain.OpNe:
		return !equal(v, cmp), nil
	case domain.OpLt, domain.OpLe, domain.OpGt, domain.OpGe:
		return order(c.Operator, v, cmp)
	case domain.OpContains:
		if dt != domain.TypeString {
			return false, fmt.Errorf("operator %s requires a string parameter", c.Operator)
		}
		return strings.Contains(v.Str, cmp.Str), nil
	case domain.OpStartsWith:
		if dt != domain.TypeString {
			return false, fmt.Errorf("operator %s requires a string parameter", c.Operator)
		}
		return strings.HasPrefix(v.Str, cmp.Str), nil
	case domain.OpBefore:
		if dt != domain.TypeDateTime {
			return false, fmt.Errorf("operator %s requires a datetime parameter", c.Operator)
		}
		return v.Time.Before(cmp.Time), nil
	case domain.OpAfter:
		if dt != domain.TypeDateTime {
			return false, fmt.Errorf("operator %s requires a datetime parameter", c.Operator)
		}
		return v.Time.After(cmp.Time), nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

func equal(a, b domain.Value) bool {
	switch a.Kind {
	case domain.TypeString:
		return a.Str == b.Str
	case domain.TypeInt:
		return a.Int == b.Int
	case domain.TypeDecimal:
		return a.Dec == b.Dec
	case domain.TypeBool:
		return a.Bool == b.Bool
	case domain.TypeDateTime:
		return a.Time.Equal(b.Time)
	}
	return false
}

func order(op domain.Operator, a, b domain.Value) (bool, error) {
	var c int
	switch a.Kind {
	case domain.TypeInt:
		switch {
		case a.Int < b.Int:
			c = -1
		case a.Int > b.Int:
			c = 1
		}
	case domain.TypeDecimal:
		switch {
		case a.Dec < b.Dec:
			c = -1
		case a.Dec > b.Dec:
			c = 1
		}
	case domain.TypeDateTime:
		switch {
		case a.Time.Before(b.Time):
			c = -1
		case a.Time.After(b.Time):
			c = 1
		}
	default:
		return false, fmt.Errorf("operator %s requires an ordered parameter type, got %s", op, a.Kind)
	}

	switch op {
	case domain.OpLt:
		return c < 0, nil
	case domain.OpLe:
		return c <= 0, nil
	case domain.OpGt:
		return c > 0, nil
	case domain.OpGe:
		return c >= 0, nil
	}
	return false, fmt.Errorf("unknown order operator %q", op)
}
