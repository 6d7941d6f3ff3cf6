// Package params provides the parameter catalog and boundary binding of
// caller-supplied key values into typed evaluation contexts.
package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Parse converts a string literal to a typed Value of the declared type.
func Parse(dt domain.DataType, raw string) (domain.Value, error) {
	switch dt {
	case domain.TypeString:
		return domain.StringValue(raw), nil
	case domain.TypeInt:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("%q is not an int", raw)
		}
		return domain.IntValue(i), nil
	case domain.TypeDecimal:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("%q is not a decimal", raw)
		}
		return domain.DecimalValue(f), nil
	case domain.TypeBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return domain.Value{}, fmt.Errorf("%q is not a boolean", raw)
		}
		return domain.BoolValue(b), nil
	case domain.TypeDateTime:
		t, err := ParseTime(raw)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.TimeValue(t), nil
	}
	return domain.Value{}, fmt.Errorf("unknown data type %q", dt)
}

// ParseTime accepts RFC 3339 timestamps and bare dates.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%q is not a datetime", raw)
}

// FromJSON converts a generically-decoded JSON value to a typed Value of
// the declared type. Numbers arrive as float64; an int parameter rejects
// fractional values rather than truncating.
func FromJSON(dt domain.DataType, raw any) (domain.Value, error) {
	switch v := raw.(type) {
	case string:
		return Parse(dt, v)
	case bool:
		if dt != domain.TypeBool {
			return domain.Value{}, fmt.Errorf("got boolean, want %s", dt)
		}
		return domain.BoolValue(v), nil
	case float64:
		switch dt {
		case domain.TypeInt:
			if v != math.Trunc(v) {
				return domain.Value{}, fmt.Errorf("got fractional number %g, want int", v)
			}
			return domain.IntValue(int64(v)), nil
		case domain.TypeDecimal:
			return domain.DecimalValue(v), nil
		}
		return domain.Value{}, fmt.Errorf("got number, want %s", dt)
	case int64:
		switch dt {
		case domain.TypeInt:
			return domain.IntValue(v), nil
		case domain.TypeDecimal:
			return domain.DecimalValue(float64(v)), nil
		}
		return domain.Value{}, fmt.Errorf("got number, want %s", dt)
	case nil:
		return domain.Value{}, fmt.Errorf("got null, want %s", dt)
	}
	return domain.Value{}, fmt.Errorf("unsupported value type %T", raw)
}

// Bind validates caller-supplied key values against the catalog once, at
// the boundary. Keys without a declared parameter are dropped; values
// that fail their declared type yield a TypeMismatch reason and are left
// unresolved (the evaluator then fails closed on them).
func Bind(raw map[string]any, catalog map[string]domain.Parameter) (domain.ParamValues, []domain.Reason) {
	values := make(domain.ParamValues, len(raw))
	var reasons []domain.Reason

	for key, rv := range raw {
		p, ok := catalog[key]
		if !ok {
			continue
		}
		v, err := FromJSON(p.DataType, rv)
		if err != nil {
			reasons = append(reasons, domain.Reason{
				Code:        domain.ReasonTypeMismatch,
				Message:     fmt.Sprintf("parameter %s: %v", key, err),
				ParameterID: key,
			})
			continue
		}
		values[key] = v
	}

	return values, reasons
}
