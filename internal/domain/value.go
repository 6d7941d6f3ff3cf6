package domain

import (
	"fmt"
	"time"
)

// DataType enumerates the types a Parameter can declare.
type DataType string

const (
	TypeString   DataType = "string"
	TypeInt      DataType = "int"
	TypeDecimal  DataType = "decimal"
	TypeBool     DataType = "boolean"
	TypeDateTime DataType = "datetime"
)

// ValidDataType reports whether dt is a known parameter type.
func ValidDataType(dt DataType) bool {
	switch dt {
	case TypeString, TypeInt, TypeDecimal, TypeBool, TypeDateTime:
		return true
	}
	return false
}

// Value is a typed parameter value. Exactly one field is meaningful,
// selected by Kind. Values are bound and validated once at the boundary
// so the evaluator never branches on runtime types.
type Value struct {
	Kind DataType  `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Int  int64     `json:"int,omitempty"`
	Dec  float64   `json:"dec,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	Time time.Time `json:"time,omitempty"`
}

// StringValue constructs a string Value.
func StringValue(s string) Value { return Value{Kind: TypeString, Str: s} }

// IntValue constructs an int Value.
func IntValue(i int64) Value { return Value{Kind: TypeInt, Int: i} }

// DecimalValue constructs a decimal Value.
func DecimalValue(f float64) Value { return Value{Kind: TypeDecimal, Dec: f} }

// BoolValue constructs a boolean Value.
func BoolValue(b bool) Value { return Value{Kind: TypeBool, Bool: b} }

// TimeValue constructs a datetime Value.
func TimeValue(t time.Time) Value { return Value{Kind: TypeDateTime, Time: t} }

// Native returns the value as a plain Go type, for formula activations
// and history serialization.
func (v Value) Native() any {
	switch v.Kind {
	case TypeString:
		return v.Str
	case TypeInt:
		return v.Int
	case TypeDecimal:
		return v.Dec
	case TypeBool:
		return v.Bool
	case TypeDateTime:
		return v.Time
	}
	return nil
}

// String renders the value for templates and logs.
func (v Value) String() string {
	switch v.Kind {
	case TypeString:
		return v.Str
	case TypeInt:
		return fmt.Sprintf("%d", v.Int)
	case TypeDecimal:
		return fmt.Sprintf("%g", v.Dec)
	case TypeBool:
		return fmt.Sprintf("%t", v.Bool)
	case TypeDateTime:
		return v.Time.Format(time.RFC3339)
	}
	return ""
}

// ParamValues is the resolved evaluation context, keyed by parameter ID.
// Absence of a key means the parameter is unresolved.
type ParamValues map[string]Value

// Clone returns a shallow copy so concurrent evaluations never alias.
func (pv ParamValues) Clone() ParamValues {
	out := make(ParamValues, len(pv))
	for k, v := range pv {
		out[k] = v
	}
	return out
}
