package params

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestParse(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		v, err := Parse(domain.TypeString, "hello")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if v.Str != "hello" {
			t.Errorf("expected hello, got %q", v.Str)
		}
	})

	t.Run("Int", func(t *testing.T) {
		v, err := Parse(domain.TypeInt, " 42 ")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if v.Int != 42 {
			t.Errorf("expected 42, got %d", v.Int)
		}
	})

	t.Run("IntRejectsDecimal", func(t *testing.T) {
		if _, err := Parse(domain.TypeInt, "42.5"); err == nil {
			t.Error("expected error for fractional int literal")
		}
	})

	t.Run("Decimal", func(t *testing.T) {
		v, err := Parse(domain.TypeDecimal, "2500.75")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if v.Dec != 2500.75 {
			t.Errorf("expected 2500.75, got %g", v.Dec)
		}
	})

	t.Run("Bool", func(t *testing.T) {
		v, err := Parse(domain.TypeBool, "true")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if !v.Bool {
			t.Error("expected true")
		}
	})

	t.Run("DateTimeRFC3339", func(t *testing.T) {
		v, err := Parse(domain.TypeDateTime, "2025-06-01T12:00:00Z")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		if !v.Time.Equal(want) {
			t.Errorf("expected %v, got %v", want, v.Time)
		}
	})

	t.Run("DateTimeBareDate", func(t *testing.T) {
		v, err := Parse(domain.TypeDateTime, "2025-06-01")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if v.Time.Year() != 2025 || v.Time.Month() != 6 {
			t.Errorf("unexpected time %v", v.Time)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		if _, err := Parse("uuid", "abc"); err == nil {
			t.Error("expected error for unknown data type")
		}
	})
}

func TestFromJSON(t *testing.T) {
	t.Run("WholeFloatAsInt", func(t *testing.T) {
		v, err := FromJSON(domain.TypeInt, float64(720))
		if err != nil {
			t.Fatalf("FromJSON failed: %v", err)
		}
		if v.Int != 720 {
			t.Errorf("expected 720, got %d", v.Int)
		}
	})

	t.Run("FractionalFloatAsIntRejected", func(t *testing.T) {
		if _, err := FromJSON(domain.TypeInt, float64(720.5)); err == nil {
			t.Error("expected error, fractional numbers must not truncate to int")
		}
	})

	t.Run("FloatAsDecimal", func(t *testing.T) {
		v, err := FromJSON(domain.TypeDecimal, float64(2500.5))
		if err != nil {
			t.Fatalf("FromJSON failed: %v", err)
		}
		if v.Dec != 2500.5 {
			t.Errorf("expected 2500.5, got %g", v.Dec)
		}
	})

	t.Run("StringLiteralCoercion", func(t *testing.T) {
		v, err := FromJSON(domain.TypeInt, "650")
		if err != nil {
			t.Fatalf("FromJSON failed: %v", err)
		}
		if v.Int != 650 {
			t.Errorf("expected 650, got %d", v.Int)
		}
	})

	t.Run("BoolMismatch", func(t *testing.T) {
		if _, err := FromJSON(domain.TypeString, true); err == nil {
			t.Error("expected error for boolean into string parameter")
		}
	})

	t.Run("NullRejected", func(t *testing.T) {
		if _, err := FromJSON(domain.TypeString, nil); err == nil {
			t.Error("expected error for null value")
		}
	})
}

func TestBind(t *testing.T) {
	catalog := map[string]domain.Parameter{
		"credit_score": {ID: "credit_score", DataType: domain.TypeInt},
		"income":       {ID: "income", DataType: domain.TypeDecimal},
		"country":      {ID: "country", DataType: domain.TypeString},
	}

	t.Run("BindsDeclaredKeys", func(t *testing.T) {
		values, reasons := Bind(map[string]any{
			"credit_score": float64(720),
			"income":       float64(3200.50),
			"country":      "DE",
		}, catalog)
		if len(reasons) != 0 {
			t.Fatalf("expected no reasons, got %+v", reasons)
		}
		if values["credit_score"].Int != 720 {
			t.Errorf("expected credit_score 720, got %d", values["credit_score"].Int)
		}
		if values["income"].Dec != 3200.50 {
			t.Errorf("expected income 3200.50, got %g", values["income"].Dec)
		}
	})

	t.Run("DropsUnknownKeys", func(t *testing.T) {
		values, reasons := Bind(map[string]any{
			"country":  "DE",
			"shoeSize": float64(44),
		}, catalog)
		if len(reasons) != 0 {
			t.Fatalf("expected no reasons, got %+v", reasons)
		}
		if _, ok := values["shoeSize"]; ok {
			t.Error("undeclared key must not be bound")
		}
		if len(values) != 1 {
			t.Errorf("expected 1 bound value, got %d", len(values))
		}
	})

	t.Run("TypeFailureLeavesUnresolved", func(t *testing.T) {
		values, reasons := Bind(map[string]any{
			"credit_score": "seven hundred",
			"country":      "DE",
		}, catalog)
		if _, ok := values["credit_score"]; ok {
			t.Error("failed binding must leave the parameter unresolved")
		}
		if len(reasons) != 1 {
			t.Fatalf("expected 1 reason, got %d", len(reasons))
		}
		if reasons[0].Code != domain.ReasonTypeMismatch {
			t.Errorf("expected TypeMismatch, got %s", reasons[0].Code)
		}
		if reasons[0].ParameterID != "credit_score" {
			t.Errorf("expected reason attached to credit_score, got %q", reasons[0].ParameterID)
		}
	})
}
