package amount

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// FormulaEngine compiles and evaluates PCard amount formulas.
// A formula is a CEL expression over the resolved parameter values,
// exposed as the map variable "p", and must produce a number.
type FormulaEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]compiledFormula
}

type compiledFormula struct {
	source  string
	program cel.Program
}

// NewFormulaEngine creates a formula engine.
func NewFormulaEngine() (*FormulaEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("p", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &FormulaEngine{
		env:      env,
		programs: make(map[string]compiledFormula),
	}, nil
}

// Validate compiles a formula without caching it, for admin-time checks.
func (e *FormulaEngine) Validate(expr string) error {
	_, err := e.compile(expr)
	return err
}

// Eval evaluates a card's formula against the resolved context.
// Compiled programs are cached per card and recompiled when the source
// changes.
func (e *FormulaEngine) Eval(cardID, expr string, values domain.ParamValues) (float64, error) {
	e.mu.RLock()
	cached, ok := e.programs[cardID]
	e.mu.RUnlock()

	if !ok || cached.source != expr {
		program, err := e.compile(expr)
		if err != nil {
			return 0, err
		}
		cached = compiledFormula{source: expr, program: program}
		e.mu.Lock()
		e.programs[cardID] = cached
		e.mu.Unlock()
	}

	activation := make(map[string]any, len(values))
	for k, v := range values {
		activation[k] = v.Native()
	}

	out, _, err := cached.program.Eval(map[string]any{"p": activation})
	if err != nil {
		return 0, fmt.Errorf("formula evaluation failed: %w", err)
	}
	return toNumber(out)
}

func (e *FormulaEngine) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile amount formula: %w", issues.Err())
	}

	if t := ast.OutputType(); t != cel.IntType && t != cel.DoubleType && t != cel.DynType {
		return nil, fmt.Errorf("amount formula must return a number, got %s", t)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create formula program: %w", err)
	}
	return program, nil
}

func toNumber(val ref.Val) (float64, error) {
	switch v := val.(type) {
	case types.Double:
		return float64(v), nil
	case types.Int:
		return float64(v), nil
	case types.Uint:
		return float64(v), nil
	}
	return 0, fmt.Errorf("amount formula produced %T, want a number", val.Value())
}
