// Package amount applies tenant/product caps to a requested amount and
// evaluates PCard amount formulas.
package amount

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrBelowMinimum is returned when the requested amount cannot reach
// the cap floor even after clamping.
var ErrBelowMinimum = errors.New("requested amount is below the product minimum")

// Clamp bounds a requested amount by a product cap: min(requested, max)
// held at or above min. Pure function; reports false when the request
// cannot reach the floor.
func Clamp(requested float64, cap domain.ProductCap) (float64, bool) {
	if requested < cap.MinAmount {
		return 0, false
	}
	if cap.MaxAmount > 0 && requested > cap.MaxAmount {
		return cap.MaxAmount, true
	}
	return requested, true
}

// Calculator resolves the applicable cap and clamps requested amounts.
// It never evaluates rules.
type Calculator struct {
	repo     domain.Repository
	formulas *FormulaEngine
}

// NewCalculator creates an amount calculator.
func NewCalculator(repo domain.Repository, formulas *FormulaEngine) *Calculator {
	return &Calculator{repo: repo, formulas: formulas}
}

// Calculate is the calculateAmount entry point: clamp the requested
// pre-amount by the cap of the card's product. A card without a cap
// passes the request through unchanged.
func (c *Calculator) Calculate(ctx context.Context, tenantID, cardID string, requested float64) (float64, error) {
	card, err := c.repo.GetCard(ctx, tenantID, cardID)
	if err != nil {
		return 0, fmt.Errorf("get card: %w", err)
	}
	return c.clampForProduct(ctx, tenantID, card.ProductID, requested)
}

// CalculateForProduct clamps a requested amount by a product's cap
// directly, for product-level evaluations.
func (c *Calculator) CalculateForProduct(ctx context.Context, tenantID, productID string, requested float64) (float64, error) {
	return c.clampForProduct(ctx, tenantID, productID, requested)
}

// Eligible computes the eligible amount for a passing evaluation run.
// When the caller did not supply a requested amount and the card
// carries an amount formula, the formula produces the pre-amount from
// the resolved context.
func (c *Calculator) Eligible(ctx context.Context, tenantID string, card *domain.Card, requested float64, values domain.ParamValues) (float64, error) {
	if requested <= 0 && card.AmountFormula != "" {
		pre, err := c.formulas.Eval(card.ID, card.AmountFormula, values)
		if err != nil {
			return 0, err
		}
		requested = pre
	}
	return c.clampForProduct(ctx, tenantID, card.ProductID, requested)
}

func (c *Calculator) clampForProduct(ctx context.Context, tenantID, productID string, requested float64) (float64, error) {
	cap, err := c.repo.GetProductCap(ctx, tenantID, productID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return requested, nil
		}
		return 0, fmt.Errorf("get product cap: %w", err)
	}

	amount, ok := Clamp(requested, *cap)
	if !ok {
		return 0, fmt.Errorf("%w: requested %g, minimum %g", ErrBelowMinimum, requested, cap.MinAmount)
	}
	return amount, nil
}
