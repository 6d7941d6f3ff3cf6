package domain

import "time"

// CardKind distinguishes gating-only cards from amount-bearing ones.
type CardKind string

const (
	// KindECard gates eligibility only.
	KindECard CardKind = "ECard"

	// KindPCard additionally participates in amount calculation.
	KindPCard CardKind = "PCard"
)

// Card is the unit the resolver evaluates. A PCard may carry an
// AmountFormula (a CEL expression over the resolved parameters) that
// produces the requested pre-amount when the caller does not supply one.
type Card struct {
	ID            string   `json:"id"`
	TenantID      string   `json:"tenantId"`
	Name          string   `json:"name"`
	ProductID     string   `json:"productId"`
	Kind          CardKind `json:"kind"`
	AmountFormula string   `json:"amountFormula,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Product is a financial product candidates are ranked over.
type Product struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
}

// ProductCap bounds the eligible amount for a product.
// Consumed only by the amount calculator.
type ProductCap struct {
	ProductID string  `json:"productId"`
	TenantID  string  `json:"tenantId"`
	MinAmount float64 `json:"minAmount"`
	MaxAmount float64 `json:"maxAmount"`
}
