package resolver

import (
	"context"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestBestFit(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	h.saveParameter(t, "credit_score", domain.TypeInt)

	// prod-a and prod-b pass; prod-b carries a tighter cap so prod-a
	// ranks first on eligible amount. prod-fail gates out, prod-bare has
	// no published rule and must surface as errored, and the inactive
	// product is never considered.
	for _, p := range []*domain.Product{
		{ID: "prod-a", Name: "loan a", Active: true},
		{ID: "prod-b", Name: "loan b", Active: true},
		{ID: "prod-fail", Name: "strict loan", Active: true},
		{ID: "prod-bare", Name: "unconfigured", Active: true},
		{ID: "prod-off", Name: "retired", Active: false},
	} {
		if err := h.repo.SaveProduct(ctx, testTenant, p); err != nil {
			t.Fatalf("SaveProduct failed: %v", err)
		}
	}

	h.saveScoreRule(t, domain.TargetProduct, "prod-a", domain.StatusPublished)
	h.saveScoreRule(t, domain.TargetProduct, "prod-b", domain.StatusPublished)
	h.saveScoreRule(t, domain.TargetProduct, "prod-off", domain.StatusPublished)

	strict := &domain.ERule{
		ID:         "rule-strict",
		TenantID:   testTenant,
		Name:       "very high score",
		TargetKind: domain.TargetProduct,
		TargetID:   "prod-fail",
		FactorIDs:  []string{"f1"},
		Factors: []domain.Factor{
			{ID: "f1", Combinator: domain.CombineAnd, ConditionIDs: []string{"c1"}},
		},
		Conditions: []domain.Condition{
			{ID: "c1", ParameterID: "credit_score", Operator: domain.OpGe, Comparand: "800"},
		},
		Status:  domain.StatusPublished,
		Version: 1,
	}
	if err := h.repo.SaveRule(ctx, testTenant, strict); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	if err := h.repo.SaveProductCap(ctx, testTenant, &domain.ProductCap{ProductID: "prod-a", MinAmount: 500, MaxAmount: 10000}); err != nil {
		t.Fatalf("SaveProductCap failed: %v", err)
	}
	if err := h.repo.SaveProductCap(ctx, testTenant, &domain.ProductCap{ProductID: "prod-b", MinAmount: 500, MaxAmount: 4000}); err != nil {
		t.Fatalf("SaveProductCap failed: %v", err)
	}

	keyValues := map[string]any{
		"credit_score":     float64(700),
		RequestedAmountKey: float64(8000),
	}

	res, err := h.resolver.BestFit(ctx, testTenant, keyValues, 4)
	if err != nil {
		t.Fatalf("BestFit failed: %v", err)
	}

	if len(res.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(res.Matches), res.Matches)
	}
	if res.Matches[0].ProductID != "prod-a" || res.Matches[0].EligibleAmount != 8000 {
		t.Errorf("expected prod-a at 8000 first, got %+v", res.Matches[0])
	}
	if res.Matches[1].ProductID != "prod-b" || res.Matches[1].EligibleAmount != 4000 {
		t.Errorf("expected prod-b at 4000 second, got %+v", res.Matches[1])
	}

	if len(res.Errored) != 1 || res.Errored[0].ProductID != "prod-bare" {
		t.Errorf("expected prod-bare errored, got %+v", res.Errored)
	}

	for _, m := range res.Matches {
		if m.ProductID == "prod-off" || m.ProductID == "prod-fail" {
			t.Errorf("product %s must not match", m.ProductID)
		}
	}
}

func TestBestFitTieBreak(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	h.saveParameter(t, "credit_score", domain.TypeInt)

	// Identical rules and no caps: equal amount and score, so ranking
	// falls back to product ID order.
	for _, id := range []string{"prod-z", "prod-m", "prod-a"} {
		if err := h.repo.SaveProduct(ctx, testTenant, &domain.Product{ID: id, Name: id, Active: true}); err != nil {
			t.Fatalf("SaveProduct failed: %v", err)
		}
		h.saveScoreRule(t, domain.TargetProduct, id, domain.StatusPublished)
	}

	res, err := h.resolver.BestFit(ctx, testTenant, map[string]any{
		"credit_score":     float64(700),
		RequestedAmountKey: float64(3000),
	}, 2)
	if err != nil {
		t.Fatalf("BestFit failed: %v", err)
	}

	if len(res.Matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(res.Matches))
	}
	want := []string{"prod-a", "prod-m", "prod-z"}
	for i, m := range res.Matches {
		if m.ProductID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], m.ProductID)
		}
	}
}

func TestBestFitNoActiveProducts(t *testing.T) {
	h := newHarness(t)

	res, err := h.resolver.BestFit(context.Background(), testTenant, map[string]any{}, 4)
	if err != nil {
		t.Fatalf("BestFit failed: %v", err)
	}
	if len(res.Matches) != 0 || len(res.Errored) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}
