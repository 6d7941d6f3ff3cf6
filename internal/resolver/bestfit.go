package resolver

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/semaphore"
)

// BestFit runs the resolver over every active product for the tenant,
// bounded by a worker limit so a single query cannot overwhelm external
// nodes shared across products. Cancelling ctx cancels in-flight
// per-product evaluations. Products whose run errored are reported
// separately from products that merely failed gating.
func (r *Resolver) BestFit(ctx context.Context, tenantID string, keyValues map[string]any, workers int) (*domain.BestFitResult, error) {
	if workers <= 0 {
		workers = 8
	}

	products, err := r.repo.ListActiveProducts(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(int64(workers))
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		matches []domain.RankedProduct
		errored []domain.ProductError
	)

	for _, p := range products {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; stop launching and wait for in-flight runs.
			break
		}
		wg.Add(1)
		go func(product *domain.Product) {
			defer wg.Done()
			defer sem.Release(1)

			outcome, err := r.EvaluateProduct(ctx, tenantID, product.ID, keyValues)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errored = append(errored, domain.ProductError{
					ProductID: product.ID,
					Error:     err.Error(),
				})
				return
			}
			if !outcome.Passed {
				return
			}
			match := domain.RankedProduct{ProductID: product.ID, Score: outcome.Score}
			if outcome.EligibleAmount != nil {
				match.EligibleAmount = *outcome.EligibleAmount
			}
			matches = append(matches, match)
		}(p)
	}

	wg.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Rank by eligible amount, then weighted score, then stable by
	// product ID so equally-scored products order deterministically.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].EligibleAmount != matches[j].EligibleAmount {
			return matches[i].EligibleAmount > matches[j].EligibleAmount
		}
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ProductID < matches[j].ProductID
	})

	slog.Debug("best-fit completed",
		"tenant_id", tenantID,
		"candidates", len(products),
		"matches", len(matches),
		"errored", len(errored),
	)

	return &domain.BestFitResult{Matches: matches, Errored: errored}, nil
}
