package params

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const catalogCacheKey = "params:catalog"

// ErrTypeLocked is returned when a parameter's data type would change
// while a published rule still references it.
var ErrTypeLocked = errors.New("parameter type is locked by a published rule")

// Catalog serves per-tenant parameter definitions with cache-aside reads.
type Catalog struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewCatalog creates a parameter catalog.
func NewCatalog(repo domain.Repository, cache domain.Cache) *Catalog {
	return &Catalog{
		repo:  repo,
		cache: cache,
		ttl:   5 * time.Minute,
	}
}

// Get returns the tenant's parameters keyed by ID.
func (c *Catalog) Get(ctx context.Context, tenantID string) (map[string]domain.Parameter, error) {
	if c.cache != nil {
		if data, err := c.cache.Get(ctx, tenantID, catalogCacheKey); err == nil && data != nil {
			var out map[string]domain.Parameter
			if err := json.Unmarshal(data, &out); err == nil {
				return out, nil
			}
		}
	}

	list, err := c.repo.ListParameters(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list parameters: %w", err)
	}

	out := make(map[string]domain.Parameter, len(list))
	for _, p := range list {
		out[p.ID] = *p
	}

	if c.cache != nil {
		if data, err := json.Marshal(out); err == nil {
			if err := c.cache.Set(ctx, tenantID, catalogCacheKey, data, c.ttl); err != nil {
				slog.Warn("failed to cache parameter catalog", "tenant_id", tenantID, "error", err)
			}
		}
	}

	return out, nil
}

// Save creates or updates a parameter. A type change is rejected while
// any published rule references the parameter.
func (c *Catalog) Save(ctx context.Context, tenantID string, p *domain.Parameter) error {
	if !domain.ValidDataType(p.DataType) {
		return fmt.Errorf("invalid data type %q", p.DataType)
	}

	existing, err := c.repo.GetParameter(ctx, tenantID, p.ID)
	switch {
	case err == nil:
		if existing.DataType != p.DataType {
			referenced, rerr := c.referencedByPublished(ctx, tenantID, p.ID)
			if rerr != nil {
				return rerr
			}
			if referenced {
				return fmt.Errorf("parameter %s: %w", p.ID, ErrTypeLocked)
			}
		}
	case errors.Is(err, domain.ErrNotFound):
		// New parameter, nothing to lock against.
	default:
		return fmt.Errorf("get parameter %s: %w", p.ID, err)
	}

	if err := c.repo.SaveParameter(ctx, tenantID, p); err != nil {
		return err
	}
	return c.Invalidate(ctx, tenantID)
}

// Invalidate drops the tenant's cached catalog so the next read observes
// the stored definitions.
func (c *Catalog) Invalidate(ctx context.Context, tenantID string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, tenantID, catalogCacheKey)
}

func (c *Catalog) referencedByPublished(ctx context.Context, tenantID, paramID string) (bool, error) {
	rules, err := c.repo.ListRulesByStatus(ctx, tenantID, domain.StatusPublished)
	if err != nil {
		return false, fmt.Errorf("list published rules: %w", err)
	}
	for _, r := range rules {
		for _, cond := range r.Conditions {
			if cond.ParameterID == paramID {
				return true, nil
			}
		}
	}
	return false, nil
}
