package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/amount"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/governance"
	"github.com/opensource-finance/kestrel/internal/mapping"
	"github.com/opensource-finance/kestrel/internal/params"
	"github.com/opensource-finance/kestrel/internal/resolver"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo           domain.Repository
	cache          domain.Cache
	catalog        *params.Catalog
	resolver       *resolver.Resolver
	calc           *amount.Calculator
	formulas       *amount.FormulaEngine
	gov            *governance.Service
	version        string
	bestFitWorkers int
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, catalog *params.Catalog, res *resolver.Resolver, calc *amount.Calculator, formulas *amount.FormulaEngine, gov *governance.Service, version string, bestFitWorkers int) *Handler {
	return &Handler{
		repo:           repo,
		cache:          cache,
		catalog:        catalog,
		resolver:       res,
		calc:           calc,
		formulas:       formulas,
		gov:            gov,
		version:        version,
		bestFitWorkers: bestFitWorkers,
	}
}

// EvaluateRequest is the request body for evaluation endpoints.
// Inputs carries the caller's key values by parameter name.
type EvaluateRequest struct {
	Inputs map[string]any `json:"inputs"`
}

// EvaluateResponse is the response for evaluation endpoints.
type EvaluateResponse struct {
	Passed         bool            `json:"passed"`
	Score          float64         `json:"score"`
	EligibleAmount *float64        `json:"eligibleAmount,omitempty"`
	RuleID         string          `json:"ruleId"`
	RuleVersion    int             `json:"ruleVersion"`
	Reasons        []domain.Reason `json:"reasons,omitempty"`
	Metadata       struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// EvaluateCard handles POST /evaluate/cards/{id}.
func (h *Handler) EvaluateCard(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, domain.TargetCard)
}

// EvaluateProduct handles POST /evaluate/products/{id}.
func (h *Handler) EvaluateProduct(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, domain.TargetProduct)
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request, kind domain.TargetKind) {
	start := time.Now()
	ctx := r.Context()
	identity := GetIdentity(ctx)
	targetID := chi.URLParam(r, "id")

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	var outcome *domain.Outcome
	var err error
	if kind == domain.TargetCard {
		outcome, err = h.resolver.EvaluateCard(ctx, identity.TenantID, targetID, req.Inputs)
	} else {
		outcome, err = h.resolver.EvaluateProduct(ctx, identity.TenantID, targetID, req.Inputs)
	}
	if err != nil {
		if errors.Is(err, resolver.ErrNoActiveRule) || errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("evaluation failed", "target_id", targetID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	resp := EvaluateResponse{
		Passed:         outcome.Passed,
		Score:          outcome.Score,
		EligibleAmount: outcome.EligibleAmount,
		RuleID:         outcome.RuleID,
		RuleVersion:    outcome.RuleVersion,
		Reasons:        outcome.Reasons,
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// BestFit handles POST /bestfit: evaluates every active product and
// ranks the passing ones.
func (h *Handler) BestFit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	result, err := h.resolver.BestFit(ctx, identity.TenantID, req.Inputs, h.bestFitWorkers)
	if err != nil {
		slog.Error("best-fit evaluation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "best-fit evaluation failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// AmountRequest is the request body for POST /amount/cards/{id}.
type AmountRequest struct {
	RequestedAmount float64 `json:"requestedAmount"`
}

// CalculateAmount handles POST /amount/cards/{id}: clamps a requested
// amount against the card's product cap without running the gate.
func (h *Handler) CalculateAmount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)
	cardID := chi.URLParam(r, "id")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.RequestedAmount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "requestedAmount must be positive",
		})
		return
	}

	eligible, err := h.calc.Calculate(ctx, identity.TenantID, cardID, req.RequestedAmount)
	if err != nil {
		if errors.Is(err, amount.ErrBelowMinimum) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(),
			})
			return
		}
		h.writeError(w, err, "failed to calculate amount")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requestedAmount": req.RequestedAmount,
		"eligibleAmount":  eligible,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// SaveParameter handles POST /parameters. Data type changes are
// rejected while the parameter is referenced by a published rule.
func (h *Handler) SaveParameter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)

	var p domain.Parameter
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if p.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}
	if !domain.ValidDataType(p.DataType) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown data type %q", p.DataType),
		})
		return
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	if err := h.catalog.Save(ctx, identity.TenantID, &p); err != nil {
		if errors.Is(err, params.ErrTypeLocked) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
			return
		}
		h.writeError(w, err, "failed to save parameter")
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// ListParameters handles GET /parameters.
func (h *Handler) ListParameters(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())

	list, err := h.repo.ListParameters(r.Context(), identity.TenantID)
	if err != nil {
		h.writeError(w, err, "failed to list parameters")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"parameters": list,
		"count":      len(list),
	})
}

// GetParameter handles GET /parameters/{id}.
func (h *Handler) GetParameter(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	paramID := chi.URLParam(r, "id")

	p, err := h.repo.GetParameter(r.Context(), identity.TenantID, paramID)
	if err != nil {
		h.writeError(w, err, "failed to get parameter")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// DeleteParameter handles DELETE /parameters/{id}.
func (h *Handler) DeleteParameter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)
	paramID := chi.URLParam(r, "id")

	if err := h.repo.DeleteParameter(ctx, identity.TenantID, paramID); err != nil {
		h.writeError(w, err, "failed to delete parameter")
		return
	}
	_ = h.catalog.Invalidate(ctx, identity.TenantID)

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "parameter deleted",
	})
}

// SaveCard handles POST /cards. A PCard amount formula is compiled up
// front so a broken expression never reaches evaluation. The change is
// staged behind a maker-checker record and only lands in the catalog
// once a different principal approves it.
func (h *Handler) SaveCard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)

	var card domain.Card
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if card.Name == "" || card.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and productId are required",
		})
		return
	}
	if card.Kind != domain.KindECard && card.Kind != domain.KindPCard {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown card kind %q", card.Kind),
		})
		return
	}
	if card.AmountFormula != "" {
		if card.Kind != domain.KindPCard {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "amountFormula is only valid on PCard",
			})
			return
		}
		if err := h.formulas.Validate(card.AmountFormula); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid amount formula: " + err.Error(),
			})
			return
		}
	}
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if identity.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "X-User-ID header is required",
		})
		return
	}
	card.TenantID = identity.TenantID

	rec, err := h.gov.SubmitCardChange(ctx, identity.TenantID, &card, identity.UserID, identity.RoleRank)
	if err != nil {
		h.writeGovernanceError(w, err, "failed to submit card change")
		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

// DeleteCard handles DELETE /cards/{id}. Removal is staged behind a
// maker-checker record like any other card mutation.
func (h *Handler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)
	cardID := chi.URLParam(r, "id")

	if identity.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "X-User-ID header is required",
		})
		return
	}

	rec, err := h.gov.SubmitCardDelete(ctx, identity.TenantID, cardID, identity.UserID, identity.RoleRank)
	if err != nil {
		h.writeGovernanceError(w, err, "failed to submit card removal")
		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

// ListCards handles GET /cards.
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())

	cards, err := h.repo.ListCards(r.Context(), identity.TenantID)
	if err != nil {
		h.writeError(w, err, "failed to list cards")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cards": cards,
		"count": len(cards),
	})
}

// GetCard handles GET /cards/{id}.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	cardID := chi.URLParam(r, "id")

	card, err := h.repo.GetCard(r.Context(), identity.TenantID, cardID)
	if err != nil {
		h.writeError(w, err, "failed to get card")
		return
	}

	writeJSON(w, http.StatusOK, card)
}

// SaveProduct handles POST /products.
func (h *Handler) SaveProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)

	var p domain.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if p.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	if err := h.repo.SaveProduct(ctx, identity.TenantID, &p); err != nil {
		h.writeError(w, err, "failed to save product")
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// ListProducts handles GET /products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())

	products, err := h.repo.ListActiveProducts(r.Context(), identity.TenantID)
	if err != nil {
		h.writeError(w, err, "failed to list products")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"products": products,
		"count":    len(products),
	})
}

// GetProduct handles GET /products/{id}.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	productID := chi.URLParam(r, "id")

	p, err := h.repo.GetProduct(r.Context(), identity.TenantID, productID)
	if err != nil {
		h.writeError(w, err, "failed to get product")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// SaveProductCap handles PUT /products/{id}/cap.
func (h *Handler) SaveProductCap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)
	productID := chi.URLParam(r, "id")

	var cap domain.ProductCap
	if err := json.NewDecoder(r.Body).Decode(&cap); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if cap.MinAmount < 0 || cap.MaxAmount < cap.MinAmount {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "cap requires 0 <= minAmount <= maxAmount",
		})
		return
	}
	cap.ProductID = productID

	if err := h.repo.SaveProductCap(ctx, identity.TenantID, &cap); err != nil {
		h.writeError(w, err, "failed to save product cap")
		return
	}

	writeJSON(w, http.StatusOK, cap)
}

// GetProductCap handles GET /products/{id}/cap.
func (h *Handler) GetProductCap(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	productID := chi.URLParam(r, "id")

	cap, err := h.repo.GetProductCap(r.Context(), identity.TenantID, productID)
	if err != nil {
		h.writeError(w, err, "failed to get product cap")
		return
	}

	writeJSON(w, http.StatusOK, cap)
}

// SaveNode handles POST /nodes.
func (h *Handler) SaveNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)

	var n domain.Node
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if n.Name == "" || n.URLTemplate == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and urlTemplate are required",
		})
		return
	}
	if n.Method == "" {
		n.Method = http.MethodGet
	}
	if n.AuthMode == "" {
		n.AuthMode = domain.AuthNone
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	if err := h.repo.SaveNode(ctx, identity.TenantID, &n); err != nil {
		h.writeError(w, err, "failed to save node")
		return
	}

	writeJSON(w, http.StatusCreated, n)
}

// ListNodes handles GET /nodes.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())

	nodes, err := h.repo.ListNodes(r.Context(), identity.TenantID)
	if err != nil {
		h.writeError(w, err, "failed to list nodes")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// GetNode handles GET /nodes/{id}.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	nodeID := chi.URLParam(r, "id")

	n, err := h.repo.GetNode(r.Context(), identity.TenantID, nodeID)
	if err != nil {
		h.writeError(w, err, "failed to get node")
		return
	}

	writeJSON(w, http.StatusOK, n)
}

// SaveNodeAPI handles POST /node-apis: binds a node to a card or
// product so the orchestrator may call it for that target.
func (h *Handler) SaveNodeAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)

	var api domain.NodeAPI
	if err := json.NewDecoder(r.Body).Decode(&api); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if api.NodeID == "" || api.TargetID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "nodeId and targetId are required",
		})
		return
	}
	if _, err := h.repo.GetNode(ctx, identity.TenantID, api.NodeID); err != nil {
		h.writeError(w, err, "failed to resolve node")
		return
	}
	if api.ID == "" {
		api.ID = uuid.New().String()
	}

	if err := h.repo.SaveNodeAPI(ctx, identity.TenantID, &api); err != nil {
		h.writeError(w, err, "failed to save node binding")
		return
	}

	writeJSON(w, http.StatusCreated, api)
}

// ListNodeAPIs handles GET /node-apis?targetId=.
func (h *Handler) ListNodeAPIs(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	targetID := r.URL.Query().Get("targetId")
	if targetID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "targetId query parameter is required",
		})
		return
	}

	apis, err := h.repo.ListNodeAPIsForTarget(r.Context(), identity.TenantID, targetID)
	if err != nil {
		h.writeError(w, err, "failed to list node bindings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodeApis": apis,
		"count":    len(apis),
	})
}

// InferFields handles POST /mappings/infer: walks a sample response
// document and proposes field paths with inferred types.
func (h *Handler) InferFields(w http.ResponseWriter, r *http.Request) {
	var sample json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	fields, err := mapping.Infer(sample)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to infer fields: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fields": fields,
		"count":  len(fields),
	})
}

// SaveParameterMap handles POST /mappings: binds a response field path
// to a catalog parameter.
func (h *Handler) SaveParameterMap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)

	var m domain.APIParameterMap
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if m.APIID == "" || m.SourcePath == "" || m.TargetParameterID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "apiId, sourcePath and targetParameterId are required",
		})
		return
	}

	// The mapping must agree with the catalog parameter's declared type.
	param, err := h.repo.GetParameter(ctx, identity.TenantID, m.TargetParameterID)
	if err != nil {
		h.writeError(w, err, "failed to resolve target parameter")
		return
	}
	if m.DataType == "" {
		m.DataType = param.DataType
	}
	if m.DataType != param.DataType {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("mapping type %s does not match parameter type %s", m.DataType, param.DataType),
		})
		return
	}

	if err := h.repo.SaveParameterMap(ctx, identity.TenantID, &m); err != nil {
		h.writeError(w, err, "failed to save parameter map")
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

// ListParameterMaps handles GET /mappings?apiId=.
func (h *Handler) ListParameterMaps(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	apiID := r.URL.Query().Get("apiId")
	if apiID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "apiId query parameter is required",
		})
		return
	}

	maps, err := h.repo.ListParameterMaps(r.Context(), identity.TenantID, apiID)
	if err != nil {
		h.writeError(w, err, "failed to list parameter maps")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mappings": maps,
		"count":    len(maps),
	})
}

// CreateRule handles POST /rules: stores a new Draft version.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)

	var rule domain.ERule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := h.validateRule(ctx, identity.TenantID, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	created, err := h.gov.CreateDraft(ctx, identity.TenantID, &rule)
	if err != nil {
		h.writeError(w, err, "failed to create rule draft")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) validateRule(ctx context.Context, tenantID string, rule *domain.ERule) error {
	if rule.Name == "" {
		return fmt.Errorf("name is required")
	}
	if rule.TargetKind != domain.TargetCard && rule.TargetKind != domain.TargetProduct {
		return fmt.Errorf("unknown target kind %q", rule.TargetKind)
	}
	if rule.TargetID == "" {
		return fmt.Errorf("targetId is required")
	}
	if len(rule.FactorIDs) == 0 {
		return fmt.Errorf("at least one factor is required")
	}

	factors := make(map[string]domain.Factor, len(rule.Factors))
	for _, f := range rule.Factors {
		factors[f.ID] = f
	}
	conditions := make(map[string]bool, len(rule.Conditions))
	for _, c := range rule.Conditions {
		conditions[c.ID] = true
	}

	for _, fid := range rule.FactorIDs {
		f, ok := factors[fid]
		if !ok {
			return fmt.Errorf("factor %q is referenced but not defined", fid)
		}
		if len(f.ConditionIDs) == 0 {
			return fmt.Errorf("factor %q has no conditions", fid)
		}
		for _, cid := range f.ConditionIDs {
			if !conditions[cid] {
				return fmt.Errorf("condition %q is referenced by factor %q but not defined", cid, fid)
			}
		}
		if f.Combinator == domain.CombineWeighted {
			for _, cid := range f.ConditionIDs {
				if _, ok := f.Weights[cid]; !ok {
					return fmt.Errorf("weighted factor %q is missing a weight for condition %q", fid, cid)
				}
			}
		}
	}

	// Every condition must reference a declared catalog parameter.
	catalog, err := h.catalog.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load parameter catalog: %v", err)
	}
	for _, c := range rule.Conditions {
		if _, ok := catalog[c.ParameterID]; !ok {
			return fmt.Errorf("condition %q references unknown parameter %q", c.ID, c.ParameterID)
		}
	}

	return nil
}

// GetRuleVersion handles GET /rules/{id}/versions/{version}.
func (h *Handler) GetRuleVersion(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	ruleID := chi.URLParam(r, "id")

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version must be an integer",
		})
		return
	}

	rule, err := h.repo.GetRule(r.Context(), identity.TenantID, ruleID, version)
	if err != nil {
		h.writeError(w, err, "failed to get rule version")
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// GetLatestRule handles GET /rules/{id}.
func (h *Handler) GetLatestRule(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetLatestRule(r.Context(), identity.TenantID, ruleID)
	if err != nil {
		h.writeError(w, err, "failed to get rule")
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// ListRuleVersions handles GET /rules/{id}/versions.
func (h *Handler) ListRuleVersions(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	ruleID := chi.URLParam(r, "id")

	versions, err := h.repo.ListRuleVersions(r.Context(), identity.TenantID, ruleID)
	if err != nil {
		h.writeError(w, err, "failed to list rule versions")
		return
	}
	if len(versions) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"count":    len(versions),
	})
}

// ListRules handles GET /rules?status=.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())

	status := domain.RuleStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusPublished
	}

	rules, err := h.repo.ListRulesByStatus(r.Context(), identity.TenantID, status)
	if err != nil {
		h.writeError(w, err, "failed to list rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// SubmitRule handles POST /rules/{id}/versions/{version}/submit: moves
// a Draft to PendingCheck and opens a maker-checker ticket.
func (h *Handler) SubmitRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)
	ruleID := chi.URLParam(r, "id")

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version must be an integer",
		})
		return
	}
	if identity.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "X-User-ID header is required",
		})
		return
	}

	rec, err := h.gov.SubmitForPublish(ctx, identity.TenantID, ruleID, version, identity.UserID, identity.RoleRank)
	if err != nil {
		h.writeGovernanceError(w, err, "failed to submit rule")
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// DeactivateRule handles POST /rules/{id}/versions/{version}/deactivate.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)
	ruleID := chi.URLParam(r, "id")

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version must be an integer",
		})
		return
	}
	if identity.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "X-User-ID header is required",
		})
		return
	}

	rec, err := h.gov.Deactivate(ctx, identity.TenantID, ruleID, version, identity.UserID, identity.RoleRank)
	if err != nil {
		h.writeGovernanceError(w, err, "failed to deactivate rule")
		return
	}

	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "rule deactivated",
		})
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ExportRules handles GET /rules/export?ids=a,b,c.
func (h *Handler) ExportRules(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())

	var ruleIDs []string
	if ids := r.URL.Query().Get("ids"); ids != "" {
		ruleIDs = strings.Split(ids, ",")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="kestrel-rules.json"`)
	if err := h.repo.ExportRules(r.Context(), identity.TenantID, ruleIDs, w); err != nil {
		slog.Error("failed to export rules", "error", err)
	}
}

// ImportRules handles POST /rules/import. Imported versions land as
// Draft and go through governance before any of them is published.
func (h *Handler) ImportRules(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())

	count, err := h.repo.ImportRules(r.Context(), identity.TenantID, r.Body)
	if err != nil {
		h.writeError(w, err, "failed to import rules")
		return
	}

	slog.Info("rules imported", "tenant_id", identity.TenantID, "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": count,
	})
}

// ListPendingApprovals handles GET /governance/pending.
func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())

	records, err := h.gov.ListPending(r.Context(), identity.TenantID, identity.RoleRank)
	if err != nil {
		h.writeError(w, err, "failed to list pending approvals")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// DecideRequest is the request body for POST /governance/{id}/decide.
type DecideRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

// DecideApproval handles POST /governance/{id}/decide.
func (h *Handler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := GetIdentity(ctx)
	recordID := chi.URLParam(r, "id")

	if identity.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "X-User-ID header is required",
		})
		return
	}

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rec, err := h.gov.Decide(ctx, identity.TenantID, recordID, identity.UserID, identity.RoleRank, req.Approve, req.Comment)
	if err != nil {
		h.writeGovernanceError(w, err, "failed to decide approval")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GetHistory handles GET /history/{id}.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	historyID := chi.URLParam(r, "id")

	record, err := h.repo.GetEvaluationHistory(r.Context(), identity.TenantID, historyID)
	if err != nil {
		h.writeError(w, err, "failed to get evaluation history")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// ListHistory handles GET /history?targetId=&limit=.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	identity := GetIdentity(r.Context())
	targetID := r.URL.Query().Get("targetId")
	if targetID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "targetId query parameter is required",
		})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	records, err := h.repo.ListEvaluationHistory(r.Context(), identity.TenantID, targetID, limit)
	if err != nil {
		h.writeError(w, err, "failed to list evaluation history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"history": records,
		"count":   len(records),
	})
}

// writeError maps repository errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "not found",
		})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
	default:
		slog.Error(msg, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": msg,
		})
	}
}

// writeGovernanceError additionally maps maker-checker violations.
func (h *Handler) writeGovernanceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, governance.ErrSelfApproval), errors.Is(err, governance.ErrOutOfRank):
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, governance.ErrNotPending):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
	default:
		h.writeError(w, err, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
