package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opensource-finance/kestrel/internal/amount"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/governance"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/integration"
	"github.com/opensource-finance/kestrel/internal/params"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/resolver"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const testTenant = "tenant-001"

// createTestServer wires a server over a temp sqlite repository.
func createTestServer(t *testing.T) (*Server, domain.Repository) {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(100)
	catalog := params.NewCatalog(repo, c)
	engine := rules.NewEngine(repo, c, catalog)
	orch := integration.NewOrchestrator(repo, integration.NewClient(1000))
	formulas, err := amount.NewFormulaEngine()
	if err != nil {
		t.Fatalf("failed to create formula engine: %v", err)
	}
	calc := amount.NewCalculator(repo, formulas)
	recorder := history.NewRecorder(repo, nil, 64)
	recorder.Start()
	t.Cleanup(recorder.Stop)
	res := resolver.New(repo, engine, catalog, orch, calc, recorder)
	gov := governance.NewService(repo, engine, nil, true)

	return NewServer(cfg, repo, c, catalog, res, calc, formulas, gov, "test-v1", 4), repo
}

// do issues a JSON request with the test tenant identity attached.
func do(t *testing.T, server *Server, method, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Buffer
	if raw, ok := payload.(string); ok {
		body = bytes.NewBufferString(raw)
	} else if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		body = bytes.NewBuffer(b)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, testTenant)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func seedCardStack(t *testing.T, repo domain.Repository, kind domain.CardKind) {
	t.Helper()
	ctx := context.Background()

	p := &domain.Parameter{ID: "credit_score", Name: "credit_score", DataType: domain.TypeInt, Required: true}
	if err := repo.SaveParameter(ctx, testTenant, p); err != nil {
		t.Fatalf("SaveParameter failed: %v", err)
	}
	product := &domain.Product{ID: "prod-1", Name: "Standard", Active: true}
	if err := repo.SaveProduct(ctx, testTenant, product); err != nil {
		t.Fatalf("SaveProduct failed: %v", err)
	}
	card := &domain.Card{ID: "card-1", Name: "Classic", ProductID: "prod-1", Kind: kind}
	if err := repo.SaveCard(ctx, testTenant, card); err != nil {
		t.Fatalf("SaveCard failed: %v", err)
	}
}

func seedPublishedRule(t *testing.T, repo domain.Repository, targetID string) {
	t.Helper()
	rule := &domain.ERule{
		ID:         "rule-" + targetID,
		TenantID:   testTenant,
		Name:       "minimum score",
		TargetKind: domain.TargetCard,
		TargetID:   targetID,
		FactorIDs:  []string{"f1"},
		Factors: []domain.Factor{
			{ID: "f1", Combinator: domain.CombineAnd, ConditionIDs: []string{"c1"}},
		},
		Conditions: []domain.Condition{
			{ID: "c1", ParameterID: "credit_score", Operator: domain.OpGe, Comparand: "650"},
		},
		Status:  domain.StatusPublished,
		Version: 1,
	}
	if err := repo.SaveRule(context.Background(), testTenant, rule); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	server, repo := createTestServer(t)
	seedCardStack(t, repo, domain.KindECard)
	seedPublishedRule(t, repo, "card-1")

	t.Run("SuccessfulEvaluation", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/evaluate/cards/card-1", EvaluateRequest{
			Inputs: map[string]any{"credit_score": 720},
		}, nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp EvaluateResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if !resp.Passed {
			t.Errorf("expected gate to pass: %+v", resp)
		}
		if resp.RuleID != "rule-card-1" || resp.RuleVersion != 1 {
			t.Errorf("unexpected rule identity %s v%d", resp.RuleID, resp.RuleVersion)
		}
		if resp.EligibleAmount != nil {
			t.Error("ECard evaluation must not produce an amount")
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
	})

	t.Run("GateFailureStillReturns200", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/evaluate/cards/card-1", EvaluateRequest{
			Inputs: map[string]any{"credit_score": 600},
		}, nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp EvaluateResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Passed {
			t.Error("expected gate failure")
		}
		if len(resp.Reasons) == 0 {
			t.Error("expected reasons on gate failure")
		}
	})

	t.Run("NoActiveRule", func(t *testing.T) {
		card := &domain.Card{ID: "card-bare", Name: "Bare", ProductID: "prod-1", Kind: domain.KindECard}
		if err := repo.SaveCard(context.Background(), testTenant, card); err != nil {
			t.Fatalf("SaveCard failed: %v", err)
		}

		rr := do(t, server, http.MethodPost, "/evaluate/cards/card-bare", EvaluateRequest{
			Inputs: map[string]any{"credit_score": 720},
		}, nil)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("UnknownCard", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/evaluate/cards/no-such-card", EvaluateRequest{
			Inputs: map[string]any{"credit_score": 720},
		}, nil)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/evaluate/cards/card-1", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		// No X-Tenant-ID header

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/evaluate/cards/card-1", "not-json", nil)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/evaluate/cards/card-1", EvaluateRequest{
			Inputs: map[string]any{"credit_score": 720},
		}, nil)

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestParameterEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("SaveGeneratesID", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/parameters", domain.Parameter{
			Name:     "annual_income",
			DataType: domain.TypeDecimal,
		}, nil)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var saved domain.Parameter
		json.Unmarshal(rr.Body.Bytes(), &saved)
		if saved.ID == "" {
			t.Error("expected generated parameter ID")
		}
	})

	t.Run("RejectsUnknownDataType", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/parameters", domain.Parameter{
			Name:     "weird",
			DataType: domain.DataType("uuid"),
		}, nil)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetAndList", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/parameters", domain.Parameter{
			ID:       "credit_score",
			Name:     "credit_score",
			DataType: domain.TypeInt,
		}, nil)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/parameters/credit_score", nil, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/parameters", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var listResp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &listResp)
		if listResp.Count != 2 {
			t.Errorf("expected 2 parameters, got %d", listResp.Count)
		}
	})

	t.Run("DeleteThenGet404", func(t *testing.T) {
		rr := do(t, server, http.MethodDelete, "/parameters/credit_score", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/parameters/credit_score", nil, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestCardEndpoints(t *testing.T) {
	server, _ := createTestServer(t)
	maker := map[string]string{UserIDHeader: "maker-1", RoleRankHeader: "3"}
	checker := map[string]string{UserIDHeader: "checker-1", RoleRankHeader: "5"}

	t.Run("RequiresProductID", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/cards", domain.Card{
			Name: "Orphan",
			Kind: domain.KindECard,
		}, nil)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RejectsUnknownKind", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/cards", domain.Card{
			Name:      "Classic",
			ProductID: "prod-1",
			Kind:      domain.CardKind("q_card"),
		}, nil)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("FormulaOnlyOnPCard", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/cards", domain.Card{
			Name:          "Classic",
			ProductID:     "prod-1",
			Kind:          domain.KindECard,
			AmountFormula: "p.income * 3.0",
		}, nil)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RejectsBrokenFormula", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/cards", domain.Card{
			Name:          "Platinum",
			ProductID:     "prod-1",
			Kind:          domain.KindPCard,
			AmountFormula: "p.income *",
		}, nil)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("SaveRequiresUserID", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/cards", domain.Card{
			Name:      "Classic",
			ProductID: "prod-1",
			Kind:      domain.KindECard,
		}, nil)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("SaveStagedBehindApproval", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/cards", domain.Card{
			ID:            "card-platinum",
			Name:          "Platinum",
			ProductID:     "prod-1",
			Kind:          domain.KindPCard,
			AmountFormula: "p.income * 3.0",
		}, maker)

		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var rec domain.MakerCheckerRecord
		if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
			t.Fatalf("failed to decode record: %v", err)
		}
		if rec.Status != domain.CheckPending {
			t.Fatalf("expected a pending record, got %+v", rec)
		}

		// Not visible until a checker approves.
		if rr := do(t, server, http.MethodGet, "/cards/card-platinum", nil, nil); rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404 before approval, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodPost, "/governance/"+rec.ID+"/decide",
			DecideRequest{Approve: true}, checker)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		if rr := do(t, server, http.MethodGet, "/cards/card-platinum", nil, nil); rr.Code != http.StatusOK {
			t.Errorf("expected status 200 after approval, got %d", rr.Code)
		}
	})

	t.Run("DeleteStagedBehindApproval", func(t *testing.T) {
		rr := do(t, server, http.MethodDelete, "/cards/card-platinum", nil, maker)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var rec domain.MakerCheckerRecord
		if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
			t.Fatalf("failed to decode record: %v", err)
		}

		rr = do(t, server, http.MethodPost, "/governance/"+rec.ID+"/decide",
			DecideRequest{Approve: true}, checker)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		if rr := do(t, server, http.MethodGet, "/cards/card-platinum", nil, nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after approved delete, got %d", rr.Code)
		}
	})
}

func TestAmountEndpoint(t *testing.T) {
	server, repo := createTestServer(t)
	seedCardStack(t, repo, domain.KindPCard)

	cap := &domain.ProductCap{ProductID: "prod-1", MinAmount: 1000, MaxAmount: 5000}
	if err := repo.SaveProductCap(context.Background(), testTenant, cap); err != nil {
		t.Fatalf("SaveProductCap failed: %v", err)
	}

	t.Run("ClampsToCap", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/amount/cards/card-1", AmountRequest{RequestedAmount: 7000}, nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			EligibleAmount float64 `json:"eligibleAmount"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.EligibleAmount != 5000 {
			t.Errorf("expected eligible amount 5000, got %v", resp.EligibleAmount)
		}
	})

	t.Run("BelowMinimum", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/amount/cards/card-1", AmountRequest{RequestedAmount: 500}, nil)

		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RejectsNonPositiveAmount", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/amount/cards/card-1", AmountRequest{RequestedAmount: -100}, nil)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownCard", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/amount/cards/no-such-card", AmountRequest{RequestedAmount: 2000}, nil)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRuleGovernanceEndpoints(t *testing.T) {
	server, repo := createTestServer(t)
	seedCardStack(t, repo, domain.KindECard)

	maker := map[string]string{UserIDHeader: "maker-1", RoleRankHeader: "3"}
	checker := map[string]string{UserIDHeader: "checker-1", RoleRankHeader: "5"}

	newRule := func() domain.ERule {
		return domain.ERule{
			Name:       "minimum score",
			TargetKind: domain.TargetCard,
			TargetID:   "card-1",
			FactorIDs:  []string{"f1"},
			Factors: []domain.Factor{
				{ID: "f1", Combinator: domain.CombineAnd, ConditionIDs: []string{"c1"}},
			},
			Conditions: []domain.Condition{
				{ID: "c1", ParameterID: "credit_score", Operator: domain.OpGe, Comparand: "650"},
			},
		}
	}

	t.Run("RejectsDanglingConditionReference", func(t *testing.T) {
		rule := newRule()
		rule.Factors[0].ConditionIDs = []string{"c-missing"}

		rr := do(t, server, http.MethodPost, "/rules", rule, maker)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RejectsUnknownParameter", func(t *testing.T) {
		rule := newRule()
		rule.Conditions[0].ParameterID = "shoe_size"

		rr := do(t, server, http.MethodPost, "/rules", rule, maker)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	var ruleID string
	var recordID string

	t.Run("CreateDraft", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", newRule(), maker)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var created domain.ERule
		json.Unmarshal(rr.Body.Bytes(), &created)
		if created.ID == "" || created.Version != 1 || created.Status != domain.StatusDraft {
			t.Fatalf("unexpected draft %s v%d status %s", created.ID, created.Version, created.Status)
		}
		ruleID = created.ID
	})

	t.Run("SubmitRequiresUserID", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules/"+ruleID+"/versions/1/submit", nil, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Submit", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules/"+ruleID+"/versions/1/submit", nil, maker)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var rec domain.MakerCheckerRecord
		json.Unmarshal(rr.Body.Bytes(), &rec)
		if rec.ID == "" {
			t.Fatal("expected pending record ID")
		}
		recordID = rec.ID
	})

	t.Run("PendingVisibleToChecker", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/governance/pending", nil, checker)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 pending record, got %d", resp.Count)
		}
	})

	t.Run("SelfApprovalForbidden", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/governance/"+recordID+"/decide", DecideRequest{Approve: true}, maker)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("OutOfRankForbidden", func(t *testing.T) {
		junior := map[string]string{UserIDHeader: "junior-1", RoleRankHeader: "1"}
		rr := do(t, server, http.MethodPost, "/governance/"+recordID+"/decide", DecideRequest{Approve: true}, junior)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ApprovePublishes", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/governance/"+recordID+"/decide", DecideRequest{Approve: true, Comment: "ok"}, checker)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/rules/"+ruleID, nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var rule domain.ERule
		json.Unmarshal(rr.Body.Bytes(), &rule)
		if rule.Status != domain.StatusPublished {
			t.Errorf("expected published rule, got %s", rule.Status)
		}
	})

	t.Run("DoubleDecideConflict", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/governance/"+recordID+"/decide", DecideRequest{Approve: false}, checker)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ListVersions", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/rules/"+ruleID+"/versions", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/rules/no-such-rule/versions", nil, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for unknown rule, got %d", rr.Code)
		}
	})

	t.Run("DeactivateDirect", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules/"+ruleID+"/versions/1/deactivate", nil, checker)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/rules/"+ruleID, nil, nil)
		var rule domain.ERule
		json.Unmarshal(rr.Body.Bytes(), &rule)
		if rule.Status != domain.StatusInactive {
			t.Errorf("expected inactive rule, got %s", rule.Status)
		}
	})
}

func TestMappingEndpoints(t *testing.T) {
	server, repo := createTestServer(t)
	seedCardStack(t, repo, domain.KindECard)

	t.Run("InferFields", func(t *testing.T) {
		sample := `{"score": 720, "report": {"ratio": 0.35}}`
		rr := do(t, server, http.MethodPost, "/mappings/infer", sample, nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 inferred fields, got %d", resp.Count)
		}
	})

	t.Run("SaveMappingTypeMismatch", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/mappings", domain.APIParameterMap{
			APIID:             "api-1",
			SourcePath:        "score",
			TargetParameterID: "credit_score",
			DataType:          domain.TypeString,
		}, nil)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("SaveMappingInheritsParameterType", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/mappings", domain.APIParameterMap{
			APIID:             "api-1",
			SourcePath:        "score",
			TargetParameterID: "credit_score",
		}, nil)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var saved domain.APIParameterMap
		json.Unmarshal(rr.Body.Bytes(), &saved)
		if saved.DataType != domain.TypeInt {
			t.Errorf("expected inherited type int, got %s", saved.DataType)
		}
	})

	t.Run("NodeAPIRequiresExistingNode", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/node-apis", domain.NodeAPI{
			NodeID:   "no-such-node",
			TargetID: "card-1",
		}, nil)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHistoryEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("ListRequiresTargetID", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/history", nil, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RejectsBadLimit", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/history?targetId=card-1&limit=zero", nil, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/history/no-such-id", nil, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("IdentityMiddlewareExtractsCaller", func(t *testing.T) {
		var captured Identity

		handler := IdentityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetIdentity(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantIDHeader, "my-tenant-123")
		req.Header.Set(UserIDHeader, "user-9")
		req.Header.Set(RoleRankHeader, "4")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if captured.TenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", captured.TenantID)
		}
		if captured.UserID != "user-9" || captured.RoleRank != 4 {
			t.Errorf("unexpected identity %+v", captured)
		}
	})

	t.Run("IdentityMiddlewareRejectsBadRank", func(t *testing.T) {
		handler := IdentityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantIDHeader, "my-tenant-123")
		req.Header.Set(RoleRankHeader, "senior")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
