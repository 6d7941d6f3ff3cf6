package domain

import "time"

// ReasonCode is a machine-checkable failure or outcome classifier.
type ReasonCode string

const (
	// Configuration errors: reported synchronously, never retried.
	ReasonNoActiveRule ReasonCode = "NoActiveRule"
	ReasonTypeMismatch ReasonCode = "TypeMismatch"
	ReasonBadFormula   ReasonCode = "BadFormula"

	// Resolution failures: localized to the affected parameters.
	ReasonDataUnavailable  ReasonCode = "DataUnavailable"
	ReasonInsufficientData ReasonCode = "InsufficientData"
	ReasonNodeTimeout      ReasonCode = "NodeTimeout"
	ReasonNodeHTTPStatus   ReasonCode = "NodeHTTPStatus"
	ReasonNodeBadBody      ReasonCode = "NodeBadBody"

	// Gating outcomes.
	ReasonConditionFailed ReasonCode = "ConditionFailed"

	// Capacity errors.
	ReasonBelowMinimum ReasonCode = "BelowMinimum"

	// Governance violations.
	ReasonSelfApprovalNotAllowed ReasonCode = "SelfApprovalNotAllowed"
	ReasonNotPending             ReasonCode = "NotPending"
	ReasonOutOfRank              ReasonCode = "OutOfRank"
)

// Reason pairs a code with a human-readable message and, where it
// applies, the parameter the failure is attached to.
type Reason struct {
	Code        ReasonCode `json:"code"`
	Message     string     `json:"message"`
	ParameterID string     `json:"parameterId,omitempty"`
}

// GateResult is the verdict of evaluating one rule snapshot against a
// resolved context.
type GateResult struct {
	Passed  bool     `json:"passed"`
	Score   float64  `json:"score"`
	Reasons []Reason `json:"reasons,omitempty"`
}

// Outcome is the complete result of one decision run.
type Outcome struct {
	Passed         bool     `json:"passed"`
	Reasons        []Reason `json:"reasons,omitempty"`
	Score          float64  `json:"score"`
	EligibleAmount *float64 `json:"eligibleAmount,omitempty"`
	RuleID         string   `json:"ruleId"`
	RuleVersion    int      `json:"ruleVersion"`
}

// RankedProduct is one best-fit match.
type RankedProduct struct {
	ProductID      string  `json:"productId"`
	EligibleAmount float64 `json:"eligibleAmount"`
	Score          float64 `json:"score"`
}

// ProductError reports a product whose resolver run errored, as opposed
// to merely failing gating. The two are never conflated.
type ProductError struct {
	ProductID string `json:"productId"`
	Error     string `json:"error"`
}

// BestFitResult is the ranked answer to a best-fit query.
type BestFitResult struct {
	Matches []RankedProduct `json:"matches"`
	Errored []ProductError  `json:"errored,omitempty"`
}

// EvaluationHistory is one append-only audit row per decision run.
// Rows are immutable once written.
type EvaluationHistory struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenantId"`
	TargetKind       TargetKind        `json:"targetKind"`
	TargetID         string            `json:"targetId"`
	RuleID           string            `json:"ruleId"`
	RuleVersion      int               `json:"ruleVersion"`
	Timestamp        time.Time         `json:"timestamp"`
	Inputs           map[string]string `json:"inputs"`
	ResolvedExternal map[string]string `json:"resolvedExternal,omitempty"`
	Passed           bool              `json:"passed"`
	Score            float64           `json:"score"`
	EligibleAmount   *float64          `json:"eligibleAmount,omitempty"`
	Reasons          []Reason          `json:"reasons,omitempty"`
}
