package domain

import "time"

// Operator enumerates condition predicates.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpLt         Operator = "lt"
	OpLe         Operator = "le"
	OpGt         Operator = "gt"
	OpGe         Operator = "ge"
	OpIn         Operator = "in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpBefore     Operator = "before"
	OpAfter      Operator = "after"
)

// Condition is a single predicate over one parameter's resolved value.
// Comparands are stored as literals and parsed against the parameter's
// declared type when the rule snapshot is compiled.
type Condition struct {
	ID          string   `json:"id"`
	ParameterID string   `json:"parameterId"`
	Operator    Operator `json:"operator"`
	Comparand   string   `json:"comparand,omitempty"`
	Comparands  []string `json:"comparands,omitempty"` // for "in"
}

// Combinator enumerates how a factor combines its conditions.
type Combinator string

const (
	CombineAnd      Combinator = "AND"
	CombineOr       Combinator = "OR"
	CombineWeighted Combinator = "WEIGHTED"
)

// Factor is a named, scoreable combination of conditions.
// For WEIGHTED factors, Weights maps condition ID to its weight and the
// factor passes when the sum of passing weights reaches Threshold.
type Factor struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Combinator   Combinator         `json:"combinator"`
	ConditionIDs []string           `json:"conditionIds"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Threshold    float64            `json:"threshold,omitempty"`
}

// RuleStatus enumerates the ERule lifecycle.
type RuleStatus string

const (
	StatusDraft        RuleStatus = "Draft"
	StatusPendingCheck RuleStatus = "PendingCheck"
	StatusPublished    RuleStatus = "Published"
	StatusInactive     RuleStatus = "Inactive"
)

// TargetKind distinguishes what an ERule is bound to.
type TargetKind string

const (
	TargetCard    TargetKind = "card"
	TargetProduct TargetKind = "product"
)

// ERule is a versioned, tenant-scoped decision rule bound to a card or
// product. One target has at most one Published rule version at a time;
// superseded versions become Inactive, never deleted. A rule version row
// carries its full factor/condition arena so evaluation always reads a
// consistent snapshot.
type ERule struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenantId"`
	Name       string      `json:"name"`
	TargetKind TargetKind  `json:"targetKind"`
	TargetID   string      `json:"targetId"`
	FactorIDs  []string    `json:"factorIds"`
	Factors    []Factor    `json:"factors"`
	Conditions []Condition `json:"conditions"`
	Status     RuleStatus  `json:"status"`
	Version    int         `json:"version"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleSnapshot is the immutable evaluation view of one rule version:
// the rule tree expressed as id references into value-record arenas.
type RuleSnapshot struct {
	Rule       ERule                `json:"rule"`
	Factors    map[string]Factor    `json:"factors"`
	Conditions map[string]Condition `json:"conditions"`
	Parameters map[string]Parameter `json:"parameters"`
}

// Snapshot builds the arena view of a rule version. Parameters are
// attached separately by the caller since they live in the catalog.
func (r *ERule) Snapshot(params map[string]Parameter) *RuleSnapshot {
	snap := &RuleSnapshot{
		Rule:       *r,
		Factors:    make(map[string]Factor, len(r.Factors)),
		Conditions: make(map[string]Condition, len(r.Conditions)),
		Parameters: params,
	}
	for _, f := range r.Factors {
		snap.Factors[f.ID] = f
	}
	for _, c := range r.Conditions {
		snap.Conditions[c.ID] = c
	}
	return snap
}

// RuleVersionSummary is the EruleMaster view of one version in a
// target's rule lineage.
type RuleVersionSummary struct {
	RuleID    string     `json:"ruleId"`
	Version   int        `json:"version"`
	Status    RuleStatus `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`
}
