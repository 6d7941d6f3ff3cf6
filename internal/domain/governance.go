package domain

import (
	"encoding/json"
	"time"
)

// CheckStatus enumerates the maker-checker record lifecycle.
type CheckStatus string

const (
	CheckPending  CheckStatus = "PendingCheck"
	CheckApproved CheckStatus = "Approved"
	CheckRejected CheckStatus = "Rejected"
)

// GovernedAction enumerates the mutations maker-checker protects.
type GovernedAction string

const (
	ActionPublish    GovernedAction = "publish"
	ActionDeactivate GovernedAction = "deactivate"
	ActionUpdate     GovernedAction = "update"
	ActionDelete     GovernedAction = "delete"
)

// MakerCheckerRecord is a dual-control approval ticket for one mutation
// of a governed entity. The checker must be a different principal than
// the maker, and must hold a role rank at least RoleRank.
type MakerCheckerRecord struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     GovernedAction `json:"action"`
	MakerID    string         `json:"makerId"`
	CheckerID  string         `json:"checkerId,omitempty"`
	Status     CheckStatus    `json:"status"`
	Comment    string         `json:"comment,omitempty"`
	RoleRank   int            `json:"roleRank"`

	// Payload carries the proposed entity state for update actions; it
	// is applied to storage only on approval.
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	DecidedAt time.Time `json:"decidedAt,omitempty"`
}
