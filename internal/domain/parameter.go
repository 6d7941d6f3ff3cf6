package domain

import "time"

// Parameter is a tenant-scoped typed named input referenced by rules.
// Its DataType is immutable once the parameter is referenced by a
// published rule; changing it would silently corrupt evaluation.
type Parameter struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenantId"`
	Name       string   `json:"name"`
	DataType   DataType `json:"dataType"`
	Required   bool     `json:"required"`
	SourceHint string   `json:"sourceHint,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
