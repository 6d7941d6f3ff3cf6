package domain

// AuthMode enumerates how a node call authenticates.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
)

// Node describes one callable external verification service.
// URLTemplate and BodyTemplate may contain {param} placeholders filled
// from already-resolved parameter values; a placeholder supplied by
// another node's output makes this node depend on that node.
type Node struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenantId"`
	Name         string   `json:"name"`
	Method       string   `json:"method"`
	URLTemplate  string   `json:"urlTemplate"`
	BodyTemplate string   `json:"bodyTemplate,omitempty"`
	AuthMode     AuthMode `json:"authMode"`
	AuthUser     string   `json:"authUser,omitempty"`
	AuthSecret   string   `json:"-"`
	TimeoutMs    int      `json:"timeoutMs"`
}

// NodeAPI binds a node to a specific card or product usage.
type NodeAPI struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	NodeID   string `json:"nodeId"`
	TargetID string `json:"targetId"`
}

// APIParameterMap binds a JSON path in a node's response to an internal
// parameter. SourcePath uses dotted segments with [*] array wildcards,
// as produced by the field-mapping extractor.
type APIParameterMap struct {
	APIID             string   `json:"apiId"`
	TenantID          string   `json:"tenantId"`
	SourcePath        string   `json:"sourcePath"`
	TargetParameterID string   `json:"targetParameterId"`
	DataType          DataType `json:"dataType"`
}
