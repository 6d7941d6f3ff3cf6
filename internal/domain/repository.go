// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"io"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Parameter catalog
	SaveParameter(ctx context.Context, tenantID string, p *Parameter) error
	GetParameter(ctx context.Context, tenantID string, paramID string) (*Parameter, error)
	ListParameters(ctx context.Context, tenantID string) ([]*Parameter, error)
	DeleteParameter(ctx context.Context, tenantID string, paramID string) error

	// Rule versions (EruleMaster groups versions per target)
	SaveRule(ctx context.Context, tenantID string, rule *ERule) error
	GetRule(ctx context.Context, tenantID string, ruleID string, version int) (*ERule, error)
	GetLatestRule(ctx context.Context, tenantID string, ruleID string) (*ERule, error)
	GetPublishedRuleForTarget(ctx context.Context, tenantID string, kind TargetKind, targetID string) (*ERule, error)
	ListRuleVersions(ctx context.Context, tenantID string, ruleID string) ([]RuleVersionSummary, error)
	ListRulesByStatus(ctx context.Context, tenantID string, status RuleStatus) ([]*ERule, error)
	// UpdateRuleStatus transitions one version only if it currently has
	// the expected status; returns ErrConflict on a lost race.
	UpdateRuleStatus(ctx context.Context, tenantID string, ruleID string, version int, from, to RuleStatus) error

	// Cards, products, caps
	SaveCard(ctx context.Context, tenantID string, card *Card) error
	GetCard(ctx context.Context, tenantID string, cardID string) (*Card, error)
	ListCards(ctx context.Context, tenantID string) ([]*Card, error)
	DeleteCard(ctx context.Context, tenantID string, cardID string) error
	SaveProduct(ctx context.Context, tenantID string, p *Product) error
	GetProduct(ctx context.Context, tenantID string, productID string) (*Product, error)
	ListActiveProducts(ctx context.Context, tenantID string) ([]*Product, error)
	SaveProductCap(ctx context.Context, tenantID string, cap *ProductCap) error
	GetProductCap(ctx context.Context, tenantID string, productID string) (*ProductCap, error)

	// External integration graph
	SaveNode(ctx context.Context, tenantID string, n *Node) error
	GetNode(ctx context.Context, tenantID string, nodeID string) (*Node, error)
	ListNodes(ctx context.Context, tenantID string) ([]*Node, error)
	SaveNodeAPI(ctx context.Context, tenantID string, api *NodeAPI) error
	ListNodeAPIsForTarget(ctx context.Context, tenantID string, targetID string) ([]*NodeAPI, error)
	SaveParameterMap(ctx context.Context, tenantID string, m *APIParameterMap) error
	ListParameterMaps(ctx context.Context, tenantID string, apiID string) ([]*APIParameterMap, error)

	// Maker-checker governance
	SaveMakerCheckerRecord(ctx context.Context, tenantID string, rec *MakerCheckerRecord) error
	GetMakerCheckerRecord(ctx context.Context, tenantID string, recordID string) (*MakerCheckerRecord, error)
	ListPendingRecords(ctx context.Context, tenantID string, maxRoleRank int) ([]*MakerCheckerRecord, error)
	// DecideMakerCheckerRecord moves a record out of PendingCheck only if
	// it is still pending; returns ErrConflict when another checker won.
	DecideMakerCheckerRecord(ctx context.Context, tenantID string, recordID string, checkerID string, status CheckStatus, comment string) error

	// Evaluation history (append-only)
	SaveEvaluationHistory(ctx context.Context, tenantID string, h *EvaluationHistory) error
	GetEvaluationHistory(ctx context.Context, tenantID string, historyID string) (*EvaluationHistory, error)
	ListEvaluationHistory(ctx context.Context, tenantID string, targetID string, limit int) ([]*EvaluationHistory, error)

	// Bulk rule import/export (EruleMaster)
	ExportRules(ctx context.Context, tenantID string, ruleIDs []string, w io.Writer) error
	ImportRules(ctx context.Context, tenantID string, r io.Reader) (int, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
