// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveParameter stores a catalog parameter with tenant isolation.
func (r *SQLRepository) SaveParameter(ctx context.Context, tenantID string, p *domain.Parameter) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	required := 0
	if p.Required {
		required = 1
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `
		INSERT INTO parameters (
			id, tenant_id, name, data_type, required, source_hint, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			data_type = excluded.data_type,
			required = excluded.required,
			source_hint = excluded.source_hint,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, tenantID, p.Name, string(p.DataType), required, p.SourceHint,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetParameter retrieves a catalog parameter by ID with tenant isolation.
func (r *SQLRepository) GetParameter(ctx context.Context, tenantID string, paramID string) (*domain.Parameter, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, data_type, required, source_hint, created_at, updated_at
		FROM parameters
		WHERE tenant_id = ? AND id = ?
	`

	p, err := scanParameter(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, paramID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

// ListParameters retrieves all catalog parameters for a tenant.
func (r *SQLRepository) ListParameters(ctx context.Context, tenantID string) ([]*domain.Parameter, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, data_type, required, source_hint, created_at, updated_at
		FROM parameters
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []*domain.Parameter
	for rows.Next() {
		p, err := scanParameter(rows)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}

	return params, rows.Err()
}

// DeleteParameter removes a catalog parameter.
func (r *SQLRepository) DeleteParameter(ctx context.Context, tenantID string, paramID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `DELETE FROM parameters WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, paramID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParameter(row rowScanner) (*domain.Parameter, error) {
	var p domain.Parameter
	var required int
	var sourceHint sql.NullString

	if err := row.Scan(
		&p.ID, &p.TenantID, &p.Name, &p.DataType, &required, &sourceHint,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Required = required == 1
	p.SourceHint = sourceHint.String
	return &p, nil
}

// SaveRule stores one rule version with its full factor/condition arena.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.ERule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if rule.Version <= 0 {
		return fmt.Errorf("%w: rule version must be positive", domain.ErrInvalidInput)
	}

	factorIDs, _ := json.Marshal(rule.FactorIDs)
	factors, _ := json.Marshal(rule.Factors)
	conditions, _ := json.Marshal(rule.Conditions)

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO erules (
			id, tenant_id, name, target_kind, target_id,
			factor_ids, factors, conditions, status, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			target_kind = excluded.target_kind,
			target_id = excluded.target_id,
			factor_ids = excluded.factor_ids,
			factors = excluded.factors,
			conditions = excluded.conditions,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, string(rule.TargetKind), rule.TargetID,
		string(factorIDs), string(factors), string(conditions),
		string(rule.Status), rule.Version,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

const ruleColumns = `id, tenant_id, name, target_kind, target_id,
	   factor_ids, factors, conditions, status, version,
	   created_at, updated_at`

func scanRule(row rowScanner) (*domain.ERule, error) {
	var rule domain.ERule
	var factorIDs, factors, conditions string

	if err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.TargetKind, &rule.TargetID,
		&factorIDs, &factors, &conditions, &rule.Status, &rule.Version,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(factorIDs), &rule.FactorIDs); err != nil {
		return nil, fmt.Errorf("failed to parse rule factor ids: %w", err)
	}
	if err := json.Unmarshal([]byte(factors), &rule.Factors); err != nil {
		return nil, fmt.Errorf("failed to parse rule factors: %w", err)
	}
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse rule conditions: %w", err)
	}

	return &rule, nil
}

// GetRule retrieves one rule version with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string, version int) (*domain.ERule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM erules
		WHERE tenant_id = ? AND id = ? AND version = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// GetLatestRule retrieves the highest version of a rule lineage.
func (r *SQLRepository) GetLatestRule(ctx context.Context, tenantID string, ruleID string) (*domain.ERule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM erules
		WHERE tenant_id = ? AND id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// GetPublishedRuleForTarget retrieves the single Published rule version
// bound to a card or product.
func (r *SQLRepository) GetPublishedRuleForTarget(ctx context.Context, tenantID string, kind domain.TargetKind, targetID string) (*domain.ERule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM erules
		WHERE tenant_id = ? AND target_kind = ? AND target_id = ? AND status = ?
		ORDER BY version DESC
		LIMIT 1
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, string(kind), targetID, string(domain.StatusPublished)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRuleVersions retrieves the version lineage of one rule.
func (r *SQLRepository) ListRuleVersions(ctx context.Context, tenantID string, ruleID string) ([]domain.RuleVersionSummary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, version, status, updated_at
		FROM erules
		WHERE tenant_id = ? AND id = ?
		ORDER BY version DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []domain.RuleVersionSummary
	for rows.Next() {
		var v domain.RuleVersionSummary
		if err := rows.Scan(&v.RuleID, &v.Version, &v.Status, &v.UpdatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}

	return versions, rows.Err()
}

// ListRulesByStatus retrieves all rule versions in a given status.
func (r *SQLRepository) ListRulesByStatus(ctx context.Context, tenantID string, status domain.RuleStatus) ([]*domain.ERule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM erules
		WHERE tenant_id = ? AND status = ?
		ORDER BY name, version DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ERule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// UpdateRuleStatus transitions one rule version only if it currently has
// the expected status. A zero-row update means another writer got there
// first, reported as ErrConflict.
func (r *SQLRepository) UpdateRuleStatus(ctx context.Context, tenantID string, ruleID string, version int, from, to domain.RuleStatus) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		UPDATE erules
		SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(to), time.Now().UTC(), tenantID, ruleID, version, string(from))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing version from a lost race.
		if _, err := r.GetRule(ctx, tenantID, ruleID, version); err != nil {
			return err
		}
		return domain.ErrConflict
	}

	return nil
}

// SaveCard stores a card with tenant isolation.
func (r *SQLRepository) SaveCard(ctx context.Context, tenantID string, card *domain.Card) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.UpdatedAt = now

	query := `
		INSERT INTO cards (
			id, tenant_id, name, product_id, kind, amount_formula, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			product_id = excluded.product_id,
			kind = excluded.kind,
			amount_formula = excluded.amount_formula,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		card.ID, tenantID, card.Name, card.ProductID, string(card.Kind),
		card.AmountFormula, card.CreatedAt, card.UpdatedAt,
	)
	return err
}

// GetCard retrieves a card by ID with tenant isolation.
func (r *SQLRepository) GetCard(ctx context.Context, tenantID string, cardID string) (*domain.Card, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, product_id, kind, amount_formula, created_at, updated_at
		FROM cards
		WHERE tenant_id = ? AND id = ?
	`

	card, err := scanCard(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return card, err
}

// ListCards retrieves all cards for a tenant.
func (r *SQLRepository) ListCards(ctx context.Context, tenantID string) ([]*domain.Card, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, product_id, kind, amount_formula, created_at, updated_at
		FROM cards
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []*domain.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}

	return cards, rows.Err()
}

// DeleteCard removes a card definition.
func (r *SQLRepository) DeleteCard(ctx context.Context, tenantID string, cardID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `DELETE FROM cards WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, cardID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func scanCard(row rowScanner) (*domain.Card, error) {
	var card domain.Card
	var formula sql.NullString

	if err := row.Scan(
		&card.ID, &card.TenantID, &card.Name, &card.ProductID, &card.Kind,
		&formula, &card.CreatedAt, &card.UpdatedAt,
	); err != nil {
		return nil, err
	}

	card.AmountFormula = formula.String
	return &card, nil
}

// SaveProduct stores a product with tenant isolation.
func (r *SQLRepository) SaveProduct(ctx context.Context, tenantID string, p *domain.Product) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	active := 0
	if p.Active {
		active = 1
	}

	query := `
		INSERT INTO products (id, tenant_id, name, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), p.ID, tenantID, p.Name, active)
	return err
}

// GetProduct retrieves a product by ID with tenant isolation.
func (r *SQLRepository) GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, active
		FROM products
		WHERE tenant_id = ? AND id = ?
	`

	var p domain.Product
	var active int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, productID).Scan(
		&p.ID, &p.TenantID, &p.Name, &active,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Active = active == 1
	return &p, nil
}

// ListActiveProducts retrieves all active products for a tenant.
func (r *SQLRepository) ListActiveProducts(ctx context.Context, tenantID string) ([]*domain.Product, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, active
		FROM products
		WHERE tenant_id = ? AND active = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*domain.Product
	for rows.Next() {
		var p domain.Product
		var active int
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &active); err != nil {
			return nil, err
		}
		p.Active = active == 1
		products = append(products, &p)
	}

	return products, rows.Err()
}

// SaveProductCap stores the amount bounds for a product.
func (r *SQLRepository) SaveProductCap(ctx context.Context, tenantID string, cap *domain.ProductCap) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO product_caps (product_id, tenant_id, min_amount, max_amount)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id, tenant_id) DO UPDATE SET
			min_amount = excluded.min_amount,
			max_amount = excluded.max_amount
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cap.ProductID, tenantID, cap.MinAmount, cap.MaxAmount)
	return err
}

// GetProductCap retrieves the amount bounds for a product.
func (r *SQLRepository) GetProductCap(ctx context.Context, tenantID string, productID string) (*domain.ProductCap, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT product_id, tenant_id, min_amount, max_amount
		FROM product_caps
		WHERE tenant_id = ? AND product_id = ?
	`

	var cap domain.ProductCap
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, productID).Scan(
		&cap.ProductID, &cap.TenantID, &cap.MinAmount, &cap.MaxAmount,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &cap, nil
}

// SaveNode stores an external service node with tenant isolation.
func (r *SQLRepository) SaveNode(ctx context.Context, tenantID string, n *domain.Node) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO nodes (
			id, tenant_id, name, method, url_template, body_template,
			auth_mode, auth_user, auth_secret, timeout_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			method = excluded.method,
			url_template = excluded.url_template,
			body_template = excluded.body_template,
			auth_mode = excluded.auth_mode,
			auth_user = excluded.auth_user,
			auth_secret = excluded.auth_secret,
			timeout_ms = excluded.timeout_ms
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		n.ID, tenantID, n.Name, n.Method, n.URLTemplate, n.BodyTemplate,
		string(n.AuthMode), n.AuthUser, n.AuthSecret, n.TimeoutMs,
	)
	return err
}

// GetNode retrieves an external service node by ID with tenant isolation.
func (r *SQLRepository) GetNode(ctx context.Context, tenantID string, nodeID string) (*domain.Node, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, method, url_template, body_template,
			   auth_mode, auth_user, auth_secret, timeout_ms
		FROM nodes
		WHERE tenant_id = ? AND id = ?
	`

	n, err := scanNode(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

// ListNodes retrieves all external service nodes for a tenant.
func (r *SQLRepository) ListNodes(ctx context.Context, tenantID string) ([]*domain.Node, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, method, url_template, body_template,
			   auth_mode, auth_user, auth_secret, timeout_ms
		FROM nodes
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	return nodes, rows.Err()
}

func scanNode(row rowScanner) (*domain.Node, error) {
	var n domain.Node
	var body, authUser, authSecret sql.NullString

	if err := row.Scan(
		&n.ID, &n.TenantID, &n.Name, &n.Method, &n.URLTemplate, &body,
		&n.AuthMode, &authUser, &authSecret, &n.TimeoutMs,
	); err != nil {
		return nil, err
	}

	n.BodyTemplate = body.String
	n.AuthUser = authUser.String
	n.AuthSecret = authSecret.String
	return &n, nil
}

// SaveNodeAPI binds a node to a card or product usage.
func (r *SQLRepository) SaveNodeAPI(ctx context.Context, tenantID string, api *domain.NodeAPI) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO node_apis (id, tenant_id, node_id, target_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			node_id = excluded.node_id,
			target_id = excluded.target_id
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), api.ID, tenantID, api.NodeID, api.TargetID)
	return err
}

// ListNodeAPIsForTarget retrieves the node bindings usable for a target.
func (r *SQLRepository) ListNodeAPIsForTarget(ctx context.Context, tenantID string, targetID string) ([]*domain.NodeAPI, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, node_id, target_id
		FROM node_apis
		WHERE tenant_id = ? AND target_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apis []*domain.NodeAPI
	for rows.Next() {
		var api domain.NodeAPI
		if err := rows.Scan(&api.ID, &api.TenantID, &api.NodeID, &api.TargetID); err != nil {
			return nil, err
		}
		apis = append(apis, &api)
	}

	return apis, rows.Err()
}

// SaveParameterMap binds a response field path to an internal parameter.
func (r *SQLRepository) SaveParameterMap(ctx context.Context, tenantID string, m *domain.APIParameterMap) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO api_parameter_maps (api_id, tenant_id, source_path, target_parameter_id, data_type)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(api_id, tenant_id, target_parameter_id) DO UPDATE SET
			source_path = excluded.source_path,
			data_type = excluded.data_type
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		m.APIID, tenantID, m.SourcePath, m.TargetParameterID, string(m.DataType))
	return err
}

// ListParameterMaps retrieves all field mappings for one node binding.
func (r *SQLRepository) ListParameterMaps(ctx context.Context, tenantID string, apiID string) ([]*domain.APIParameterMap, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT api_id, tenant_id, source_path, target_parameter_id, data_type
		FROM api_parameter_maps
		WHERE tenant_id = ? AND api_id = ?
		ORDER BY target_parameter_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, apiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var maps []*domain.APIParameterMap
	for rows.Next() {
		var m domain.APIParameterMap
		if err := rows.Scan(&m.APIID, &m.TenantID, &m.SourcePath, &m.TargetParameterID, &m.DataType); err != nil {
			return nil, err
		}
		maps = append(maps, &m)
	}

	return maps, rows.Err()
}

// SaveMakerCheckerRecord stores a dual-control approval ticket.
func (r *SQLRepository) SaveMakerCheckerRecord(ctx context.Context, tenantID string, rec *domain.MakerCheckerRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO maker_checker_records (
			id, tenant_id, entity_type, entity_id, action,
			maker_id, checker_id, status, comment, role_rank,
			payload, created_at, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var decidedAt any
	if !rec.DecidedAt.IsZero() {
		decidedAt = rec.DecidedAt
	}
	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.EntityType, rec.EntityID, string(rec.Action),
		rec.MakerID, rec.CheckerID, string(rec.Status), rec.Comment, rec.RoleRank,
		payload, rec.CreatedAt, decidedAt,
	)
	return err
}

// GetMakerCheckerRecord retrieves an approval ticket by ID.
func (r *SQLRepository) GetMakerCheckerRecord(ctx context.Context, tenantID string, recordID string) (*domain.MakerCheckerRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_type, entity_id, action,
			   maker_id, checker_id, status, comment, role_rank,
			   payload, created_at, decided_at
		FROM maker_checker_records
		WHERE tenant_id = ? AND id = ?
	`

	rec, err := scanMakerChecker(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

// ListPendingRecords retrieves pending tickets within a checker's rank.
func (r *SQLRepository) ListPendingRecords(ctx context.Context, tenantID string, maxRoleRank int) ([]*domain.MakerCheckerRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_type, entity_id, action,
			   maker_id, checker_id, status, comment, role_rank,
			   payload, created_at, decided_at
		FROM maker_checker_records
		WHERE tenant_id = ? AND status = ? AND role_rank <= ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		tenantID, string(domain.CheckPending), maxRoleRank)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.MakerCheckerRecord
	for rows.Next() {
		rec, err := scanMakerChecker(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// DecideMakerCheckerRecord moves a record out of PendingCheck only if it
// is still pending; a zero-row update means another checker won the
// race, reported as ErrConflict.
func (r *SQLRepository) DecideMakerCheckerRecord(ctx context.Context, tenantID string, recordID string, checkerID string, status domain.CheckStatus, comment string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		UPDATE maker_checker_records
		SET checker_id = ?, status = ?, comment = ?, decided_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		checkerID, string(status), comment, time.Now().UTC(),
		tenantID, recordID, string(domain.CheckPending))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := r.GetMakerCheckerRecord(ctx, tenantID, recordID); err != nil {
			return err
		}
		return domain.ErrConflict
	}

	return nil
}

func scanMakerChecker(row rowScanner) (*domain.MakerCheckerRecord, error) {
	var rec domain.MakerCheckerRecord
	var checkerID, comment, payload sql.NullString
	var decidedAt sql.NullTime

	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.EntityType, &rec.EntityID, &rec.Action,
		&rec.MakerID, &checkerID, &rec.Status, &comment, &rec.RoleRank,
		&payload, &rec.CreatedAt, &decidedAt,
	); err != nil {
		return nil, err
	}

	rec.CheckerID = checkerID.String
	rec.Comment = comment.String
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	if decidedAt.Valid {
		rec.DecidedAt = decidedAt.Time
	}
	return &rec, nil
}

// SaveEvaluationHistory appends one evaluation record.
func (r *SQLRepository) SaveEvaluationHistory(ctx context.Context, tenantID string, h *domain.EvaluationHistory) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	inputs, _ := json.Marshal(h.Inputs)
	resolved, _ := json.Marshal(h.ResolvedExternal)
	reasons, _ := json.Marshal(h.Reasons)

	passed := 0
	if h.Passed {
		passed = 1
	}

	query := `
		INSERT INTO evaluation_history (
			id, tenant_id, target_kind, target_id, rule_id, rule_version,
			timestamp, inputs, resolved_external, passed, score,
			eligible_amount, reasons
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		h.ID, tenantID, string(h.TargetKind), h.TargetID, h.RuleID, h.RuleVersion,
		h.Timestamp, string(inputs), string(resolved), passed, h.Score,
		h.EligibleAmount, string(reasons),
	)
	return err
}

// GetEvaluationHistory retrieves one evaluation record by ID.
func (r *SQLRepository) GetEvaluationHistory(ctx context.Context, tenantID string, historyID string) (*domain.EvaluationHistory, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, target_kind, target_id, rule_id, rule_version,
			   timestamp, inputs, resolved_external, passed, score,
			   eligible_amount, reasons
		FROM evaluation_history
		WHERE tenant_id = ? AND id = ?
	`

	h, err := scanHistory(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, historyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return h, err
}

// ListEvaluationHistory retrieves the most recent evaluations for a
// target, newest first.
func (r *SQLRepository) ListEvaluationHistory(ctx context.Context, tenantID string, targetID string, limit int) ([]*domain.EvaluationHistory, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, target_kind, target_id, rule_id, rule_version,
			   timestamp, inputs, resolved_external, passed, score,
			   eligible_amount, reasons
		FROM evaluation_history
		WHERE tenant_id = ? AND target_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*domain.EvaluationHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

func scanHistory(row rowScanner) (*domain.EvaluationHistory, error) {
	var h domain.EvaluationHistory
	var inputs string
	var resolved, reasons sql.NullString
	var passed int
	var amount sql.NullFloat64

	if err := row.Scan(
		&h.ID, &h.TenantID, &h.TargetKind, &h.TargetID, &h.RuleID, &h.RuleVersion,
		&h.Timestamp, &inputs, &resolved, &passed, &h.Score,
		&amount, &reasons,
	); err != nil {
		return nil, err
	}

	h.Passed = passed == 1
	if amount.Valid {
		h.EligibleAmount = &amount.Float64
	}
	json.Unmarshal([]byte(inputs), &h.Inputs)
	if resolved.Valid && resolved.String != "" {
		json.Unmarshal([]byte(resolved.String), &h.ResolvedExternal)
	}
	if reasons.Valid && reasons.String != "" {
		json.Unmarshal([]byte(reasons.String), &h.Reasons)
	}

	return &h, nil
}

// ruleExport is the wire shape of a bulk rule transfer.
type ruleExport struct {
	ExportedAt time.Time       `json:"exportedAt"`
	Rules      []*domain.ERule `json:"rules"`
}

// ExportRules writes the full version lineage of the named rules as a
// single JSON document. An empty ruleIDs slice exports every rule.
func (r *SQLRepository) ExportRules(ctx context.Context, tenantID string, ruleIDs []string, w io.Writer) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	wanted := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		wanted[id] = true
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM erules
		WHERE tenant_id = ?
		ORDER BY id, version
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return err
	}
	defer rows.Close()

	export := ruleExport{ExportedAt: time.Now().UTC()}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return err
		}
		if len(wanted) > 0 && !wanted[rule.ID] {
			continue
		}
		export.Rules = append(export.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(export)
}

// ImportRules reads a JSON document produced by ExportRules and stores
// every rule version as Draft under the importing tenant. Imported
// versions never land Published; they go through governance like any
// other draft. Returns the number of versions imported.
func (r *SQLRepository) ImportRules(ctx context.Context, tenantID string, rd io.Reader) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	var export ruleExport
	if err := json.NewDecoder(rd).Decode(&export); err != nil {
		return 0, fmt.Errorf("%w: malformed rule export: %v", domain.ErrInvalidInput, err)
	}

	count := 0
	for _, rule := range export.Rules {
		rule.TenantID = tenantID
		rule.Status = domain.StatusDraft
		if err := r.SaveRule(ctx, tenantID, rule); err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
