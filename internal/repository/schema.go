package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaParameters = `
CREATE TABLE IF NOT EXISTS parameters (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    data_type TEXT NOT NULL,
    required INTEGER NOT NULL DEFAULT 0,
    source_hint TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_parameters_tenant ON parameters(tenant_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_parameters_name ON parameters(tenant_id, name);
`

// schemaERules stores one row per rule version. The factors and
// conditions columns carry the version's full arena as JSON so a read
// of one row yields a consistent evaluation snapshot.
const schemaERules = `
CREATE TABLE IF NOT EXISTS erules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    target_kind TEXT NOT NULL,
    target_id TEXT NOT NULL,
    factor_ids TEXT NOT NULL,
    factors TEXT NOT NULL,
    conditions TEXT NOT NULL,
    status TEXT NOT NULL,
    version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_erules_tenant ON erules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_erules_target ON erules(tenant_id, target_kind, target_id, status);
CREATE INDEX IF NOT EXISTS idx_erules_status ON erules(tenant_id, status);
`

const schemaCards = `
CREATE TABLE IF NOT EXISTS cards (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    product_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount_formula TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_cards_tenant ON cards(tenant_id);
CREATE INDEX IF NOT EXISTS idx_cards_product ON cards(tenant_id, product_id);
`

const schemaProducts = `
CREATE TABLE IF NOT EXISTS products (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_products_tenant ON products(tenant_id);
CREATE INDEX IF NOT EXISTS idx_products_active ON products(tenant_id, active);

CREATE TABLE IF NOT EXISTS product_caps (
    product_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    min_amount REAL NOT NULL DEFAULT 0,
    max_amount REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (product_id, tenant_id)
);
`

const schemaNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    method TEXT NOT NULL,
    url_template TEXT NOT NULL,
    body_template TEXT,
    auth_mode TEXT NOT NULL DEFAULT 'none',
    auth_user TEXT,
    auth_secret TEXT,
    timeout_ms INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_nodes_tenant ON nodes(tenant_id);

CREATE TABLE IF NOT EXISTS node_apis (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_node_apis_target ON node_apis(tenant_id, target_id);

CREATE TABLE IF NOT EXISTS api_parameter_maps (
    api_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    source_path TEXT NOT NULL,
    target_parameter_id TEXT NOT NULL,
    data_type TEXT NOT NULL,
    PRIMARY KEY (api_id, tenant_id, target_parameter_id)
);

CREATE INDEX IF NOT EXISTS idx_parameter_maps_api ON api_parameter_maps(tenant_id, api_id);
`

const schemaMakerChecker = `
CREATE TABLE IF NOT EXISTS maker_checker_records (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    action TEXT NOT NULL,
    maker_id TEXT NOT NULL,
    checker_id TEXT,
    status TEXT NOT NULL,
    comment TEXT,
    role_rank INTEGER NOT NULL DEFAULT 0,
    payload TEXT,
    created_at TIMESTAMP NOT NULL,
    decided_at TIMESTAMP,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_maker_checker_tenant ON maker_checker_records(tenant_id);
CREATE INDEX IF NOT EXISTS idx_maker_checker_status ON maker_checker_records(tenant_id, status);
`

const schemaEvaluationHistory = `
CREATE TABLE IF NOT EXISTS evaluation_history (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    target_kind TEXT NOT NULL,
    target_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_version INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    inputs TEXT NOT NULL,
    resolved_external TEXT,
    passed INTEGER NOT NULL,
    score REAL NOT NULL,
    eligible_amount REAL,
    reasons TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_history_tenant ON evaluation_history(tenant_id);
CREATE INDEX IF NOT EXISTS idx_history_target ON evaluation_history(tenant_id, target_id);
CREATE INDEX IF NOT EXISTS idx_history_timestamp ON evaluation_history(tenant_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaParameters,
		schemaERules,
		schemaCards,
		schemaProducts,
		schemaNodes,
		schemaMakerChecker,
		schemaEvaluationHistory,
	}
}
