package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaVisaTypes = `
CREATE TABLE IF NOT EXISTS visa_types (
    id TEXT PRIMARY KEY,
    jurisdiction TEXT NOT NULL,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (jurisdiction, code)
);

CREATE INDEX IF NOT EXISTS idx_visa_types_jurisdiction ON visa_types(jurisdiction);
`

// Requirements and document requirements are stored as JSON documents on the
// version row. They are always read and written as a unit with their version,
// so a relational split would only add joins.
const schemaRuleVersions = `
CREATE TABLE IF NOT EXISTS rule_versions (
    id TEXT PRIMARY KEY,
    visa_type_id TEXT NOT NULL,
    effective_from TIMESTAMP NOT NULL,
    effective_to TIMESTAMP,
    is_published INTEGER NOT NULL DEFAULT 0,
    version_number INTEGER NOT NULL DEFAULT 1,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    deleted_at TIMESTAMP,
    created_by TEXT,
    updated_by TEXT,
    published_by TEXT,
    published_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    requirements TEXT NOT NULL DEFAULT '[]',
    document_requirements TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_rule_versions_visa_type ON rule_versions(visa_type_id);
CREATE INDEX IF NOT EXISTS idx_rule_versions_published ON rule_versions(visa_type_id, is_published, is_deleted);
CREATE INDEX IF NOT EXISTS idx_rule_versions_window ON rule_versions(visa_type_id, effective_from);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    visa_type_id TEXT NOT NULL,
    rule_version_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    confidence REAL NOT NULL,
    requirements_passed INTEGER NOT NULL,
    requirements_total INTEGER NOT NULL,
    missing_facts TEXT,
    requirement_outcomes TEXT,
    conflict INTEGER NOT NULL DEFAULT 0,
    escalated INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_case ON evaluations(case_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_visa_type ON evaluations(visa_type_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaVisaTypes,
		schemaRuleVersions,
		schemaEvaluations,
	}
}
