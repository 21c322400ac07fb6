package repository

// Schema definitions for Wardwatch.
// Compatible with both SQLite and PostgreSQL.

const schemaFacilityRecords = `
CREATE TABLE IF NOT EXISTS facility_records (
    id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    upload_id TEXT,
    state TEXT NOT NULL,
    lga TEXT NOT NULL,
    ward TEXT NOT NULL,
    ward_code TEXT,
    facility TEXT NOT NULL,
    level TEXT NOT NULL,
    urban INTEGER NOT NULL DEFAULT 0,
    period TEXT NOT NULL,
    latitude REAL,
    longitude REAL,
    tests TEXT NOT NULL,
    attendance INTEGER,
    nets_distributed INTEGER,
    PRIMARY KEY (id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_facility_records_session ON facility_records(session_id);
CREATE INDEX IF NOT EXISTS idx_facility_records_ward ON facility_records(session_id, state, lga, ward);
`

const schemaBoundaryWards = `
CREATE TABLE IF NOT EXISTS boundary_wards (
    session_id TEXT NOT NULL,
    state TEXT NOT NULL,
    lga TEXT NOT NULL,
    name TEXT NOT NULL,
    code TEXT,
    centroid_lat REAL NOT NULL,
    centroid_lon REAL NOT NULL,
    PRIMARY KEY (session_id, state, lga, name)
);

CREATE INDEX IF NOT EXISTS idx_boundary_wards_session ON boundary_wards(session_id);
`

const schemaPopulationRows = `
CREATE TABLE IF NOT EXISTS population_rows (
    session_id TEXT NOT NULL,
    state TEXT NOT NULL,
    lga TEXT NOT NULL,
    ward TEXT NOT NULL,
    ward_code TEXT,
    population INTEGER NOT NULL,
    PRIMARY KEY (session_id, state, lga, ward)
);

CREATE INDEX IF NOT EXISTS idx_population_rows_session ON population_rows(session_id);
`

const schemaCovariateRows = `
CREATE TABLE IF NOT EXISTS covariate_rows (
    session_id TEXT NOT NULL,
    state TEXT NOT NULL,
    lga TEXT NOT NULL,
    ward TEXT NOT NULL,
    ward_code TEXT,
    vals TEXT NOT NULL,
    PRIMARY KEY (session_id, state, lga, ward)
);

CREATE INDEX IF NOT EXISTS idx_covariate_rows_session ON covariate_rows(session_id);
`

const schemaWardResolutions = `
CREATE TABLE IF NOT EXISTS ward_resolutions (
    session_id TEXT PRIMARY KEY,
    wards TEXT NOT NULL,
    mappings TEXT NOT NULL,
    coverage_pct REAL NOT NULL,
    review_count INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaTPRResults = `
CREATE TABLE IF NOT EXISTS tpr_results (
    session_id TEXT NOT NULL,
    scope TEXT NOT NULL,
    ward_key TEXT NOT NULL,
    method TEXT NOT NULL,
    tested INTEGER NOT NULL,
    positive INTEGER NOT NULL,
    tpr REAL,
    ci_low REAL,
    ci_high REAL,
    rdt_tpr REAL,
    micro_tpr REAL,
    facility_count INTEGER NOT NULL,
    excluded_facilities INTEGER NOT NULL,
    completeness_pct REAL NOT NULL,
    flags TEXT,
    PRIMARY KEY (session_id, scope, ward_key)
);

CREATE INDEX IF NOT EXISTS idx_tpr_results_session ON tpr_results(session_id, scope);
`

const schemaRiskRankings = `
CREATE TABLE IF NOT EXISTS risk_rankings (
    session_id TEXT NOT NULL,
    ward_key TEXT NOT NULL,
    composite_score REAL NOT NULL,
    pca_score REAL NOT NULL,
    rank INTEGER NOT NULL,
    pca_rank INTEGER NOT NULL,
    rank_delta INTEGER NOT NULL,
    bucket TEXT NOT NULL,
    pca_bucket TEXT NOT NULL,
    PRIMARY KEY (session_id, ward_key)
);

CREATE INDEX IF NOT EXISTS idx_risk_rankings_rank ON risk_rankings(session_id, rank);
`

const schemaAllocationPlans = `
CREATE TABLE IF NOT EXISTS allocation_plans (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    total_stock INTEGER NOT NULL,
    household_size REAL NOT NULL,
    allocated_total INTEGER NOT NULL,
    required_total INTEGER NOT NULL,
    overall_coverage_pct REAL NOT NULL,
    wards TEXT NOT NULL,
    unresolved_wards TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_allocation_plans_session ON allocation_plans(session_id, created_at);
`

const schemaQualityRules = `
CREATE TABLE IF NOT EXISTS quality_rules (
    id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    severity TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_quality_rules_session ON quality_rules(session_id, enabled);
`

const schemaStageRecords = `
CREATE TABLE IF NOT EXISTS stage_records (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    method TEXT NOT NULL,
    params TEXT,
    coverage_pct REAL NOT NULL,
    completeness_pct REAL NOT NULL DEFAULT 0,
    row_count INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_records_session ON stage_records(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_stage_records_stage ON stage_records(session_id, stage);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFacilityRecords,
		schemaBoundaryWards,
		schemaPopulationRows,
		schemaCovariateRows,
		schemaWardResolutions,
		schemaTPRResults,
		schemaRiskRankings,
		schemaAllocationPlans,
		schemaQualityRules,
		schemaStageRecords,
	}
}
