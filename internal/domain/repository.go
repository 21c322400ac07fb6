package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. All methods
// require a sessionID for strict per-analysis-session isolation; no
// cross-session shared mutable state exists anywhere in the pipeline.
type Repository interface {
	// Source dataset uploads
	SaveFacilityRecords(ctx context.Context, sessionID string, recs []*FacilityTestRecord) error
	ListFacilityRecords(ctx context.Context, sessionID string) ([]*FacilityTestRecord, error)
	SaveBoundaryWards(ctx context.Context, sessionID string, rows []*BoundaryWard) error
	ListBoundaryWards(ctx context.Context, sessionID string) ([]*BoundaryWard, error)
	SavePopulationRows(ctx context.Context, sessionID string, rows []*PopulationRow) error
	ListPopulationRows(ctx context.Context, sessionID string) ([]*PopulationRow, error)
	SaveCovariateRows(ctx context.Context, sessionID string, rows []*CovariateRow) error
	ListCovariateRows(ctx context.Context, sessionID string) ([]*CovariateRow, error)

	// Stage outputs, each replacing the previous run for the session
	SaveResolution(ctx context.Context, sessionID string, res *ResolutionResult) error
	GetResolution(ctx context.Context, sessionID string) (*ResolutionResult, error)
	SaveTPRResults(ctx context.Context, sessionID string, scope TPRScope, results []*WardTPRResult) error
	ListTPRResults(ctx context.Context, sessionID string, scope TPRScope) ([]*WardTPRResult, error)
	SaveRiskRankings(ctx context.Context, sessionID string, rankings []*WardRiskRanking) error
	ListRiskRankings(ctx context.Context, sessionID string) ([]*WardRiskRanking, error)
	SaveAllocationPlan(ctx context.Context, sessionID string, plan *AllocationPlan) error
	GetAllocationPlan(ctx context.Context, sessionID string, planID string) (*AllocationPlan, error)
	LatestAllocationPlan(ctx context.Context, sessionID string) (*AllocationPlan, error)

	// Quality rule configuration
	SaveQualityRule(ctx context.Context, sessionID string, rule *QualityRule) error
	ListQualityRules(ctx context.Context, sessionID string) ([]*QualityRule, error)
	DeleteQualityRule(ctx context.Context, sessionID string, ruleID string) error

	// Stage metadata records
	SaveStageRecord(ctx context.Context, sessionID string, rec *StageRecord) error
	ListStageRecords(ctx context.Context, sessionID string) ([]*StageRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
