// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-health/wardwatch/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
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

func requireSession(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: sessionID is required", ErrInvalidInput)
	}
	return nil
}

// SaveFacilityRecords upserts a batch of facility test records.
func (r *SQLRepository) SaveFacilityRecords(ctx context.Context, sessionID string, recs []*domain.FacilityTestRecord) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := r.rebind(`
		INSERT INTO facility_records (
			id, session_id, upload_id, state, lga, ward, ward_code,
			facility, level, urban, period, latitude, longitude,
			tests, attendance, nets_distributed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, session_id) DO UPDATE SET
			upload_id = excluded.upload_id,
			state = excluded.state,
			lga = excluded.lga,
			ward = excluded.ward,
			ward_code = excluded.ward_code,
			facility = excluded.facility,
			level = excluded.level,
			urban = excluded.urban,
			period = excluded.period,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			tests = excluded.tests,
			attendance = excluded.attendance,
			nets_distributed = excluded.nets_distributed
	`)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		tests, _ := json.Marshal(rec.Tests)
		if _, err := stmt.ExecContext(ctx,
			rec.ID, sessionID, rec.UploadID,
			rec.State, rec.LGA, rec.Ward, rec.WardCode,
			rec.Facility, string(rec.Level), boolToInt(rec.Urban), rec.Period,
			rec.Latitude, rec.Longitude,
			string(tests), rec.Attendance, rec.NetsDistributed,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListFacilityRecords retrieves all facility records for a session.
func (r *SQLRepository) ListFacilityRecords(ctx context.Context, sessionID string) ([]*domain.FacilityTestRecord, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, upload_id, state, lga, ward, ward_code,
			   facility, level, urban, period, latitude, longitude,
			   tests, attendance, nets_distributed
		FROM facility_records
		WHERE session_id = ?
		ORDER BY state, lga, ward, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*domain.FacilityTestRecord
	for rows.Next() {
		var rec domain.FacilityTestRecord
		var uploadID, wardCode sql.NullString
		var urban int
		var lat, lon sql.NullFloat64
		var tests string
		var attendance, nets sql.NullInt64

		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &uploadID,
			&rec.State, &rec.LGA, &rec.Ward, &wardCode,
			&rec.Facility, &rec.Level, &urban, &rec.Period,
			&lat, &lon, &tests, &attendance, &nets,
		); err != nil {
			return nil, err
		}

		rec.UploadID = uploadID.String
		rec.WardCode = wardCode.String
		rec.Urban = urban == 1
		rec.Latitude = nullFloat(lat)
		rec.Longitude = nullFloat(lon)
		rec.Attendance = nullInt(attendance)
		rec.NetsDistributed = nullInt(nets)
		if tests != "" {
			json.Unmarshal([]byte(tests), &rec.Tests)
		}
		recs = append(recs, &rec)
	}

	return recs, rows.Err()
}

// SaveBoundaryWards replaces the session's boundary reference set.
func (r *SQLRepository) SaveBoundaryWards(ctx context.Context, sessionID string, wards []*domain.BoundaryWard) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM boundary_wards WHERE session_id = ?`), sessionID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO boundary_wards (session_id, state, lga, name, code, centroid_lat, centroid_lon)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, w := range wards {
		if _, err := stmt.ExecContext(ctx, sessionID, w.State, w.LGA, w.Name, w.Code, w.CentroidLat, w.CentroidLon); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListBoundaryWards retrieves the session's boundary reference set.
func (r *SQLRepository) ListBoundaryWards(ctx context.Context, sessionID string) ([]*domain.BoundaryWard, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT session_id, state, lga, name, code, centroid_lat, centroid_lon
		FROM boundary_wards
		WHERE session_id = ?
		ORDER BY state, lga, name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wards []*domain.BoundaryWard
	for rows.Next() {
		var w domain.BoundaryWard
		var code sql.NullString
		if err := rows.Scan(&w.SessionID, &w.State, &w.LGA, &w.Name, &code, &w.CentroidLat, &w.CentroidLon); err != nil {
			return nil, err
		}
		w.Code = code.String
		wards = append(wards, &w)
	}

	return wards, rows.Err()
}

// SavePopulationRows replaces the session's population table.
func (r *SQLRepository) SavePopulationRows(ctx context.Context, sessionID string, popRows []*domain.PopulationRow) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM population_rows WHERE session_id = ?`), sessionID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO population_rows (session_id, state, lga, ward, ward_code, population)
		VALUES (?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range popRows {
		if _, err := stmt.ExecContext(ctx, sessionID, p.State, p.LGA, p.Ward, p.WardCode, p.Population); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListPopulationRows retrieves the session's population table.
func (r *SQLRepository) ListPopulationRows(ctx context.Context, sessionID string) ([]*domain.PopulationRow, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT session_id, state, lga, ward, ward_code, population
		FROM population_rows
		WHERE session_id = ?
		ORDER BY state, lga, ward
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PopulationRow
	for rows.Next() {
		var p domain.PopulationRow
		var code sql.NullString
		if err := rows.Scan(&p.SessionID, &p.State, &p.LGA, &p.Ward, &code, &p.Population); err != nil {
			return nil, err
		}
		p.WardCode = code.String
		out = append(out, &p)
	}

	return out, rows.Err()
}

// SaveCovariateRows replaces the session's covariate table.
func (r *SQLRepository) SaveCovariateRows(ctx context.Context, sessionID string, covRows []*domain.CovariateRow) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM covariate_rows WHERE session_id = ?`), sessionID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO covariate_rows (session_id, state, lga, ward, ward_code, vals)
		VALUES (?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range covRows {
		vals, _ := json.Marshal(c.Values)
		if _, err := stmt.ExecContext(ctx, sessionID, c.State, c.LGA, c.Ward, c.WardCode, string(vals)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListCovariateRows retrieves the session's covariate table.
func (r *SQLRepository) ListCovariateRows(ctx context.Context, sessionID string) ([]*domain.CovariateRow, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT session_id, state, lga, ward, ward_code, vals
		FROM covariate_rows
		WHERE session_id = ?
		ORDER BY state, lga, ward
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CovariateRow
	for rows.Next() {
		var c domain.CovariateRow
		var code sql.NullString
		var vals string
		if err := rows.Scan(&c.SessionID, &c.State, &c.LGA, &c.Ward, &code, &vals); err != nil {
			return nil, err
		}
		c.WardCode = code.String
		if vals != "" {
			json.Unmarshal([]byte(vals), &c.Values)
		}
		out = append(out, &c)
	}

	return out, rows.Err()
}

// SaveResolution stores the session's ward resolution, replacing any
// previous run.
func (r *SQLRepository) SaveResolution(ctx context.Context, sessionID string, res *domain.ResolutionResult) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	wards, _ := json.Marshal(res.Wards)
	mappings, _ := json.Marshal(res.Mappings)

	query := `
		INSERT INTO ward_resolutions (session_id, wards, mappings, coverage_pct, review_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			wards = excluded.wards,
			mappings = excluded.mappings,
			coverage_pct = excluded.coverage_pct,
			review_count = excluded.review_count,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		sessionID, string(wards), string(mappings),
		res.CoveragePct, res.ReviewCount, time.Now().UTC(),
	)
	return err
}

// GetResolution retrieves the session's ward resolution.
func (r *SQLRepository) GetResolution(ctx context.Context, sessionID string) (*domain.ResolutionResult, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT session_id, wards, mappings, coverage_pct, review_count
		FROM ward_resolutions
		WHERE session_id = ?
	`

	var res domain.ResolutionResult
	var wards, mappings string

	err := r.db.QueryRowContext(ctx, r.rebind(query), sessionID).Scan(
		&res.SessionID, &wards, &mappings, &res.CoveragePct, &res.ReviewCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(wards), &res.Wards)
	json.Unmarshal([]byte(mappings), &res.Mappings)
	return &res, nil
}

// SaveTPRResults replaces the session's TPR results for one scope.
func (r *SQLRepository) SaveTPRResults(ctx context.Context, sessionID string, scope domain.TPRScope, results []*domain.WardTPRResult) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM tpr_results WHERE session_id = ? AND scope = ?`), sessionID, string(scope)); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO tpr_results (
			session_id, scope, ward_key, method, tested, positive,
			tpr, ci_low, ci_high, rdt_tpr, micro_tpr,
			facility_count, excluded_facilities, completeness_pct, flags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, res := range results {
		flags, _ := json.Marshal(res.Flags)
		if _, err := stmt.ExecContext(ctx,
			sessionID, string(scope), res.WardKey, string(res.Method),
			res.Tested, res.Positive,
			res.TPR, res.CILow, res.CIHigh, res.RDTTPR, res.MicroTPR,
			res.FacilityCount, res.ExcludedFacilities, res.CompletenessPct,
			string(flags),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListTPRResults retrieves the session's TPR results for one scope.
func (r *SQLRepository) ListTPRResults(ctx context.Context, sessionID string, scope domain.TPRScope) ([]*domain.WardTPRResult, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT session_id, scope, ward_key, method, tested, positive,
			   tpr, ci_low, ci_high, rdt_tpr, micro_tpr,
			   facility_count, excluded_facilities, completeness_pct, flags
		FROM tpr_results
		WHERE session_id = ? AND scope = ?
		ORDER BY ward_key
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID, string(scope))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.WardTPRResult
	for rows.Next() {
		var res domain.WardTPRResult
		var tpr, ciLow, ciHigh, rdt, micro sql.NullFloat64
		var flags sql.NullString

		if err := rows.Scan(
			&res.SessionID, &res.Scope, &res.WardKey, &res.Method,
			&res.Tested, &res.Positive,
			&tpr, &ciLow, &ciHigh, &rdt, &micro,
			&res.FacilityCount, &res.ExcludedFacilities, &res.CompletenessPct,
			&flags,
		); err != nil {
			return nil, err
		}

		res.TPR = nullFloat(tpr)
		res.CILow = nullFloat(ciLow)
		res.CIHigh = nullFloat(ciHigh)
		res.RDTTPR = nullFloat(rdt)
		res.MicroTPR = nullFloat(micro)
		if flags.String != "" {
			json.Unmarshal([]byte(flags.String), &res.Flags)
		}
		results = append(results, &res)
	}

	return results, rows.Err()
}

// SaveRiskRankings replaces the session's risk ranking.
func (r *SQLRepository) SaveRiskRankings(ctx context.Context, sessionID string, rankings []*domain.WardRiskRanking) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM risk_rankings WHERE session_id = ?`), sessionID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO risk_rankings (
			session_id, ward_key, composite_score, pca_score,
			rank, pca_rank, rank_delta, bucket, pca_bucket
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rk := range rankings {
		if _, err := stmt.ExecContext(ctx,
			sessionID, rk.WardKey, rk.CompositeScore, rk.PCAScore,
			rk.Rank, rk.PCARank, rk.RankDelta, string(rk.Bucket), string(rk.PCABucket),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRiskRankings retrieves the session's risk ranking in rank order.
func (r *SQLRepository) ListRiskRankings(ctx context.Context, sessionID string) ([]*domain.WardRiskRanking, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT session_id, ward_key, composite_score, pca_score,
			   rank, pca_rank, rank_delta, bucket, pca_bucket
		FROM risk_rankings
		WHERE session_id = ?
		ORDER BY rank
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rankings []*domain.WardRiskRanking
	for rows.Next() {
		var rk domain.WardRiskRanking
		if err := rows.Scan(
			&rk.SessionID, &rk.WardKey, &rk.CompositeScore, &rk.PCAScore,
			&rk.Rank, &rk.PCARank, &rk.RankDelta, &rk.Bucket, &rk.PCABucket,
		); err != nil {
			return nil, err
		}
		rankings = append(rankings, &rk)
	}

	return rankings, rows.Err()
}

// SaveAllocationPlan stores an allocation plan. Plans accumulate; each
// run is a new plan.
func (r *SQLRepository) SaveAllocationPlan(ctx context.Context, sessionID string, plan *domain.AllocationPlan) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	wards, _ := json.Marshal(plan.Wards)
	unresolved, _ := json.Marshal(plan.UnresolvedWards)

	query := `
		INSERT INTO allocation_plans (
			id, session_id, total_stock, household_size,
			allocated_total, required_total, overall_coverage_pct,
			wards, unresolved_wards, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		plan.ID, sessionID, plan.TotalStock, plan.HouseholdSize,
		plan.AllocatedTotal, plan.RequiredTotal, plan.OverallCoveragePct,
		string(wards), string(unresolved), plan.CreatedAt,
	)
	return err
}

// GetAllocationPlan retrieves one allocation plan by ID.
func (r *SQLRepository) GetAllocationPlan(ctx context.Context, sessionID string, planID string) (*domain.AllocationPlan, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, total_stock, household_size,
			   allocated_total, required_total, overall_coverage_pct,
			   wards, unresolved_wards, created_at
		FROM allocation_plans
		WHERE session_id = ? AND id = ?
	`
	return r.scanPlan(r.db.QueryRowContext(ctx, r.rebind(query), sessionID, planID))
}

// LatestAllocationPlan retrieves the most recent plan for a session.
func (r *SQLRepository) LatestAllocationPlan(ctx context.Context, sessionID string) (*domain.AllocationPlan, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, total_stock, household_size,
			   allocated_total, required_total, overall_coverage_pct,
			   wards, unresolved_wards, created_at
		FROM allocation_plans
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanPlan(r.db.QueryRowContext(ctx, r.rebind(query), sessionID))
}

func (r *SQLRepository) scanPlan(row *sql.Row) (*domain.AllocationPlan, error) {
	var plan domain.AllocationPlan
	var wards string
	var unresolved sql.NullString

	err := row.Scan(
		&plan.ID, &plan.SessionID, &plan.TotalStock, &plan.HouseholdSize,
		&plan.AllocatedTotal, &plan.RequiredTotal, &plan.OverallCoveragePct,
		&wards, &unresolved, &plan.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(wards), &plan.Wards)
	if unresolved.String != "" {
		json.Unmarshal([]byte(unresolved.String), &plan.UnresolvedWards)
	}
	return &plan, nil
}

// SaveQualityRule upserts a quality rule.
func (r *SQLRepository) SaveQualityRule(ctx context.Context, sessionID string, rule *domain.QualityRule) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO quality_rules (
			id, session_id, name, description, version, expression,
			severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, session_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, sessionID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(rule.Severity),
		boolToInt(rule.Enabled), now, now,
	)
	return err
}

// ListQualityRules retrieves the session's active quality rules.
func (r *SQLRepository) ListQualityRules(ctx context.Context, sessionID string) ([]*domain.QualityRule, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, name, description, version, expression,
			   severity, enabled, created_at, updated_at
		FROM quality_rules
		WHERE session_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.QualityRule
	for rows.Next() {
		var rule domain.QualityRule
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.SessionID, &rule.Name, &description,
			&rule.Version, &rule.Expression, &rule.Severity, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// DeleteQualityRule soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteQualityRule(ctx context.Context, sessionID string, ruleID string) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	query := `
		UPDATE quality_rules
		SET enabled = 0, updated_at = ?
		WHERE session_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), sessionID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveStageRecord appends one stage metadata record.
func (r *SQLRepository) SaveStageRecord(ctx context.Context, sessionID string, rec *domain.StageRecord) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}

	query := `
		INSERT INTO stage_records (
			id, session_id, stage, method, params,
			coverage_pct, completeness_pct, row_count, duration_ms, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, sessionID, string(rec.Stage), rec.Method, rec.Params,
		rec.CoveragePct, rec.CompletenessPct, rec.RowCount, rec.DurationMs,
		rec.Timestamp,
	)
	return err
}

// ListStageRecords retrieves the session's stage history, oldest first.
func (r *SQLRepository) ListStageRecords(ctx context.Context, sessionID string) ([]*domain.StageRecord, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, stage, method, params,
			   coverage_pct, completeness_pct, row_count, duration_ms, timestamp
		FROM stage_records
		WHERE session_id = ?
		ORDER BY timestamp
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*domain.StageRecord
	for rows.Next() {
		var rec domain.StageRecord
		var params sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.Stage, &rec.Method, &params,
			&rec.CoveragePct, &rec.CompletenessPct, &rec.RowCount, &rec.DurationMs,
			&rec.Timestamp,
		); err != nil {
			return nil, err
		}
		rec.Params = params.String
		recs = append(recs, &rec)
	}

	return recs, rows.Err()
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
