// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clearpath-legal/kestrel/internal/domain"
	"github.com/clearpath-legal/kestrel/internal/timeline"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
//
// Every rule-version mutation is guarded by a compare-and-swap on
// version_number. Publish additionally re-checks effective-window overlap
// inside the same transaction as the CAS write, so the overlap decision and
// the version bump commit as one atomic unit.
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

// SaveVisaType stores a visa type. The (jurisdiction, code) pair is unique.
func (r *SQLRepository) SaveVisaType(ctx context.Context, vt *domain.VisaType) error {
	if vt.ID == "" {
		return domain.Validationf("visa type id is required")
	}

	query := `
		INSERT INTO visa_types (id, jurisdiction, code, name, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		vt.ID, vt.Jurisdiction, vt.Code, vt.Name, boolToInt(vt.Active), vt.CreatedAt,
	)
	return err
}

// GetVisaType retrieves a visa type by ID.
func (r *SQLRepository) GetVisaType(ctx context.Context, id string) (*domain.VisaType, error) {
	query := `
		SELECT id, jurisdiction, code, name, active, created_at
		FROM visa_types
		WHERE id = ?
	`
	return r.scanVisaType(r.db.QueryRowContext(ctx, r.rebind(query), id), id)
}

// GetVisaTypeByCode retrieves a visa type by its (jurisdiction, code) pair.
func (r *SQLRepository) GetVisaTypeByCode(ctx context.Context, jurisdiction, code string) (*domain.VisaType, error) {
	query := `
		SELECT id, jurisdiction, code, name, active, created_at
		FROM visa_types
		WHERE jurisdiction = ? AND code = ?
	`
	return r.scanVisaType(r.db.QueryRowContext(ctx, r.rebind(query), jurisdiction, code), jurisdiction+"/"+code)
}

func (r *SQLRepository) scanVisaType(row *sql.Row, id string) (*domain.VisaType, error) {
	var vt domain.VisaType
	var active int

	err := row.Scan(&vt.ID, &vt.Jurisdiction, &vt.Code, &vt.Name, &active, &vt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "visa type", ID: id}
	}
	if err != nil {
		return nil, err
	}

	vt.Active = active == 1
	return &vt, nil
}

// ListVisaTypes retrieves all visa types ordered by jurisdiction and code.
func (r *SQLRepository) ListVisaTypes(ctx context.Context) ([]*domain.VisaType, error) {
	query := `
		SELECT id, jurisdiction, code, name, active, created_at
		FROM visa_types
		ORDER BY jurisdiction, code
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []*domain.VisaType
	for rows.Next() {
		var vt domain.VisaType
		var active int
		if err := rows.Scan(&vt.ID, &vt.Jurisdiction, &vt.Code, &vt.Name, &active, &vt.CreatedAt); err != nil {
			return nil, err
		}
		vt.Active = active == 1
		types = append(types, &vt)
	}

	return types, rows.Err()
}

const ruleVersionColumns = `id, visa_type_id, effective_from, effective_to,
	   is_published, version_number, is_deleted, deleted_at,
	   created_by, updated_by, published_by, published_at,
	   created_at, updated_at, requirements, document_requirements`

// CreateRuleVersion inserts a fresh version at version_number 1.
func (r *SQLRepository) CreateRuleVersion(ctx context.Context, v *domain.RuleVersion) error {
	if v.ID == "" || v.VisaTypeID == "" {
		return domain.Validationf("rule version id and visa type id are required")
	}

	reqs, err := json.Marshal(v.Requirements)
	if err != nil {
		return fmt.Errorf("failed to encode requirements: %w", err)
	}
	docs, err := json.Marshal(v.DocumentRequirements)
	if err != nil {
		return fmt.Errorf("failed to encode document requirements: %w", err)
	}

	query := `
		INSERT INTO rule_versions (
			id, visa_type_id, effective_from, effective_to,
			is_published, version_number, is_deleted,
			created_by, updated_by, created_at, updated_at,
			requirements, document_requirements
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.VisaTypeID, v.EffectiveFrom, nullTime(v.EffectiveTo),
		boolToInt(v.IsPublished), v.VersionNumber, boolToInt(v.IsDeleted),
		v.CreatedBy, v.UpdatedBy, v.CreatedAt, v.UpdatedAt,
		string(reqs), string(docs),
	)
	return err
}

// GetRuleVersion retrieves a rule version by ID, soft-deleted included.
func (r *SQLRepository) GetRuleVersion(ctx context.Context, id string) (*domain.RuleVersion, error) {
	query := `SELECT ` + ruleVersionColumns + ` FROM rule_versions WHERE id = ?`
	v, err := scanRuleVersion(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "rule version", ID: id}
	}
	return v, err
}

// ListRuleVersions retrieves all versions of a visa type in effective-window
// order. Soft-deleted versions are skipped unless includeDeleted is set.
func (r *SQLRepository) ListRuleVersions(ctx context.Context, visaTypeID string, includeDeleted bool) ([]*domain.RuleVersion, error) {
	query := `SELECT ` + ruleVersionColumns + ` FROM rule_versions WHERE visa_type_id = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	query += ` ORDER BY effective_from, created_at`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), visaTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*domain.RuleVersion
	for rows.Next() {
		v, err := scanRuleVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}

	return versions, rows.Err()
}

// UpdateRuleVersion writes the mutable fields and requirement sets of a
// version under CAS. The stored version number becomes expectedVersion+1.
func (r *SQLRepository) UpdateRuleVersion(ctx context.Context, v *domain.RuleVersion, expectedVersion int) (*domain.RuleVersion, error) {
	tx, err := r.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	updated := *v
	updated.VersionNumber = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()

	if err := r.casWrite(ctx, tx, &updated, expectedVersion); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

// PublishRuleVersion flips a version to published. The overlap check against
// the visa type's other published versions and the CAS bump run in one
// transaction; concurrent publishes of colliding windows cannot both commit.
func (r *SQLRepository) PublishRuleVersion(ctx context.Context, id string, expectedVersion int, publishedBy string) (*domain.RuleVersion, error) {
	tx, err := r.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	v, err := r.getVersionTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if v.IsDeleted {
		return nil, &domain.NotFoundError{Entity: "rule version", ID: id}
	}

	siblings, err := r.listVersionsTx(ctx, tx, v.VisaTypeID)
	if err != nil {
		return nil, err
	}
	conflicts := timeline.DetectConflicts(siblings, v.EffectiveFrom, v.EffectiveTo, v.ID)
	if len(conflicts) > 0 {
		ids := make([]string, len(conflicts))
		for i, c := range conflicts {
			ids[i] = c.VersionID
		}
		return nil, &domain.ConflictError{
			Msg:                   "cannot publish: effective window overlaps published versions",
			ConflictingVersionIDs: ids,
		}
	}

	now := time.Now().UTC()
	v.IsPublished = true
	v.PublishedBy = publishedBy
	v.PublishedAt = &now
	v.UpdatedBy = publishedBy
	v.UpdatedAt = now
	v.VersionNumber = expectedVersion + 1

	if err := r.casWrite(ctx, tx, v, expectedVersion); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

// UnpublishRuleVersion flips a version back to unpublished under CAS.
func (r *SQLRepository) UnpublishRuleVersion(ctx context.Context, id string, expectedVersion int, updatedBy string) (*domain.RuleVersion, error) {
	tx, err := r.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	v, err := r.getVersionTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if v.IsDeleted {
		return nil, &domain.NotFoundError{Entity: "rule version", ID: id}
	}

	v.IsPublished = false
	v.PublishedBy = ""
	v.PublishedAt = nil
	v.UpdatedBy = updatedBy
	v.UpdatedAt = time.Now().UTC()
	v.VersionNumber = expectedVersion + 1

	if err := r.casWrite(ctx, tx, v, expectedVersion); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

// SoftDeleteRuleVersion marks a version deleted and stamps deleted_at. The
// optimistic lock is checked but the version number is not bumped.
func (r *SQLRepository) SoftDeleteRuleVersion(ctx context.Context, id string, expectedVersion int, deletedBy string) error {
	now := time.Now().UTC()

	query := `
		UPDATE rule_versions
		SET is_deleted = 1, deleted_at = ?, updated_by = ?, updated_at = ?
		WHERE id = ? AND version_number = ? AND is_deleted = 0
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), now, deletedBy, now, id, expectedVersion)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return r.explainMiss(ctx, r.db, id, expectedVersion)
	}
	return nil
}

// ApplyRollback writes the closed current version and the reopened target in
// one transaction. If either CAS loses its race, nothing is committed.
func (r *SQLRepository) ApplyRollback(ctx context.Context, closed *domain.RuleVersion, closedExpected int, reopened *domain.RuleVersion, reopenedExpected int) error {
	tx, err := r.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	closed.VersionNumber = closedExpected + 1
	if err := r.casWrite(ctx, tx, closed, closedExpected); err != nil {
		return err
	}

	reopened.VersionNumber = reopenedExpected + 1
	if err := r.casWrite(ctx, tx, reopened, reopenedExpected); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveEvaluation stores an evaluation audit record.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	missing, _ := json.Marshal(eval.MissingFacts)
	outcomes, _ := json.Marshal(eval.RequirementOutcomes)
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, case_id, visa_type_id, rule_version_id,
			outcome, confidence, requirements_passed, requirements_total,
			missing_facts, requirement_outcomes, conflict, escalated,
			timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.CaseID, eval.VisaTypeID, eval.RuleVersionID,
		string(eval.Outcome), eval.Confidence, eval.RequirementsPassed, eval.RequirementsTotal,
		string(missing), string(outcomes), boolToInt(eval.Conflict), boolToInt(eval.Escalated),
		eval.Timestamp, string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation audit record by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, id string) (*domain.Evaluation, error) {
	query := `
		SELECT id, case_id, visa_type_id, rule_version_id,
			   outcome, confidence, requirements_passed, requirements_total,
			   missing_facts, requirement_outcomes, conflict, escalated,
			   timestamp, metadata
		FROM evaluations
		WHERE id = ?
	`

	var eval domain.Evaluation
	var missing, outcomes, metadata sql.NullString
	var conflict, escalated int

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&eval.ID, &eval.CaseID, &eval.VisaTypeID, &eval.RuleVersionID,
		&eval.Outcome, &eval.Confidence, &eval.RequirementsPassed, &eval.RequirementsTotal,
		&missing, &outcomes, &conflict, &escalated,
		&eval.Timestamp, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "evaluation", ID: id}
	}
	if err != nil {
		return nil, err
	}

	eval.Conflict = conflict == 1
	eval.Escalated = escalated == 1
	if missing.String != "" {
		json.Unmarshal([]byte(missing.String), &eval.MissingFacts)
	}
	if outcomes.String != "" {
		json.Unmarshal([]byte(outcomes.String), &eval.RequirementOutcomes)
	}
	if metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &eval.Metadata)
	}

	return &eval, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// beginTx starts a transaction. On PostgreSQL the publish path needs
// serializable isolation so two publishes cannot both observe a
// conflict-free timeline; SQLite in WAL mode has a single writer already.
func (r *SQLRepository) beginTx(ctx context.Context) (*sql.Tx, error) {
	if r.driver == "postgres" {
		return r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	return r.db.BeginTx(ctx, nil)
}

// casWrite persists the full mutable state of a version, guarded by the
// optimistic lock. v.VersionNumber must already hold expected+1.
func (r *SQLRepository) casWrite(ctx context.Context, tx *sql.Tx, v *domain.RuleVersion, expected int) error {
	reqs, err := json.Marshal(v.Requirements)
	if err != nil {
		return fmt.Errorf("failed to encode requirements: %w", err)
	}
	docs, err := json.Marshal(v.DocumentRequirements)
	if err != nil {
		return fmt.Errorf("failed to encode document requirements: %w", err)
	}

	query := `
		UPDATE rule_versions
		SET effective_from = ?, effective_to = ?,
			is_published = ?, version_number = ?,
			is_deleted = ?, deleted_at = ?,
			updated_by = ?, published_by = ?, published_at = ?,
			updated_at = ?, requirements = ?, document_requirements = ?
		WHERE id = ? AND version_number = ?
	`

	result, err := tx.ExecContext(ctx, r.rebind(query),
		v.EffectiveFrom, nullTime(v.EffectiveTo),
		boolToInt(v.IsPublished), v.VersionNumber,
		boolToInt(v.IsDeleted), nullTime(v.DeletedAt),
		v.UpdatedBy, v.PublishedBy, nullTime(v.PublishedAt),
		v.UpdatedAt, string(reqs), string(docs),
		v.ID, expected,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return r.explainMiss(ctx, tx, v.ID, expected)
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx for reads.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// explainMiss turns a zero-row CAS update into the right error: NotFound if
// the row does not exist, otherwise a ConflictError carrying the stored
// version number.
func (r *SQLRepository) explainMiss(ctx context.Context, q querier, id string, expected int) error {
	var actual int
	query := `SELECT version_number FROM rule_versions WHERE id = ?`
	err := q.QueryRowContext(ctx, r.rebind(query), id).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Entity: "rule version", ID: id}
	}
	if err != nil {
		return err
	}
	return &domain.ConflictError{
		Msg:             "rule version " + id + " was modified concurrently",
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

func (r *SQLRepository) getVersionTx(ctx context.Context, tx *sql.Tx, id string) (*domain.RuleVersion, error) {
	query := `SELECT ` + ruleVersionColumns + ` FROM rule_versions WHERE id = ?`
	v, err := scanRuleVersion(tx.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "rule version", ID: id}
	}
	return v, err
}

func (r *SQLRepository) listVersionsTx(ctx context.Context, tx *sql.Tx, visaTypeID string) ([]*domain.RuleVersion, error) {
	query := `SELECT ` + ruleVersionColumns + ` FROM rule_versions WHERE visa_type_id = ? AND is_deleted = 0`

	rows, err := tx.QueryContext(ctx, r.rebind(query), visaTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*domain.RuleVersion
	for rows.Next() {
		v, err := scanRuleVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRuleVersion(s scanner) (*domain.RuleVersion, error) {
	var v domain.RuleVersion
	var effectiveTo, deletedAt, publishedAt sql.NullTime
	var isPublished, isDeleted int
	var createdBy, updatedBy, publishedBy sql.NullString
	var reqs, docs string

	err := s.Scan(
		&v.ID, &v.VisaTypeID, &v.EffectiveFrom, &effectiveTo,
		&isPublished, &v.VersionNumber, &isDeleted, &deletedAt,
		&createdBy, &updatedBy, &publishedBy, &publishedAt,
		&v.CreatedAt, &v.UpdatedAt, &reqs, &docs,
	)
	if err != nil {
		return nil, err
	}

	if effectiveTo.Valid {
		t := effectiveTo.Time
		v.EffectiveTo = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		v.DeletedAt = &t
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		v.PublishedAt = &t
	}
	v.IsPublished = isPublished == 1
	v.IsDeleted = isDeleted == 1
	v.CreatedBy = createdBy.String
	v.UpdatedBy = updatedBy.String
	v.PublishedBy = publishedBy.String

	if err := json.Unmarshal([]byte(reqs), &v.Requirements); err != nil {
		return nil, fmt.Errorf("failed to parse requirements for %s: %w", v.ID, err)
	}
	if err := json.Unmarshal([]byte(docs), &v.DocumentRequirements); err != nil {
		return nil, fmt.Errorf("failed to parse document requirements for %s: %w", v.ID, err)
	}

	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
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
