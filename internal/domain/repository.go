// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
//
// Every mutation of a RuleVersion is a compare-and-swap: the caller supplies
// the version number it last observed and the store applies the write only if
// the stored number still matches, bumping it in the same atomic step. On a
// stale number the write is rejected with a ConflictError and no state
// changes.
type Repository interface {
	// Visa type operations
	SaveVisaType(ctx context.Context, vt *VisaType) error
	GetVisaType(ctx context.Context, id string) (*VisaType, error)
	GetVisaTypeByCode(ctx context.Context, jurisdiction, code string) (*VisaType, error)
	ListVisaTypes(ctx context.Context) ([]*VisaType, error)

	// Rule version operations
	CreateRuleVersion(ctx context.Context, v *RuleVersion) error
	GetRuleVersion(ctx context.Context, id string) (*RuleVersion, error)
	ListRuleVersions(ctx context.Context, visaTypeID string, includeDeleted bool) ([]*RuleVersion, error)

	// UpdateRuleVersion writes the version's mutable fields and replaces its
	// requirements under CAS. On success the stored version number becomes
	// expectedVersion+1 and the updated record is returned.
	UpdateRuleVersion(ctx context.Context, v *RuleVersion, expectedVersion int) (*RuleVersion, error)

	// PublishRuleVersion flips the version to published. The overlap check
	// against all other published, non-deleted versions of the same visa
	// type runs inside the same transaction as the CAS bump, so two
	// concurrent publishes of overlapping windows cannot both commit.
	PublishRuleVersion(ctx context.Context, id string, expectedVersion int, publishedBy string) (*RuleVersion, error)

	// UnpublishRuleVersion flips the version back to unpublished under CAS.
	UnpublishRuleVersion(ctx context.Context, id string, expectedVersion int, updatedBy string) (*RuleVersion, error)

	// SoftDeleteRuleVersion marks the version deleted and stamps deletedAt.
	// It checks the lock but does not renumber.
	SoftDeleteRuleVersion(ctx context.Context, id string, expectedVersion int, deletedBy string) error

	// ApplyRollback writes both sides of a rollback — the closed current
	// version and the reopened target — in one transaction. If either CAS
	// loses its race the whole transaction rolls back.
	ApplyRollback(ctx context.Context, closed *RuleVersion, closedExpected int, reopened *RuleVersion, reopenedExpected int) error

	// Evaluation audit records
	SaveEvaluation(ctx context.Context, eval *Evaluation) error
	GetEvaluation(ctx context.Context, id string) (*Evaluation, error)

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
