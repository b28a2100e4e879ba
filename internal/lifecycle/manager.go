// Package lifecycle drives the rule-version state machine: create, publish,
// unpublish, update, soft delete, and rollback, plus the timeline analytics
// built on the same version set.
//
// Every mutation goes through the repository's compare-and-swap contract and
// is followed by an explicit timeline-cache invalidation; there is no
// implicit cache coherence anywhere.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clearpath-legal/kestrel/internal/domain"
	"github.com/clearpath-legal/kestrel/internal/expr"
	"github.com/clearpath-legal/kestrel/internal/timeline"
)

// timelineTTL bounds how long a cached timeline can outlive an external
// writer that bypassed this process.
const timelineTTL = 5 * time.Minute

// Manager owns rule-version lifecycle transitions.
type Manager struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	logger *slog.Logger
}

// NewManager wires a lifecycle manager. cache and bus may be nil in tests;
// every use is guarded.
func NewManager(repo domain.Repository, cache domain.Cache, bus domain.EventBus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, cache: cache, bus: bus, logger: logger}
}

// CreateVersionInput carries everything needed to create a draft version.
type CreateVersionInput struct {
	VisaTypeID           string
	EffectiveFrom        time.Time
	EffectiveTo          *time.Time
	CreatedBy            string
	Requirements         []domain.Requirement
	DocumentRequirements []domain.DocumentRequirement
}

// CreateVersion creates an unpublished version at version number 1. The
// effective window and requirement sets are validated up front; overlap with
// published versions is not checked here, only at publish time.
func (m *Manager) CreateVersion(ctx context.Context, in CreateVersionInput) (*domain.RuleVersion, error) {
	if in.VisaTypeID == "" {
		return nil, domain.Validationf("visaTypeId is required")
	}
	if in.EffectiveFrom.IsZero() {
		return nil, domain.Validationf("effectiveFrom is required")
	}
	if in.EffectiveTo != nil && !in.EffectiveFrom.Before(*in.EffectiveTo) {
		return nil, domain.Validationf("effectiveFrom must be before effectiveTo")
	}
	if err := validateRequirements(in.Requirements, in.DocumentRequirements); err != nil {
		return nil, err
	}

	if _, err := m.repo.GetVisaType(ctx, in.VisaTypeID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	v := &domain.RuleVersion{
		ID:                   uuid.New().String(),
		VisaTypeID:           in.VisaTypeID,
		EffectiveFrom:        in.EffectiveFrom,
		EffectiveTo:          in.EffectiveTo,
		VersionNumber:        1,
		CreatedBy:            in.CreatedBy,
		UpdatedBy:            in.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
		Requirements:         in.Requirements,
		DocumentRequirements: in.DocumentRequirements,
	}

	if err := m.repo.CreateRuleVersion(ctx, v); err != nil {
		return nil, err
	}

	m.logger.Info("rule version created",
		"versionId", v.ID,
		"visaTypeId", v.VisaTypeID,
		"effectiveFrom", v.EffectiveFrom)
	return v, nil
}

// UpdateVersionInput is a patch: nil fields keep their current value.
type UpdateVersionInput struct {
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
	// ClearEffectiveTo reopens the window; wins over EffectiveTo.
	ClearEffectiveTo     bool
	Requirements         []domain.Requirement
	DocumentRequirements []domain.DocumentRequirement
	UpdatedBy            string
}

// Update patches a version's window and requirement sets under the
// optimistic lock. The version number bumps on every successful write
// regardless of which fields changed.
func (m *Manager) Update(ctx context.Context, versionID string, expectedVersion int, in UpdateVersionInput) (*domain.RuleVersion, error) {
	v, err := m.repo.GetRuleVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.IsDeleted {
		return nil, &domain.NotFoundError{Entity: "rule version", ID: versionID}
	}

	if in.EffectiveFrom != nil {
		v.EffectiveFrom = *in.EffectiveFrom
	}
	if in.ClearEffectiveTo {
		v.EffectiveTo = nil
	} else if in.EffectiveTo != nil {
		v.EffectiveTo = in.EffectiveTo
	}
	if v.EffectiveTo != nil && !v.EffectiveFrom.Before(*v.EffectiveTo) {
		return nil, domain.Validationf("effectiveFrom must be before effectiveTo")
	}
	if in.Requirements != nil {
		v.Requirements = in.Requirements
	}
	if in.DocumentRequirements != nil {
		v.DocumentRequirements = in.DocumentRequirements
	}
	if err := validateRequirements(v.Requirements, v.DocumentRequirements); err != nil {
		return nil, err
	}
	v.UpdatedBy = in.UpdatedBy

	updated, err := m.repo.UpdateRuleVersion(ctx, v, expectedVersion)
	if err != nil {
		return nil, err
	}

	m.invalidateTimeline(ctx, updated.VisaTypeID)
	m.logger.Info("rule version updated",
		"versionId", updated.ID,
		"versionNumber", updated.VersionNumber)
	return updated, nil
}

// Publish flips a version to published after the repository's transactional
// overlap check, then invalidates the cached timeline and announces the
// change on the bus.
func (m *Manager) Publish(ctx context.Context, versionID string, expectedVersion int, publishedBy string) (*domain.RuleVersion, error) {
	v, err := m.repo.PublishRuleVersion(ctx, versionID, expectedVersion, publishedBy)
	if err != nil {
		return nil, err
	}

	m.invalidateTimeline(ctx, v.VisaTypeID)
	m.announce(ctx, domain.TopicVersionPublished, map[string]any{
		"versionId":     v.ID,
		"visaTypeId":    v.VisaTypeID,
		"versionNumber": v.VersionNumber,
		"publishedBy":   publishedBy,
	})

	m.logger.Info("rule version published",
		"versionId", v.ID,
		"visaTypeId", v.VisaTypeID,
		"publishedBy", publishedBy)
	return v, nil
}

// Unpublish flips a version back to draft.
func (m *Manager) Unpublish(ctx context.Context, versionID string, expectedVersion int, updatedBy string) (*domain.RuleVersion, error) {
	v, err := m.repo.UnpublishRuleVersion(ctx, versionID, expectedVersion, updatedBy)
	if err != nil {
		return nil, err
	}

	m.invalidateTimeline(ctx, v.VisaTypeID)
	m.logger.Info("rule version unpublished", "versionId", v.ID)
	return v, nil
}

// SoftDelete marks a version deleted. Terminal unless a rollback reopens it.
func (m *Manager) SoftDelete(ctx context.Context, versionID string, expectedVersion int, deletedBy string) error {
	v, err := m.repo.GetRuleVersion(ctx, versionID)
	if err != nil {
		return err
	}

	if err := m.repo.SoftDeleteRuleVersion(ctx, versionID, expectedVersion, deletedBy); err != nil {
		return err
	}

	m.invalidateTimeline(ctx, v.VisaTypeID)
	m.logger.Info("rule version deleted", "versionId", versionID, "deletedBy", deletedBy)
	return nil
}

// DetectConflicts reports the published versions whose windows collide with
// a candidate window.
func (m *Manager) DetectConflicts(ctx context.Context, visaTypeID string, from time.Time, to *time.Time, excludeVersionID string) ([]timeline.Conflict, error) {
	versions, err := m.repo.ListRuleVersions(ctx, visaTypeID, false)
	if err != nil {
		return nil, err
	}
	return timeline.DetectConflicts(versions, from, to, excludeVersionID), nil
}

// AnalyzeGaps reports published-window coverage over a date range.
func (m *Manager) AnalyzeGaps(ctx context.Context, visaTypeID string, rangeStart, rangeEnd time.Time) (*timeline.GapReport, error) {
	versions, err := m.repo.ListRuleVersions(ctx, visaTypeID, false)
	if err != nil {
		return nil, err
	}
	return timeline.AnalyzeGaps(versions, rangeStart, rangeEnd)
}

// ActiveVersion resolves which published version governs a visa type at a
// given instant, through the timeline cache when possible.
func (m *Manager) ActiveVersion(ctx context.Context, visaTypeID string, at time.Time) (*domain.RuleVersion, error) {
	if m.cache != nil {
		if tc, err := m.cache.GetTimeline(ctx, visaTypeID); err == nil && tc != nil {
			if id := tc.ActiveVersionID(at); id != "" {
				return m.repo.GetRuleVersion(ctx, id)
			}
			return nil, &domain.NotFoundError{Entity: "active rule version for visa type", ID: visaTypeID}
		}
	}

	versions, err := m.repo.ListRuleVersions(ctx, visaTypeID, false)
	if err != nil {
		return nil, err
	}

	tc := &domain.TimelineCache{VisaTypeID: visaTypeID, CachedAt: time.Now().UTC()}
	var active *domain.RuleVersion
	for _, v := range versions {
		if !v.IsPublished {
			continue
		}
		tc.Windows = append(tc.Windows, domain.CachedWindow{
			VersionID:     v.ID,
			VersionNumber: v.VersionNumber,
			EffectiveFrom: v.EffectiveFrom,
			EffectiveTo:   v.EffectiveTo,
		})
		if active == nil && v.ActiveAt(at) {
			active = v
		}
	}

	if m.cache != nil {
		if err := m.cache.SetTimeline(ctx, visaTypeID, tc, timelineTTL); err != nil {
			m.logger.Warn("failed to cache timeline", "visaTypeId", visaTypeID, "error", err)
		}
	}

	if active == nil {
		return nil, &domain.NotFoundError{Entity: "active rule version for visa type", ID: visaTypeID}
	}
	return active, nil
}

// RollbackResult reports both sides of a completed rollback.
type RollbackResult struct {
	ClosedVersion   *domain.RuleVersion `json:"closedVersion"`
	ReopenedVersion *domain.RuleVersion `json:"reopenedVersion"`
}

// RollbackTo closes the current version's window at now and reopens the
// target as the published, open-ended version. Both writes commit together
// or not at all. A soft-deleted target is restored as part of the reopen.
func (m *Manager) RollbackTo(ctx context.Context, currentVersionID, targetVersionID, rolledBackBy string) (*RollbackResult, error) {
	current, err := m.repo.GetRuleVersion(ctx, currentVersionID)
	if err != nil {
		return nil, err
	}
	target, err := m.repo.GetRuleVersion(ctx, targetVersionID)
	if err != nil {
		return nil, err
	}

	if current.VisaTypeID != target.VisaTypeID {
		return nil, domain.Validationf("versions must belong to the same visa type")
	}
	if currentVersionID == targetVersionID {
		return nil, domain.Validationf("cannot roll back a version onto itself")
	}

	now := time.Now().UTC()

	closed := *current
	closed.EffectiveTo = &now
	closed.UpdatedBy = rolledBackBy
	closed.UpdatedAt = now

	// Reopened versions become open-ended and published again; a deleted
	// target is restored. History is preserved on the closed side.
	reopened := *target
	reopened.IsDeleted = false
	reopened.DeletedAt = nil
	reopened.IsPublished = true
	reopened.EffectiveTo = nil
	reopened.PublishedBy = rolledBackBy
	reopened.PublishedAt = &now
	reopened.UpdatedBy = rolledBackBy
	reopened.UpdatedAt = now

	if err := m.repo.ApplyRollback(ctx, &closed, current.VersionNumber, &reopened, target.VersionNumber); err != nil {
		return nil, err
	}

	m.invalidateTimeline(ctx, current.VisaTypeID)
	m.announce(ctx, domain.TopicVersionRolledBack, map[string]any{
		"visaTypeId":        current.VisaTypeID,
		"closedVersionId":   closed.ID,
		"reopenedVersionId": reopened.ID,
		"rolledBackBy":      rolledBackBy,
	})

	m.logger.Info("rule version rolled back",
		"visaTypeId", current.VisaTypeID,
		"closedVersionId", closed.ID,
		"reopenedVersionId", reopened.ID)
	return &RollbackResult{ClosedVersion: &closed, ReopenedVersion: &reopened}, nil
}

func (m *Manager) invalidateTimeline(ctx context.Context, visaTypeID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.InvalidateTimeline(ctx, visaTypeID); err != nil {
		m.logger.Warn("failed to invalidate timeline cache", "visaTypeId", visaTypeID, "error", err)
	}
}

// announce publishes a lifecycle event. Event delivery is best effort; a bus
// failure never fails the mutation that already committed.
func (m *Manager) announce(ctx context.Context, topic string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, topic, data); err != nil {
		m.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// validateRequirements rejects duplicate codes and malformed condition trees
// before anything reaches the store.
func validateRequirements(reqs []domain.Requirement, docs []domain.DocumentRequirement) error {
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		if r.RequirementCode == "" {
			return domain.Validationf("requirementCode is required")
		}
		if _, dup := seen[r.RequirementCode]; dup {
			return domain.Validationf("duplicate requirementCode %q", r.RequirementCode)
		}
		seen[r.RequirementCode] = struct{}{}

		if r.ConditionExpression != nil {
			if err := expr.Validate(r.ConditionExpression); err != nil {
				return domain.Validationf("requirement %q: %v", r.RequirementCode, err)
			}
		}
	}

	seenDocs := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		if d.DocumentTypeID == "" {
			return domain.Validationf("documentTypeId is required")
		}
		if _, dup := seenDocs[d.DocumentTypeID]; dup {
			return domain.Validationf("duplicate documentTypeId %q", d.DocumentTypeID)
		}
		seenDocs[d.DocumentTypeID] = struct{}{}
	}
	return nil
}
