// Package diff compares two rule versions requirement by requirement.
// Comparison is a best-effort analytics read: a missing version is reported
// inside the diff instead of failing the call, so a dashboard rendering the
// result never crashes on a stale ID.
package diff

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/clearpath-legal/kestrel/internal/domain"
)

// RequirementChange pairs the two sides of a modified requirement.
type RequirementChange struct {
	Code   string             `json:"code"`
	Before domain.Requirement `json:"before"`
	After  domain.Requirement `json:"after"`
}

// DocumentChange pairs the two sides of a modified document requirement.
type DocumentChange struct {
	DocumentTypeID string                     `json:"documentTypeId"`
	Before         domain.DocumentRequirement `json:"before"`
	After          domain.DocumentRequirement `json:"after"`
}

// Diff is the full comparison between version A and version B. Added means
// present only in B, removed only in A.
type Diff struct {
	VersionAID string `json:"versionAId"`
	VersionBID string `json:"versionBId"`

	AddedRequirements    []domain.Requirement `json:"addedRequirements,omitempty"`
	RemovedRequirements  []domain.Requirement `json:"removedRequirements,omitempty"`
	ModifiedRequirements []RequirementChange  `json:"modifiedRequirements,omitempty"`

	AddedDocuments    []domain.DocumentRequirement `json:"addedDocuments,omitempty"`
	RemovedDocuments  []domain.DocumentRequirement `json:"removedDocuments,omitempty"`
	ModifiedDocuments []DocumentChange             `json:"modifiedDocuments,omitempty"`

	TotalChanges int `json:"totalChanges"`

	// Error is set instead of returning a Go error when a version lookup
	// failed; all buckets are then empty.
	Error string `json:"error,omitempty"`
}

// Compare diffs two loaded versions. Requirements are keyed by
// requirementCode, document requirements by documentTypeID.
func Compare(a, b *domain.RuleVersion) *Diff {
	d := &Diff{VersionAID: a.ID, VersionBID: b.ID}

	aReqs := make(map[string]domain.Requirement, len(a.Requirements))
	for _, r := range a.Requirements {
		aReqs[r.RequirementCode] = r
	}
	bReqs := make(map[string]domain.Requirement, len(b.Requirements))
	for _, r := range b.Requirements {
		bReqs[r.RequirementCode] = r
	}

	for _, code := range sortedKeys(bReqs) {
		after := bReqs[code]
		before, ok := aReqs[code]
		if !ok {
			d.AddedRequirements = append(d.AddedRequirements, after)
			continue
		}
		if requirementChanged(before, after) {
			d.ModifiedRequirements = append(d.ModifiedRequirements, RequirementChange{
				Code: code, Before: before, After: after,
			})
		}
	}
	for _, code := range sortedKeys(aReqs) {
		if _, ok := bReqs[code]; !ok {
			d.RemovedRequirements = append(d.RemovedRequirements, aReqs[code])
		}
	}

	aDocs := make(map[string]domain.DocumentRequirement, len(a.DocumentRequirements))
	for _, doc := range a.DocumentRequirements {
		aDocs[doc.DocumentTypeID] = doc
	}
	bDocs := make(map[string]domain.DocumentRequirement, len(b.DocumentRequirements))
	for _, doc := range b.DocumentRequirements {
		bDocs[doc.DocumentTypeID] = doc
	}

	for _, id := range sortedKeys(bDocs) {
		after := bDocs[id]
		before, ok := aDocs[id]
		if !ok {
			d.AddedDocuments = append(d.AddedDocuments, after)
			continue
		}
		if documentChanged(before, after) {
			d.ModifiedDocuments = append(d.ModifiedDocuments, DocumentChange{
				DocumentTypeID: id, Before: before, After: after,
			})
		}
	}
	for _, id := range sortedKeys(aDocs) {
		if _, ok := bDocs[id]; !ok {
			d.RemovedDocuments = append(d.RemovedDocuments, aDocs[id])
		}
	}

	d.TotalChanges = len(d.AddedRequirements) + len(d.RemovedRequirements) + len(d.ModifiedRequirements) +
		len(d.AddedDocuments) + len(d.RemovedDocuments) + len(d.ModifiedDocuments)
	return d
}

func requirementChanged(before, after domain.Requirement) bool {
	if before.Description != after.Description ||
		before.IsMandatory != after.IsMandatory ||
		before.RuleType != after.RuleType {
		return true
	}
	return !jsonEqual(before.ConditionExpression, after.ConditionExpression)
}

func documentChanged(before, after domain.DocumentRequirement) bool {
	if before.Mandatory != after.Mandatory {
		return true
	}
	return !jsonEqual(before.ConditionalLogic, after.ConditionalLogic)
}

// jsonEqual compares condition trees structurally through their canonical
// JSON encoding; map key order does not matter.
func jsonEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Service loads versions from the repository and compares them.
type Service struct {
	repo domain.Repository
}

// NewService builds a comparator over the given repository.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo}
}

// Compare loads and diffs two versions by ID. Lookup failures come back
// inside the diff's Error field with empty buckets, never as a Go error.
func (s *Service) Compare(ctx context.Context, versionAID, versionBID string) *Diff {
	a, err := s.repo.GetRuleVersion(ctx, versionAID)
	if err != nil {
		return &Diff{VersionAID: versionAID, VersionBID: versionBID, Error: err.Error()}
	}
	b, err := s.repo.GetRuleVersion(ctx, versionBID)
	if err != nil {
		return &Diff{VersionAID: versionAID, VersionBID: versionBID, Error: err.Error()}
	}
	return Compare(a, b)
}
