package domain

import "time"

// VisaType identifies a visa category within a jurisdiction.
// The (jurisdiction, code) pair is unique and immutable once created.
type VisaType struct {
	ID           string    `json:"id"`
	Jurisdiction string    `json:"jurisdiction"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RuleType classifies what a requirement governs.
type RuleType string

const (
	RuleTypeEligibility    RuleType = "eligibility"
	RuleTypeDocument       RuleType = "document"
	RuleTypeFee            RuleType = "fee"
	RuleTypeProcessingTime RuleType = "processing_time"
	RuleTypeOther          RuleType = "other"
)

// RuleVersion is one time-versioned rule set for a visa type.
//
// VersionNumber is the optimistic-lock token: it starts at 1 and is bumped
// on every successful mutation. Writers must present the number they last
// observed; a stale number is rejected with a ConflictError.
//
// The effective window [EffectiveFrom, EffectiveTo) is half-open; a nil
// EffectiveTo means the version is open-ended. Among non-deleted versions of
// one visa type, no two published windows may overlap.
type RuleVersion struct {
	ID         string `json:"id"`
	VisaTypeID string `json:"visaTypeId"`

	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`

	IsPublished   bool `json:"isPublished"`
	VersionNumber int  `json:"versionNumber"`

	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	CreatedBy   string     `json:"createdBy,omitempty"`
	UpdatedBy   string     `json:"updatedBy,omitempty"`
	PublishedBy string     `json:"publishedBy,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Requirements         []Requirement         `json:"requirements,omitempty"`
	DocumentRequirements []DocumentRequirement `json:"documentRequirements,omitempty"`
}

// Requirement is a single evaluable rule within a version.
// RequirementCode is unique within its version.
type Requirement struct {
	RequirementCode string   `json:"requirementCode"`
	RuleType        RuleType `json:"ruleType"`
	Description     string   `json:"description,omitempty"`

	// Condition tree evaluated against case facts (see internal/expr).
	ConditionExpression any `json:"conditionExpression"`

	IsMandatory bool `json:"isMandatory"`
}

// DocumentRequirement links a version to a document type the applicant must
// supply. DocumentTypeID is unique within its version; the document catalog
// itself lives outside this service.
type DocumentRequirement struct {
	DocumentTypeID   string         `json:"documentTypeId"`
	Mandatory        bool           `json:"mandatory"`
	ConditionalLogic map[string]any `json:"conditionalLogic,omitempty"`
}

// ActiveAt reports whether the version's effective window covers t.
func (v *RuleVersion) ActiveAt(t time.Time) bool {
	if t.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo == nil || t.Before(*v.EffectiveTo)
}
