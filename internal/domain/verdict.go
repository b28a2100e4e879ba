package domain

import (
	"time"
)

// RequirementState is the tri-state result of evaluating one requirement.
type RequirementState string

const (
	// StateSatisfied means the condition evaluated to true.
	StateSatisfied RequirementState = "satisfied"

	// StateUnsatisfied means the condition evaluated to a non-true value,
	// or a missing fact was the deciding factor. Missing data is never
	// allowed to produce a satisfied requirement.
	StateUnsatisfied RequirementState = "unsatisfied"

	// StateIndeterminate means the condition could not be evaluated at all
	// (malformed tree, incomparable operands).
	StateIndeterminate RequirementState = "indeterminate"
)

// RequirementOutcome is the evaluation result for a single requirement.
type RequirementOutcome struct {
	RequirementCode string           `json:"requirementCode"`
	RuleType        RuleType         `json:"ruleType"`
	IsMandatory     bool             `json:"isMandatory"`
	State           RequirementState `json:"state"`
	MissingFacts    []string         `json:"missingFacts,omitempty"`
	Detail          string           `json:"detail,omitempty"`
}

// Satisfied reports whether the requirement passed.
func (o RequirementOutcome) Satisfied() bool {
	return o.State == StateSatisfied
}

// VerdictOutcome is the case-level eligibility result.
type VerdictOutcome string

const (
	OutcomeEligible       VerdictOutcome = "eligible"
	OutcomeNotEligible    VerdictOutcome = "not_eligible"
	OutcomeRequiresReview VerdictOutcome = "requires_review"
)

// Verdict aggregates all requirement outcomes for a rule version into one
// case-level eligibility result. Confidence is always within [0, 1].
type Verdict struct {
	Outcome             VerdictOutcome       `json:"outcome"`
	Confidence          float64              `json:"confidence"`
	RequirementsPassed  int                  `json:"requirementsPassed"`
	RequirementsTotal   int                  `json:"requirementsTotal"`
	MissingFacts        []string             `json:"missingFacts,omitempty"`
	RequirementOutcomes []RequirementOutcome `json:"requirementOutcomes,omitempty"`
}

// AIVerdict is the opaque result of the external AI-reasoning collaborator.
// This core never inspects how it was produced.
type AIVerdict struct {
	Outcome          VerdictOutcome `json:"outcome"`
	Confidence       float64        `json:"confidence"`
	ReasoningSummary string         `json:"reasoningSummary,omitempty"`
}

// Decision reconciles the rule-engine verdict with the AI verdict for a case.
type Decision struct {
	CaseID     string `json:"caseId"`
	VisaTypeID string `json:"visaTypeId"`

	RuleVerdict Verdict    `json:"ruleVerdict"`
	AIVerdict   *AIVerdict `json:"aiVerdict,omitempty"`

	// Conflict is set when the rule engine and the AI reasoning reach
	// opposite eligible / not_eligible outcomes.
	Conflict bool `json:"conflict"`

	Escalated        bool   `json:"escalated"`
	EscalationReason string `json:"escalationReason,omitempty"`

	DecidedAt time.Time `json:"decidedAt"`
}

// EscalationRequest is handed to the external human-review collaborator.
type EscalationRequest struct {
	CaseID     string `json:"caseId"`
	VisaTypeID string `json:"visaTypeId"`
	Reason     string `json:"reason"`
}

// Evaluation is the persisted audit record of one case evaluation.
type Evaluation struct {
	ID            string `json:"id"`
	CaseID        string `json:"caseId"`
	VisaTypeID    string `json:"visaTypeId"`
	RuleVersionID string `json:"ruleVersionId"`

	Outcome             VerdictOutcome       `json:"outcome"`
	Confidence          float64              `json:"confidence"`
	RequirementsPassed  int                  `json:"requirementsPassed"`
	RequirementsTotal   int                  `json:"requirementsTotal"`
	MissingFacts        []string             `json:"missingFacts,omitempty"`
	RequirementOutcomes []RequirementOutcome `json:"requirementOutcomes,omitempty"`

	Conflict  bool `json:"conflict"`
	Escalated bool `json:"escalated"`

	Timestamp time.Time          `json:"timestamp"`
	Metadata  EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID               string `json:"traceId"`
	EvalMs                int64  `json:"evalMs"`
	TotalMs               int64  `json:"totalMs"`
	RequirementsEvaluated int    `json:"requirementsEvaluated"`
	EngineVersion         string `json:"engineVersion"`
}
