// Package confidence scores how trustworthy a single extracted rule is,
// from structural and textual signals. Scores feed auto-escalation, so the
// upper bound is a hard invariant: no combination of inputs may push a score
// past MaxConfidence.
package confidence

import (
	"strings"

	"github.com/clearpath-legal/kestrel/internal/domain"
	"github.com/clearpath-legal/kestrel/internal/expr"
)

// MaxConfidence caps every score.
const MaxConfidence = 1.0

// Signal weights. The raw weighted sum can exceed MaxConfidence when every
// signal fires together with a quality multiplier above 1; the clamp in
// Score is what keeps the invariant.
const (
	baseScore       = 0.40
	taxonomyBonus   = 0.20
	conditionBonus  = 0.25
	excerptBonus    = 0.15
	excerptMinChars = 40
)

// standardTaxonomy is the set of requirement codes from the published
// immigration-rule taxonomy. A code outside the set is not wrong, it just
// earns no recognition bonus.
var standardTaxonomy = map[string]struct{}{
	"MIN_SALARY":          {},
	"MIN_AGE":             {},
	"MAX_AGE":             {},
	"ENGLISH_LANGUAGE":    {},
	"EDUCATION_LEVEL":     {},
	"WORK_EXPERIENCE":     {},
	"SPONSORSHIP":         {},
	"MAINTENANCE_FUNDS":   {},
	"HEALTH_SURCHARGE":    {},
	"TB_TEST":             {},
	"CRIMINAL_RECORD":     {},
	"PREVIOUS_REFUSAL":    {},
	"POINTS_THRESHOLD":    {},
	"OCCUPATION_ELIGIBLE": {},
}

// ScoreOptions carries caller-supplied scoring context.
type ScoreOptions struct {
	// DocumentQuality scales the raw sum, reflecting how legible the source
	// document was. Zero means unset and defaults to 1.0.
	DocumentQuality float64
}

// Score computes a confidence in [0, MaxConfidence] for one extracted rule.
// sourceText is the excerpt of the policy document the rule was derived
// from; an empty excerpt earns nothing, a short one earns a partial bonus.
func Score(rule domain.Requirement, sourceText string, opts ScoreOptions) float64 {
	raw := baseScore

	if _, ok := standardTaxonomy[strings.ToUpper(rule.RequirementCode)]; ok {
		raw += taxonomyBonus
	}

	if rule.ConditionExpression != nil && expr.Validate(rule.ConditionExpression) == nil {
		raw += conditionBonus
	}

	if excerpt := strings.TrimSpace(sourceText); excerpt != "" {
		if len(excerpt) >= excerptMinChars {
			raw += excerptBonus
		} else {
			raw += excerptBonus * float64(len(excerpt)) / float64(excerptMinChars)
		}
	}

	quality := opts.DocumentQuality
	if quality == 0 {
		quality = 1.0
	}
	raw *= quality

	if raw < 0 {
		return 0
	}
	if raw > MaxConfidence {
		return MaxConfidence
	}
	return raw
}
