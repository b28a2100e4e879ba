// Package eval runs a rule version's requirements against case facts and
// aggregates the per-requirement outcomes into a case-level verdict.
package eval

import (
	"context"
	"sort"
	"sync"

	"github.com/clearpath-legal/kestrel/internal/domain"
	"github.com/clearpath-legal/kestrel/internal/expr"
)

// EvaluateRequirement evaluates a single requirement's condition tree against
// the case facts. It never returns an error: a malformed tree or incomparable
// operands become an indeterminate outcome, so one broken requirement cannot
// take down the evaluation of a whole version.
func EvaluateRequirement(req domain.Requirement, facts map[string]any) domain.RequirementOutcome {
	out := domain.RequirementOutcome{
		RequirementCode: req.RequirementCode,
		RuleType:        req.RuleType,
		IsMandatory:     req.IsMandatory,
	}

	// A requirement without a condition is a documentation-only entry and
	// holds unconditionally.
	if req.ConditionExpression == nil {
		out.State = domain.StateSatisfied
		return out
	}

	node, err := expr.Parse(req.ConditionExpression)
	if err != nil {
		out.State = domain.StateIndeterminate
		out.Detail = err.Error()
		return out
	}

	r, err := expr.Evaluate(node, facts)
	if err != nil {
		out.State = domain.StateIndeterminate
		out.Detail = err.Error()
		return out
	}

	switch {
	case r.IsTrue():
		out.State = domain.StateSatisfied
	case r.Value == nil:
		// Missing facts decided the result. Missing data never satisfies.
		out.State = domain.StateUnsatisfied
		out.MissingFacts = r.Missing
	default:
		out.State = domain.StateUnsatisfied
	}
	return out
}

// EvaluateAll evaluates every requirement of a version concurrently, bounded
// by maxWorkers. Outcomes come back in requirement order regardless of which
// goroutine finished first, so repeated runs over the same inputs produce
// identical output.
func EvaluateAll(ctx context.Context, reqs []domain.Requirement, facts map[string]any, maxWorkers int) []domain.RequirementOutcome {
	if len(reqs) == 0 {
		return nil
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	outcomes := make([]domain.RequirementOutcome, len(reqs))
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for i, req := range reqs {
		if ctx.Err() != nil {
			// Mark whatever did not run as indeterminate instead of
			// returning a short slice.
			outcomes[i] = domain.RequirementOutcome{
				RequirementCode: req.RequirementCode,
				RuleType:        req.RuleType,
				IsMandatory:     req.IsMandatory,
				State:           domain.StateIndeterminate,
				Detail:          ctx.Err().Error(),
			}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, req domain.Requirement) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = EvaluateRequirement(req, facts)
		}(i, req)
	}

	wg.Wait()
	return outcomes
}

// Aggregate folds requirement outcomes into a verdict using the default
// confidence adjustment of 1.0.
func Aggregate(outcomes []domain.RequirementOutcome) domain.Verdict {
	return AggregateWith(outcomes, 1.0)
}

// AggregateWith folds requirement outcomes into a case-level verdict.
//
// Outcome rules, in order:
//  1. any mandatory requirement unsatisfied, including via missing facts,
//     makes the case not_eligible;
//  2. all requirements satisfied with no missing facts makes it eligible;
//  3. everything else, optional failures, missing facts without a mandatory
//     failure, or any indeterminate requirement, requires review.
//
// Confidence is requirementsPassed/requirementsTotal scaled by adjustment
// and clamped to [0, 1]. A zero adjustment means unset and defaults to 1.0.
func AggregateWith(outcomes []domain.RequirementOutcome, adjustment float64) domain.Verdict {
	if adjustment == 0 {
		adjustment = 1.0
	}

	v := domain.Verdict{
		RequirementsTotal:   len(outcomes),
		RequirementOutcomes: outcomes,
	}

	mandatoryFailed := false
	indeterminate := false
	var missing []string

	for _, o := range outcomes {
		switch o.State {
		case domain.StateSatisfied:
			v.RequirementsPassed++
		case domain.StateUnsatisfied:
			if o.IsMandatory {
				mandatoryFailed = true
			}
		case domain.StateIndeterminate:
			indeterminate = true
		}
		missing = append(missing, o.MissingFacts...)
	}

	v.MissingFacts = dedupeSorted(missing)

	switch {
	case mandatoryFailed:
		v.Outcome = domain.OutcomeNotEligible
	case v.RequirementsPassed == v.RequirementsTotal && len(v.MissingFacts) == 0 && !indeterminate:
		v.Outcome = domain.OutcomeEligible
	default:
		v.Outcome = domain.OutcomeRequiresReview
	}

	if v.RequirementsTotal == 0 {
		// Nothing to fail: an empty version holds vacuously.
		v.Outcome = domain.OutcomeEligible
		v.Confidence = clamp01(adjustment)
		return v
	}

	v.Confidence = clamp01(float64(v.RequirementsPassed) / float64(v.RequirementsTotal) * adjustment)
	return v
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func dedupeSorted(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
