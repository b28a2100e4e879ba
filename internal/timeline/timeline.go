// Package timeline holds the effective-window arithmetic for rule versions:
// overlap detection between published windows and coverage/gap analysis over
// a date range. Everything here is pure; callers supply the version set and
// decide what to do with the answer.
package timeline

import (
	"sort"
	"time"

	"github.com/clearpath-legal/kestrel/internal/domain"
)

// Window is a half-open effective interval [From, To). A nil To means the
// window is open-ended.
type Window struct {
	From time.Time  `json:"from"`
	To   *time.Time `json:"to,omitempty"`
}

// Overlaps reports whether two half-open windows intersect. Symmetric:
// Overlaps(a, b) == Overlaps(b, a) for every pair, open-ended included.
func Overlaps(a, b Window) bool {
	// [a.From, aEnd) and [b.From, bEnd) overlap iff each starts before the
	// other ends, with a nil end standing in for +infinity.
	aBeforeBEnd := b.To == nil || a.From.Before(*b.To)
	bBeforeAEnd := a.To == nil || b.From.Before(*a.To)
	return aBeforeBEnd && bBeforeAEnd
}

// Conflict names one published version whose window collides with a
// candidate window.
type Conflict struct {
	VersionID     string     `json:"versionId"`
	VersionNumber int        `json:"versionNumber"`
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
}

// DetectConflicts scans published, non-deleted versions for windows that
// overlap the candidate [from, to). Soft-deleted and unpublished versions
// never conflict. excludeID skips the version being modified so it does not
// collide with itself.
func DetectConflicts(versions []*domain.RuleVersion, from time.Time, to *time.Time, excludeID string) []Conflict {
	candidate := Window{From: from, To: to}

	var conflicts []Conflict
	for _, v := range versions {
		if v.ID == excludeID || !v.IsPublished || v.IsDeleted {
			continue
		}
		if Overlaps(candidate, Window{From: v.EffectiveFrom, To: v.EffectiveTo}) {
			conflicts = append(conflicts, Conflict{
				VersionID:     v.ID,
				VersionNumber: v.VersionNumber,
				EffectiveFrom: v.EffectiveFrom,
				EffectiveTo:   v.EffectiveTo,
			})
		}
	}
	return conflicts
}

// CanCreateVersion reports whether a window is free of conflicts.
func CanCreateVersion(versions []*domain.RuleVersion, from time.Time, to *time.Time) bool {
	return len(DetectConflicts(versions, from, to, "")) == 0
}

// GapReport describes how well published windows cover a date range.
type GapReport struct {
	RangeStart         time.Time `json:"rangeStart"`
	RangeEnd           time.Time `json:"rangeEnd"`
	CoveragePercentage float64   `json:"coveragePercentage"`
	Gaps               []Window  `json:"gaps,omitempty"`
	TotalGaps          int       `json:"totalGaps"`
}

// AnalyzeGaps walks the published windows intersected with
// [rangeStart, rangeEnd) in chronological order and reports the uncovered
// complement. Gaps at the range boundaries count like any other.
func AnalyzeGaps(versions []*domain.RuleVersion, rangeStart, rangeEnd time.Time) (*GapReport, error) {
	if !rangeStart.Before(rangeEnd) {
		return nil, domain.Validationf("range start %s is not before range end %s",
			rangeStart.Format(time.RFC3339), rangeEnd.Format(time.RFC3339))
	}

	report := &GapReport{RangeStart: rangeStart, RangeEnd: rangeEnd}

	// Clip each published window to the range, dropping those outside it.
	type span struct{ from, to time.Time }
	var spans []span
	for _, v := range versions {
		if !v.IsPublished || v.IsDeleted {
			continue
		}
		from := v.EffectiveFrom
		if from.Before(rangeStart) {
			from = rangeStart
		}
		to := rangeEnd
		if v.EffectiveTo != nil && v.EffectiveTo.Before(rangeEnd) {
			to = *v.EffectiveTo
		}
		if from.Before(to) {
			spans = append(spans, span{from: from, to: to})
		}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].from.Before(spans[j].from) })

	total := rangeEnd.Sub(rangeStart)
	var covered time.Duration
	cursor := rangeStart

	for _, s := range spans {
		if s.from.After(cursor) {
			gapEnd := s.from
			report.Gaps = append(report.Gaps, Window{From: cursor, To: &gapEnd})
			cursor = s.from
		}
		if s.to.After(cursor) {
			covered += s.to.Sub(cursor)
			cursor = s.to
		}
	}
	if cursor.Before(rangeEnd) {
		end := rangeEnd
		report.Gaps = append(report.Gaps, Window{From: cursor, To: &end})
	}

	report.TotalGaps = len(report.Gaps)
	report.CoveragePercentage = float64(covered) / float64(total) * 100
	return report, nil
}
