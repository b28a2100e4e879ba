package timeline

import (
	"testing"
	"time"

	"github.com/clearpath-legal/kestrel/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func TestOverlaps(t *testing.T) {
	jan1 := date(2025, 1, 1)
	mar1 := date(2025, 3, 1)
	may1 := date(2025, 5, 1)
	jun1 := date(2025, 6, 1)
	sep1 := date(2025, 9, 1)

	tests := []struct {
		name string
		a, b Window
		want bool
	}{
		{"disjoint", Window{jan1, ptr(mar1)}, Window{may1, ptr(jun1)}, false},
		{"contained", Window{jan1, ptr(sep1)}, Window{mar1, ptr(may1)}, true},
		{"partial overlap", Window{jan1, ptr(may1)}, Window{mar1, ptr(sep1)}, true},
		{"boundary touch is not overlap", Window{jan1, ptr(jun1)}, Window{jun1, ptr(sep1)}, false},
		{"closed vs open-ended overlapping", Window{jan1, ptr(jun1)}, Window{may1, nil}, true},
		{"closed vs open-ended after", Window{jan1, ptr(jun1)}, Window{jun1, nil}, false},
		{"both open-ended", Window{jan1, nil}, Window{sep1, nil}, true},
		{"identical", Window{jan1, ptr(jun1)}, Window{jan1, ptr(jun1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overlaps(tt.a, tt.b); got != tt.want {
				t.Errorf("Overlaps(a, b) = %v, want %v", got, tt.want)
			}
			// Symmetry holds for every pair.
			if got := Overlaps(tt.b, tt.a); got != tt.want {
				t.Errorf("Overlaps(b, a) = %v, want %v (asymmetric)", got, tt.want)
			}
		})
	}
}

func published(id string, from time.Time, to *time.Time) *domain.RuleVersion {
	return &domain.RuleVersion{
		ID: id, VisaTypeID: "vt-1", IsPublished: true,
		VersionNumber: 2, EffectiveFrom: from, EffectiveTo: to,
	}
}

func TestDetectConflicts(t *testing.T) {
	versions := []*domain.RuleVersion{
		published("v-jan-jun", date(2025, 1, 1), ptr(date(2025, 6, 1))),
		published("v-sep-open", date(2025, 9, 1), nil),
		{ID: "v-draft", IsPublished: false, EffectiveFrom: date(2025, 5, 1)},
		{ID: "v-deleted", IsPublished: true, IsDeleted: true, EffectiveFrom: date(2025, 5, 1)},
	}

	// Candidate May onwards, open-ended: collides with both published windows.
	conflicts := DetectConflicts(versions, date(2025, 5, 1), nil, "")
	if len(conflicts) != 2 {
		t.Fatalf("got %d conflicts, want 2: %+v", len(conflicts), conflicts)
	}
	if conflicts[0].VersionID != "v-jan-jun" || conflicts[1].VersionID != "v-sep-open" {
		t.Errorf("conflict IDs = %s, %s", conflicts[0].VersionID, conflicts[1].VersionID)
	}

	// Jun 1 through Sep 1 slots exactly between the two.
	conflicts = DetectConflicts(versions, date(2025, 6, 1), ptr(date(2025, 9, 1)), "")
	if len(conflicts) != 0 {
		t.Errorf("got %d conflicts for the free slot, want 0: %+v", len(conflicts), conflicts)
	}

	// Drafts and soft-deleted versions never conflict.
	conflicts = DetectConflicts(versions, date(2025, 7, 1), ptr(date(2025, 8, 1)), "")
	if len(conflicts) != 0 {
		t.Errorf("draft or deleted version conflicted: %+v", conflicts)
	}
}

func TestDetectConflictsExcludesSelf(t *testing.T) {
	versions := []*domain.RuleVersion{
		published("v-1", date(2025, 1, 1), nil),
	}
	conflicts := DetectConflicts(versions, date(2025, 1, 1), nil, "v-1")
	if len(conflicts) != 0 {
		t.Errorf("version conflicted with itself: %+v", conflicts)
	}
}

func TestCanCreateVersion(t *testing.T) {
	versions := []*domain.RuleVersion{
		published("v-1", date(2025, 1, 1), ptr(date(2025, 6, 1))),
	}
	if !CanCreateVersion(versions, date(2025, 6, 1), nil) {
		t.Error("adjacent window rejected")
	}
	if CanCreateVersion(versions, date(2025, 5, 31), nil) {
		t.Error("overlapping window accepted")
	}
}

func TestAnalyzeGapsFullCoverage(t *testing.T) {
	versions := []*domain.RuleVersion{
		published("v-1", date(2025, 1, 1), ptr(date(2025, 6, 1))),
		published("v-2", date(2025, 6, 1), nil),
	}

	report, err := AnalyzeGaps(versions, date(2025, 1, 1), date(2026, 1, 1))
	if err != nil {
		t.Fatalf("AnalyzeGaps: %v", err)
	}
	if report.TotalGaps != 0 {
		t.Errorf("gaps = %+v, want none", report.Gaps)
	}
	if report.CoveragePercentage != 100 {
		t.Errorf("coverage = %v, want 100", report.CoveragePercentage)
	}
}

func TestAnalyzeGapsInteriorAndBoundary(t *testing.T) {
	// Range covers all of 2025. Published: Mar-Jun and Sep-Nov. Expect gaps
	// Jan-Mar (boundary), Jun-Sep (interior), Nov-Jan (boundary).
	versions := []*domain.RuleVersion{
		published("v-1", date(2025, 3, 1), ptr(date(2025, 6, 1))),
		published("v-2", date(2025, 9, 1), ptr(date(2025, 11, 1))),
	}

	report, err := AnalyzeGaps(versions, date(2025, 1, 1), date(2026, 1, 1))
	if err != nil {
		t.Fatalf("AnalyzeGaps: %v", err)
	}
	if report.TotalGaps != 3 {
		t.Fatalf("gaps = %+v, want 3", report.Gaps)
	}
	wantGaps := []Window{
		{From: date(2025, 1, 1), To: ptr(date(2025, 3, 1))},
		{From: date(2025, 6, 1), To: ptr(date(2025, 9, 1))},
		{From: date(2025, 11, 1), To: ptr(date(2026, 1, 1))},
	}
	for i, g := range report.Gaps {
		if !g.From.Equal(wantGaps[i].From) || !g.To.Equal(*wantGaps[i].To) {
			t.Errorf("gap %d = [%s, %s), want [%s, %s)", i,
				g.From.Format("2006-01-02"), g.To.Format("2006-01-02"),
				wantGaps[i].From.Format("2006-01-02"), wantGaps[i].To.Format("2006-01-02"))
		}
	}

	// Covered: Mar-Jun (92 days) + Sep-Nov (61 days) of 365.
	covered := date(2025, 6, 1).Sub(date(2025, 3, 1)) + date(2025, 11, 1).Sub(date(2025, 9, 1))
	total := date(2026, 1, 1).Sub(date(2025, 1, 1))
	want := float64(covered) / float64(total) * 100
	if diff := report.CoveragePercentage - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("coverage = %v, want %v", report.CoveragePercentage, want)
	}
}

func TestAnalyzeGapsOverlappingSpansNotDoubleCounted(t *testing.T) {
	// Unpublished overlap protection aside, two overlapping published spans
	// (as seen mid-migration) must not push coverage past 100.
	versions := []*domain.RuleVersion{
		published("v-1", date(2025, 1, 1), ptr(date(2025, 8, 1))),
		published("v-2", date(2025, 6, 1), nil),
	}

	report, err := AnalyzeGaps(versions, date(2025, 1, 1), date(2026, 1, 1))
	if err != nil {
		t.Fatalf("AnalyzeGaps: %v", err)
	}
	if report.CoveragePercentage != 100 {
		t.Errorf("coverage = %v, want 100", report.CoveragePercentage)
	}
	if report.TotalGaps != 0 {
		t.Errorf("gaps = %+v, want none", report.Gaps)
	}
}

func TestAnalyzeGapsNoVersions(t *testing.T) {
	report, err := AnalyzeGaps(nil, date(2025, 1, 1), date(2026, 1, 1))
	if err != nil {
		t.Fatalf("AnalyzeGaps: %v", err)
	}
	if report.TotalGaps != 1 || report.CoveragePercentage != 0 {
		t.Errorf("report = %+v, want one full-range gap at 0%% coverage", report)
	}
}

func TestAnalyzeGapsInvalidRange(t *testing.T) {
	if _, err := AnalyzeGaps(nil, date(2026, 1, 1), date(2025, 1, 1)); err == nil {
		t.Error("inverted range accepted")
	}
}
