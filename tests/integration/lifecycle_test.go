//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel rule engine.
//
// These tests verify the COMPLETE lifecycle and evaluation pipeline:
//
//	Visa Type → Draft Version → Publish → Evaluate → Rollback
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The tests expect a running server (go run cmd/kestrel/main.go) and create
// their own visa types, so they can run against a dirty database.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

func baseURL() string {
	if url := os.Getenv("KESTREL_TEST_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

var client = &http.Client{Timeout: 10 * time.Second}

// do sends a JSON request and decodes the response into out (when non-nil),
// returning the status code.
func do(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}

	req, err := http.NewRequest(method, baseURL()+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode
}

type visaType struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

type ruleVersion struct {
	ID            string     `json:"id"`
	VisaTypeID    string     `json:"visaTypeId"`
	VersionNumber int        `json:"versionNumber"`
	IsPublished   bool       `json:"isPublished"`
	EffectiveTo   *time.Time `json:"effectiveTo"`
}

type evaluation struct {
	ID            string   `json:"id"`
	CaseID        string   `json:"caseId"`
	RuleVersionID string   `json:"ruleVersionId"`
	Outcome       string   `json:"outcome"`
	Confidence    float64  `json:"confidence"`
	MissingFacts  []string `json:"missingFacts"`
	Escalated     bool     `json:"escalated"`
}

func createVisaType(t *testing.T) visaType {
	t.Helper()
	var vt visaType
	status := do(t, http.MethodPost, "/visa-types", map[string]any{
		"jurisdiction": "UK",
		"code":         fmt.Sprintf("E2E_%d", time.Now().UnixNano()),
		"name":         "End-to-End Test Visa",
	}, &vt)
	if status != http.StatusCreated {
		t.Fatalf("create visa type: status %d", status)
	}
	return vt
}

func createSalaryVersion(t *testing.T, visaTypeID string, from time.Time, to *time.Time, threshold float64) ruleVersion {
	t.Helper()
	var v ruleVersion
	status := do(t, http.MethodPost, "/visa-types/"+visaTypeID+"/versions", map[string]any{
		"effectiveFrom": from.Format(time.RFC3339),
		"effectiveTo":   to,
		"createdBy":     "e2e",
		"requirements": []map[string]any{{
			"requirementCode": "MIN_SALARY",
			"ruleType":        "eligibility",
			"isMandatory":     true,
			"conditionExpression": map[string]any{
				">=": []any{map[string]any{"var": "salary"}, threshold},
			},
		}},
	}, &v)
	if status != http.StatusCreated {
		t.Fatalf("create version: status %d", status)
	}
	return v
}

func publishVersion(t *testing.T, versionID string, expected int) ruleVersion {
	t.Helper()
	var v ruleVersion
	status := do(t, http.MethodPost, "/versions/"+versionID+"/publish", map[string]any{
		"expectedVersion": expected,
		"by":              "e2e",
	}, &v)
	if status != http.StatusOK {
		t.Fatalf("publish: status %d", status)
	}
	return v
}

func evaluateCase(t *testing.T, visaTypeID, caseID string, facts map[string]any) evaluation {
	t.Helper()
	var e evaluation
	status := do(t, http.MethodPost, "/evaluate", map[string]any{
		"caseId":     caseID,
		"visaTypeId": visaTypeID,
		"facts":      facts,
	}, &e)
	if status != http.StatusOK {
		t.Fatalf("evaluate: status %d", status)
	}
	return e
}

// SCENARIO 1: The happy path end to end. A published salary rule evaluates an
// applicant above the threshold as eligible and the verdict is retrievable as
// an audit record.
func TestEvaluateEligibleCase(t *testing.T) {
	vt := createVisaType(t)
	v := createSalaryVersion(t, vt.ID, time.Now().UTC().Add(-24*time.Hour), nil, 30000)
	publishVersion(t, v.ID, v.VersionNumber)

	result := evaluateCase(t, vt.ID, "e2e-eligible", map[string]any{"salary": 45000.0})

	if result.Outcome != "eligible" {
		t.Errorf("outcome = %s, want eligible", result.Outcome)
	}
	if result.Confidence != 1.0 {
		t.Errorf("confidence = %.2f, want 1.0", result.Confidence)
	}
	if result.RuleVersionID != v.ID {
		t.Errorf("ruleVersionId = %s, want %s", result.RuleVersionID, v.ID)
	}

	var saved evaluation
	if status := do(t, http.MethodGet, "/evaluations/"+result.ID, nil, &saved); status != http.StatusOK {
		t.Fatalf("get evaluation: status %d", status)
	}
	if saved.CaseID != "e2e-eligible" {
		t.Errorf("saved caseId = %s", saved.CaseID)
	}

	t.Logf("✓ Eligible case evaluated and persisted: outcome=%s, confidence=%.2f", result.Outcome, result.Confidence)
}

// SCENARIO 2: A missing deciding fact on a mandatory requirement means
// not_eligible, never eligible, with the missing fact named on the verdict.
func TestEvaluateMissingFact(t *testing.T) {
	vt := createVisaType(t)
	v := createSalaryVersion(t, vt.ID, time.Now().UTC().Add(-24*time.Hour), nil, 30000)
	publishVersion(t, v.ID, v.VersionNumber)

	result := evaluateCase(t, vt.ID, "e2e-missing", map[string]any{"age": 30})

	if result.Outcome != "not_eligible" {
		t.Errorf("outcome = %s, want not_eligible", result.Outcome)
	}
	if len(result.MissingFacts) != 1 || result.MissingFacts[0] != "salary" {
		t.Errorf("missingFacts = %v, want [salary]", result.MissingFacts)
	}

	t.Logf("✓ Missing fact handled conservatively: outcome=%s, missing=%v", result.Outcome, result.MissingFacts)
}

// SCENARIO 3: Publishing a second version whose window overlaps a published
// sibling is rejected with 409 and the colliding IDs; the draft stays a draft.
func TestPublishOverlapRejected(t *testing.T) {
	vt := createVisaType(t)
	a := createSalaryVersion(t, vt.ID, time.Now().UTC().Add(-24*time.Hour), nil, 30000)
	publishVersion(t, a.ID, a.VersionNumber)

	b := createSalaryVersion(t, vt.ID, time.Now().UTC(), nil, 35000)

	var body map[string]any
	status := do(t, http.MethodPost, "/versions/"+b.ID+"/publish", map[string]any{
		"expectedVersion": b.VersionNumber,
		"by":              "e2e",
	}, &body)
	if status != http.StatusConflict {
		t.Fatalf("overlapping publish: status %d, want 409", status)
	}
	ids, _ := body["conflictingVersionIds"].([]any)
	if len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("conflictingVersionIds = %v, want [%s]", body["conflictingVersionIds"], a.ID)
	}

	var after ruleVersion
	do(t, http.MethodGet, "/versions/"+b.ID, nil, &after)
	if after.IsPublished {
		t.Error("rejected publish left the version published")
	}

	t.Logf("✓ Overlap rejected with colliding IDs: %v", body["conflictingVersionIds"])
}

// SCENARIO 4: Full rollback flow. Retire an old version, publish a stricter
// successor, then roll back; evaluation immediately reflects the reopened
// version despite the timeline cache.
func TestRollbackRestoresOldRules(t *testing.T) {
	vt := createVisaType(t)

	// Old rules: threshold 30000, closed at the cutover instant.
	cutover := time.Now().UTC()
	oldV := createSalaryVersion(t, vt.ID, cutover.Add(-48*time.Hour), &cutover, 30000)
	publishVersion(t, oldV.ID, oldV.VersionNumber)

	// New rules: threshold 40000, open-ended from the cutover.
	newV := createSalaryVersion(t, vt.ID, cutover, nil, 40000)
	publishVersion(t, newV.ID, newV.VersionNumber)

	// A 35000 salary fails under the new rules.
	before := evaluateCase(t, vt.ID, "e2e-pre-rollback", map[string]any{"salary": 35000.0})
	if before.Outcome != "not_eligible" {
		t.Fatalf("pre-rollback outcome = %s, want not_eligible", before.Outcome)
	}

	var result struct {
		ClosedVersion   ruleVersion `json:"closedVersion"`
		ReopenedVersion ruleVersion `json:"reopenedVersion"`
	}
	status := do(t, http.MethodPost, "/visa-types/"+vt.ID+"/rollback", map[string]any{
		"currentVersionId": newV.ID,
		"targetVersionId":  oldV.ID,
		"by":               "e2e",
	}, &result)
	if status != http.StatusOK {
		t.Fatalf("rollback: status %d", status)
	}
	if result.ReopenedVersion.ID != oldV.ID || !result.ReopenedVersion.IsPublished {
		t.Fatalf("reopened = %+v", result.ReopenedVersion)
	}
	if result.ReopenedVersion.EffectiveTo != nil {
		t.Error("reopened version should be open-ended")
	}

	// The same salary now passes under the restored rules.
	after := evaluateCase(t, vt.ID, "e2e-post-rollback", map[string]any{"salary": 35000.0})
	if after.Outcome != "eligible" {
		t.Errorf("post-rollback outcome = %s, want eligible", after.Outcome)
	}
	if after.RuleVersionID != oldV.ID {
		t.Errorf("post-rollback ruleVersionId = %s, want %s", after.RuleVersionID, oldV.ID)
	}

	t.Logf("✓ Rollback restored the old rules: %s → %s", newV.ID[:8], oldV.ID[:8])
}

// SCENARIO 5: Stale optimistic-lock tokens are rejected with 409 carrying the
// expected and actual version numbers.
func TestStaleLockRejected(t *testing.T) {
	vt := createVisaType(t)
	v := createSalaryVersion(t, vt.ID, time.Now().UTC().Add(-24*time.Hour), nil, 30000)
	publishVersion(t, v.ID, v.VersionNumber) // bumps to 2

	var body map[string]any
	status := do(t, http.MethodPatch, "/versions/"+v.ID, map[string]any{
		"expectedVersion": 1,
		"updatedBy":       "e2e",
	}, &body)
	if status != http.StatusConflict {
		t.Fatalf("stale update: status %d, want 409", status)
	}
	if body["actualVersion"] != float64(2) {
		t.Errorf("conflict body = %v, want actualVersion 2", body)
	}

	t.Logf("✓ Stale lock rejected: %v", body["error"])
}

// SCENARIO 6: Coverage analysis over a partially covered range reports the
// gap and a partial percentage.
func TestCoverageGapReported(t *testing.T) {
	vt := createVisaType(t)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mid := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	v := createSalaryVersion(t, vt.ID, from, &mid, 30000)
	publishVersion(t, v.ID, v.VersionNumber)

	var report struct {
		CoveragePercentage float64 `json:"coveragePercentage"`
		TotalGaps          int     `json:"totalGaps"`
	}
	path := fmt.Sprintf("/visa-types/%s/coverage?from=%s&to=%s", vt.ID,
		from.Format(time.RFC3339), end.Format(time.RFC3339))
	if status := do(t, http.MethodGet, path, nil, &report); status != http.StatusOK {
		t.Fatalf("coverage: status %d", status)
	}

	if report.TotalGaps != 1 {
		t.Errorf("gaps = %d, want 1", report.TotalGaps)
	}
	if report.CoveragePercentage <= 0 || report.CoveragePercentage >= 100 {
		t.Errorf("coverage = %.2f, want partial", report.CoveragePercentage)
	}

	t.Logf("✓ Coverage gap reported: %.1f%% covered, %d gap(s)", report.CoveragePercentage, report.TotalGaps)
}
