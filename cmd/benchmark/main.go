// Benchmark tool for load-testing Kestrel's evaluation path.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -n 10000
//
// This tool:
//   1. Provisions a benchmark visa type with a published rule version
//      (or reuses one passed via -visa-type)
//   2. Generates synthetic applicant fact sets with a known eligible rate
//   3. Hammers POST /evaluate with concurrent workers
//   4. Reports latency percentiles, throughput, and verdict accuracy
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EvaluateRequest is the Kestrel API request format.
type EvaluateRequest struct {
	CaseID     string         `json:"caseId"`
	VisaTypeID string         `json:"visaTypeId"`
	Facts      map[string]any `json:"facts"`
}

// EvaluateResponse is the subset of the evaluation record the tool inspects.
type EvaluateResponse struct {
	ID         string  `json:"id"`
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64

	Eligible       int64
	NotEligible    int64
	RequiresReview int64

	Correct   int64
	Incorrect int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	visaTypeID := flag.String("visa-type", "", "Visa type ID to evaluate against (empty = provision one)")
	count := flag.Int("n", 10000, "Number of cases to evaluate")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	eligibleRate := flag.Float64("eligible", 0.6, "Fraction of generated cases that satisfy all requirements")
	seed := flag.Int64("seed", 42, "Random seed for fact generation")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           KESTREL BENCHMARK - Case Evaluation Load            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL:   %s\n", *baseURL)
	fmt.Printf("Cases:         %d\n", *count)
	fmt.Printf("Workers:       %d\n", *workers)
	fmt.Printf("Eligible Rate: %.2f\n", *eligibleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	vtID := *visaTypeID
	if vtID == "" {
		id, err := provision(*baseURL)
		if err != nil {
			fmt.Printf("ERROR: failed to provision benchmark visa type: %v\n", err)
			os.Exit(1)
		}
		vtID = id
		fmt.Printf("✓ Provisioned benchmark visa type %s\n", vtID)
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(*baseURL, vtID, *count, *workers, *eligibleRate, *seed)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// provision creates a visa type with one published version carrying the
// salary, age, and language requirements the generator targets.
func provision(baseURL string) (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	vtBody := map[string]any{
		"jurisdiction": "BENCH",
		"code":         fmt.Sprintf("LOAD_TEST_%d", time.Now().UnixNano()),
		"name":         "Benchmark Visa",
	}
	var vt struct {
		ID string `json:"id"`
	}
	if err := postJSON(client, baseURL+"/visa-types", vtBody, &vt); err != nil {
		return "", err
	}

	versionBody := map[string]any{
		"effectiveFrom": time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339),
		"createdBy":     "benchmark",
		"requirements": []map[string]any{
			{
				"requirementCode": "MIN_SALARY",
				"ruleType":        "eligibility",
				"isMandatory":     true,
				"conditionExpression": map[string]any{
					">=": []any{map[string]any{"var": "salary"}, 30000},
				},
			},
			{
				"requirementCode": "MIN_AGE",
				"ruleType":        "eligibility",
				"isMandatory":     true,
				"conditionExpression": map[string]any{
					">=": []any{map[string]any{"var": "age"}, 18},
				},
			},
			{
				"requirementCode": "ENGLISH_LANGUAGE",
				"ruleType":        "eligibility",
				"isMandatory":     false,
				"conditionExpression": map[string]any{
					"==": []any{map[string]any{"var": "englishLevel"}, "B1"},
				},
			},
		},
	}
	var version struct {
		ID            string `json:"id"`
		VersionNumber int    `json:"versionNumber"`
	}
	if err := postJSON(client, baseURL+"/visa-types/"+vt.ID+"/versions", versionBody, &version); err != nil {
		return "", err
	}

	publishBody := map[string]any{
		"expectedVersion": version.VersionNumber,
		"by":              "benchmark",
	}
	if err := postJSON(client, baseURL+"/versions/"+version.ID+"/publish", publishBody, nil); err != nil {
		return "", err
	}

	return vt.ID, nil
}

func postJSON(client *http.Client, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// syntheticCase is one generated applicant with its expected verdict.
type syntheticCase struct {
	caseID   string
	facts    map[string]any
	expected string
}

// generate builds a fact set. Eligible cases satisfy everything; the rest
// split between failing a mandatory requirement and omitting a fact.
func generate(rng *rand.Rand, i int, eligibleRate float64) syntheticCase {
	c := syntheticCase{caseID: fmt.Sprintf("bench-%d", i)}

	roll := rng.Float64()
	switch {
	case roll < eligibleRate:
		c.facts = map[string]any{
			"salary":       30000 + rng.Float64()*70000,
			"age":          18 + rng.Intn(40),
			"englishLevel": "B1",
		}
		c.expected = "eligible"
	case roll < eligibleRate+(1-eligibleRate)/2:
		// Salary below the mandatory threshold.
		c.facts = map[string]any{
			"salary":       10000 + rng.Float64()*19000,
			"age":          18 + rng.Intn(40),
			"englishLevel": "B1",
		}
		c.expected = "not_eligible"
	default:
		// Missing the deciding salary fact.
		c.facts = map[string]any{
			"age":          18 + rng.Intn(40),
			"englishLevel": "B1",
		}
		c.expected = "not_eligible"
	}
	return c
}

func runBenchmark(baseURL, visaTypeID string, count, numWorkers int, eligibleRate float64, seed int64) *Metrics {
	metrics := &Metrics{latencies: make([]time.Duration, 0, count)}

	// Generate up front so request latency is pure server time.
	rng := rand.New(rand.NewSource(seed))
	cases := make([]syntheticCase, count)
	for i := range cases {
		cases[i] = generate(rng, i, eligibleRate)
	}

	work := make(chan syntheticCase, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for c := range work {
				start := time.Now()
				result, err := evaluateCase(client, baseURL, visaTypeID, c)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)
				metrics.record(elapsed)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					continue
				}

				switch result.Outcome {
				case "eligible":
					atomic.AddInt64(&metrics.Eligible, 1)
				case "not_eligible":
					atomic.AddInt64(&metrics.NotEligible, 1)
				case "requires_review":
					atomic.AddInt64(&metrics.RequiresReview, 1)
				}

				if result.Outcome == c.expected {
					atomic.AddInt64(&metrics.Correct, 1)
				} else {
					atomic.AddInt64(&metrics.Incorrect, 1)
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)
	wg.Wait()

	return metrics
}

func evaluateCase(client *http.Client, baseURL, visaTypeID string, c syntheticCase) (*EvaluateResponse, error) {
	req := EvaluateRequest{
		CaseID:     c.caseID,
		VisaTypeID: visaTypeID,
		Facts:      c.facts,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/evaluate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 CASE STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Eligible:         %d\n", m.Eligible)
	fmt.Printf("   Not Eligible:     %d\n", m.NotEligible)
	fmt.Printf("   Requires Review:  %d\n", m.RequiresReview)

	evaluated := m.Correct + m.Incorrect
	if evaluated > 0 {
		fmt.Printf("\n🎯 VERDICT ACCURACY\n")
		fmt.Printf("   Correct:    %d / %d (%.2f%%)\n", m.Correct, evaluated, 100*float64(m.Correct)/float64(evaluated))
		fmt.Printf("   Incorrect:  %d / %d (%.2f%%)\n", m.Incorrect, evaluated, 100*float64(m.Incorrect)/float64(evaluated))
	}

	m.mu.Lock()
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	m.mu.Unlock()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(sorted) > 0 {
		fmt.Printf("   p50 Latency:      %v\n", percentile(sorted, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(sorted, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(sorted, 0.99).Round(time.Microsecond))
		fmt.Printf("   Max Latency:      %v\n", sorted[len(sorted)-1].Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f cases/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
