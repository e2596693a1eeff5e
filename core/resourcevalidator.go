package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tuis-judge/internal/langprofile"
)

// defaultMaxCodeBytes is the configured byte limit a submission's source may
// not exceed (spec default: 1 MiB).
const defaultMaxCodeBytes = 1 << 20

// ErrProblemNotFound is returned by Validate when the content service has no
// metadata for the requested problem id.
var ErrProblemNotFound = fmt.Errorf("resource validator: problem not found")

// ErrUnsupportedLanguage is returned by Validate when the submission's
// language is not in the static langprofile registry.
var ErrUnsupportedLanguage = fmt.Errorf("resource validator: unsupported language")

// ErrCodeTooLarge is returned by Validate when the submission's source
// exceeds the configured byte limit.
var ErrCodeTooLarge = fmt.Errorf("resource validator: code exceeds size limit")

// ProblemTestCase is one test case's input/output blob references and
// per-test override limits, as returned by the content service.
type ProblemTestCase struct {
	TestID      string `json:"test_id"`
	Ordinal     int32  `json:"ordinal"`
	InputRef    string `json:"input_ref"`
	OutputRef   string `json:"output_ref"`
	WallMsLimit int32  `json:"wall_ms_limit,omitempty"`
	MemKBLimit  int32  `json:"mem_kb_limit,omitempty"`
}

// ProblemDetail is the judge-relevant subset of problem metadata: limits,
// test cases, and the short-circuit policy, fetched fresh for each
// submission's judgement.
type ProblemDetail struct {
	ProblemID     int64             `json:"problem_id"`
	WallMsLimit   int32             `json:"wall_ms_limit"`
	MemKBLimit    int32             `json:"mem_kb_limit"`
	CheckerType   string            `json:"checker_type"`
	CheckerEps    float64           `json:"checker_eps"`
	ShortCircuit  bool              `json:"short_circuit"`
	TestCases     []ProblemTestCase `json:"test_cases"`
}

// ResourceValidator validates submissions against the static language
// registry and a per-problem metadata lookup against the content service,
// mirroring the teacher's HTTPJudgeClient construction (timeout-bound
// http.Client, NewRequestWithContext) but for a JSON metadata endpoint
// instead of a sandbox-execution endpoint.
//
// One ResourceValidator is shared by every goroutine in a JudgeWorkerPool
// (spec §4.2/§5's N-worker concurrency model), so it carries no mutable
// state past construction -- no cache to synchronize, no cross-submission
// staleness to worry about. Validate is called once per submission's
// judgement, so a cache would have nothing to reuse within that call
// anyway; what looked like an optimization was really just an
// unsynchronized map shared across workers.
type ResourceValidator struct {
	client       *http.Client
	baseURL      string
	maxCodeBytes int
}

// NewResourceValidator builds a validator against contentServiceURL. Pass
// maxCodeBytes <= 0 to use the spec default of 1 MiB.
func NewResourceValidator(contentServiceURL string, maxCodeBytes int) *ResourceValidator {
	if maxCodeBytes <= 0 {
		maxCodeBytes = defaultMaxCodeBytes
	}
	return &ResourceValidator{
		client:       &http.Client{Timeout: 10 * time.Second},
		baseURL:      contentServiceURL,
		maxCodeBytes: maxCodeBytes,
	}
}

// Validate rejects submissions whose language is unknown or whose code
// exceeds the byte limit without making a network call, then fetches the
// problem detail for problemID fresh from the content service.
func (v *ResourceValidator) Validate(ctx context.Context, problemID int64, language string, codeSize int) (*ProblemDetail, error) {
	if _, ok := langprofile.Lookup(language); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	if codeSize > v.maxCodeBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrCodeTooLarge, codeSize, v.maxCodeBytes)
	}

	return v.fetchDetail(ctx, problemID)
}

func (v *ResourceValidator) fetchDetail(ctx context.Context, problemID int64) (*ProblemDetail, error) {
	url := fmt.Sprintf("%s/problems/%d/judge-metadata", v.baseURL, problemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("resource validator: build request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resource validator: fetch problem %d: %w", problemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %d", ErrProblemNotFound, problemID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resource validator: problem %d: unexpected status %d", problemID, resp.StatusCode)
	}

	var detail ProblemDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("resource validator: decode problem %d: %w", problemID, err)
	}
	return &detail, nil
}
