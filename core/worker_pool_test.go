package core

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuis-judge/internal/blobstore"
	"tuis-judge/internal/dispatch"
	"tuis-judge/internal/sandbox"
	"tuis-judge/internal/verdict"
)

// fakeSubmissionRepository is an in-memory SubmissionRepository double for
// worker pool tests, avoiding any real Postgres connection.
type fakeSubmissionRepository struct {
	subs    map[int64]*Submission
	results map[int64][]SubmissionTestResult
	finals  []FinalizeInput
}

func newFakeSubmissionRepository(subs ...*Submission) *fakeSubmissionRepository {
	m := make(map[int64]*Submission, len(subs))
	for _, s := range subs {
		m[s.ID] = s
	}
	return &fakeSubmissionRepository{subs: m, results: make(map[int64][]SubmissionTestResult)}
}

func (f *fakeSubmissionRepository) CreateSubmission(ctx context.Context, s Submission) (int64, error) {
	f.subs[s.ID] = &s
	return s.ID, nil
}

func (f *fakeSubmissionRepository) Claim(ctx context.Context, submissionID int64, worker string) (*Submission, error) {
	s, ok := f.subs[submissionID]
	if !ok {
		return nil, ErrSubmissionNotPending
	}
	if s.Verdict.IsTerminal() {
		return nil, ErrSubmissionNotPending
	}
	s.Verdict = verdict.Judging
	claimed := worker
	s.ClaimedBy = &claimed
	cp := *s
	return &cp, nil
}

func (f *fakeSubmissionRepository) WriteTestResults(ctx context.Context, submissionID int64, rows []SubmissionTestResult) error {
	f.results[submissionID] = append(f.results[submissionID], rows...)
	return nil
}

func (f *fakeSubmissionRepository) Finalize(ctx context.Context, submissionID int64, in FinalizeInput) error {
	s := f.subs[submissionID]
	s.Verdict = in.Verdict
	s.Score = in.Score
	s.TestsPassed = in.TestsPassed
	s.TestsTotal = in.TestsTotal
	f.finals = append(f.finals, in)
	return nil
}

func (f *fakeSubmissionRepository) ReclaimStale(ctx context.Context, staleness time.Duration) ([]int64, error) {
	return nil, nil
}

func (f *fakeSubmissionRepository) RequeueOne(ctx context.Context, submissionID int64) error {
	s, ok := f.subs[submissionID]
	if !ok {
		return fmt.Errorf("requeue submission %d: not found", submissionID)
	}
	s.Verdict = verdict.Pending
	s.ClaimedBy = nil
	return nil
}

func newValidatorServer(t *testing.T, body string) (*httptest.Server, *ResourceValidator) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	return srv, NewResourceValidator(srv.URL, 0)
}

func TestJudgeWorkerPool_Accepted(t *testing.T) {
	blobs := blobstore.NewMemStore()
	require.NoError(t, blobs.Put(context.Background(), "src:1", []byte("int main(){}")))
	require.NoError(t, blobs.Put(context.Background(), "in:01", []byte("")))
	require.NoError(t, blobs.Put(context.Background(), "out:01", []byte("42\n")))

	srv, validator := newValidatorServer(t, `{"problem_id":7,"wall_ms_limit":1000,"mem_kb_limit":262144,"short_circuit":false,
		"test_cases":[{"test_id":"01","ordinal":1,"input_ref":"in:01","output_ref":"out:01"}]}`)
	defer srv.Close()

	repo := newFakeSubmissionRepository(&Submission{ID: 1, ProblemID: 7, Language: "cpp", CodeBlobRef: "src:1", Verdict: verdict.Pending})

	driver := sandbox.NewFakeDriver()
	driver.Script = sandbox.ScriptSequence(
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0},
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0, Stdout: []byte("42\n")},
	)

	consumer := &dispatch.FakeConsumer{Tasks: []dispatch.Task{{SubmissionID: 1, ProblemID: 7, Language: "cpp"}}}

	pool := &JudgeWorkerPool{
		Workers:   1,
		Sandbox:   driver,
		Store:     repo,
		Blobs:     blobs,
		Validator: validator,
		Dispatch:  consumer,
	}

	require.NoError(t, pool.Run(context.Background()))

	assert.Equal(t, verdict.Accepted, repo.subs[1].Verdict)
	assert.EqualValues(t, 1, repo.subs[1].TestsPassed)
	assert.EqualValues(t, 100, repo.subs[1].Score)
	assert.Equal(t, []int64{1}, consumer.Acked)
	assert.Empty(t, consumer.Nacked)
}

func TestJudgeWorkerPool_WrongAnswer(t *testing.T) {
	blobs := blobstore.NewMemStore()
	require.NoError(t, blobs.Put(context.Background(), "src:2", []byte("int main(){}")))
	require.NoError(t, blobs.Put(context.Background(), "in:01", []byte("")))
	require.NoError(t, blobs.Put(context.Background(), "out:01", []byte("42\n")))

	srv, validator := newValidatorServer(t, `{"problem_id":7,"wall_ms_limit":1000,"mem_kb_limit":262144,"short_circuit":false,
		"test_cases":[{"test_id":"01","ordinal":1,"input_ref":"in:01","output_ref":"out:01"}]}`)
	defer srv.Close()

	repo := newFakeSubmissionRepository(&Submission{ID: 2, ProblemID: 7, Language: "cpp", CodeBlobRef: "src:2", Verdict: verdict.Pending})

	driver := sandbox.NewFakeDriver()
	driver.Script = sandbox.ScriptSequence(
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0},
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0, Stdout: []byte("41\n")},
	)

	consumer := &dispatch.FakeConsumer{Tasks: []dispatch.Task{{SubmissionID: 2, ProblemID: 7, Language: "cpp"}}}
	pool := &JudgeWorkerPool{Workers: 1, Sandbox: driver, Store: repo, Blobs: blobs, Validator: validator, Dispatch: consumer}

	require.NoError(t, pool.Run(context.Background()))

	assert.Equal(t, verdict.WrongAnswer, repo.subs[2].Verdict)
	assert.EqualValues(t, 0, repo.subs[2].TestsPassed)
}

func TestJudgeWorkerPool_CompileError(t *testing.T) {
	blobs := blobstore.NewMemStore()
	require.NoError(t, blobs.Put(context.Background(), "src:3", []byte("int main(){")))

	srv, validator := newValidatorServer(t, `{"problem_id":7,"wall_ms_limit":1000,"mem_kb_limit":262144,"test_cases":[]}`)
	defer srv.Close()

	repo := newFakeSubmissionRepository(&Submission{ID: 3, ProblemID: 7, Language: "cpp", CodeBlobRef: "src:3", Verdict: verdict.Pending})

	driver := sandbox.NewFakeDriver()
	driver.Script = func(req sandbox.RunRequest) (sandbox.Report, error) {
		return sandbox.Report{ExitKind: sandbox.ExitRuntime, ExitCode: 1, Stderr: []byte("main.cpp:1: error: expected ';'")}, nil
	}

	consumer := &dispatch.FakeConsumer{Tasks: []dispatch.Task{{SubmissionID: 3, ProblemID: 7, Language: "cpp"}}}
	pool := &JudgeWorkerPool{Workers: 1, Sandbox: driver, Store: repo, Blobs: blobs, Validator: validator, Dispatch: consumer}

	require.NoError(t, pool.Run(context.Background()))

	assert.Equal(t, verdict.CompileError, repo.subs[3].Verdict)
	assert.Empty(t, repo.results[3])
	require.Len(t, repo.finals, 1)
	assert.Contains(t, repo.finals[0].CompilerOutput, "expected ';'")
}

func TestJudgeWorkerPool_AlreadyTerminal_AcksWithoutReprocessing(t *testing.T) {
	blobs := blobstore.NewMemStore()
	srv, validator := newValidatorServer(t, `{"problem_id":7,"test_cases":[]}`)
	defer srv.Close()

	repo := newFakeSubmissionRepository(&Submission{ID: 4, ProblemID: 7, Language: "cpp", Verdict: verdict.Accepted})
	driver := sandbox.NewFakeDriver()
	consumer := &dispatch.FakeConsumer{Tasks: []dispatch.Task{{SubmissionID: 4, ProblemID: 7, Language: "cpp"}}}
	pool := &JudgeWorkerPool{Workers: 1, Sandbox: driver, Store: repo, Blobs: blobs, Validator: validator, Dispatch: consumer}

	require.NoError(t, pool.Run(context.Background()))

	assert.Equal(t, []int64{4}, consumer.Acked)
	assert.Empty(t, repo.finals)
}

func TestJudgeWorkerPool_TimeLimitExceeded(t *testing.T) {
	blobs := blobstore.NewMemStore()
	require.NoError(t, blobs.Put(context.Background(), "src:5", []byte("int main(){for(;;);}")))
	require.NoError(t, blobs.Put(context.Background(), "in:01", []byte("")))
	require.NoError(t, blobs.Put(context.Background(), "out:01", []byte("42\n")))

	srv, validator := newValidatorServer(t, `{"problem_id":7,"wall_ms_limit":1000,"mem_kb_limit":262144,"short_circuit":false,
		"test_cases":[{"test_id":"01","ordinal":1,"input_ref":"in:01","output_ref":"out:01"}]}`)
	defer srv.Close()

	repo := newFakeSubmissionRepository(&Submission{ID: 5, ProblemID: 7, Language: "cpp", CodeBlobRef: "src:5", Verdict: verdict.Pending})

	driver := sandbox.NewFakeDriver()
	driver.Script = sandbox.ScriptSequence(
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0},
		sandbox.Report{ExitKind: sandbox.ExitTimeout, WallMs: 1100},
	)

	consumer := &dispatch.FakeConsumer{Tasks: []dispatch.Task{{SubmissionID: 5, ProblemID: 7, Language: "cpp"}}}
	pool := &JudgeWorkerPool{Workers: 1, Sandbox: driver, Store: repo, Blobs: blobs, Validator: validator, Dispatch: consumer}

	require.NoError(t, pool.Run(context.Background()))

	assert.Equal(t, verdict.TLE, repo.subs[5].Verdict)
	assert.EqualValues(t, 0, repo.subs[5].TestsPassed)
	require.Len(t, repo.results[5], 1)
	assert.Equal(t, verdict.TLE, repo.results[5][0].Verdict)
}

func TestJudgeWorkerPool_MemoryLimitExceeded(t *testing.T) {
	blobs := blobstore.NewMemStore()
	require.NoError(t, blobs.Put(context.Background(), "src:6", []byte("int main(){}")))
	require.NoError(t, blobs.Put(context.Background(), "in:01", []byte("")))
	require.NoError(t, blobs.Put(context.Background(), "out:01", []byte("42\n")))

	srv, validator := newValidatorServer(t, `{"problem_id":7,"wall_ms_limit":1000,"mem_kb_limit":1024,"short_circuit":false,
		"test_cases":[{"test_id":"01","ordinal":1,"input_ref":"in:01","output_ref":"out:01"}]}`)
	defer srv.Close()

	repo := newFakeSubmissionRepository(&Submission{ID: 6, ProblemID: 7, Language: "cpp", CodeBlobRef: "src:6", Verdict: verdict.Pending})

	driver := sandbox.NewFakeDriver()
	driver.Script = sandbox.ScriptSequence(
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0},
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0, Stdout: []byte("42\n"), PeakMemKB: 4096},
	)

	consumer := &dispatch.FakeConsumer{Tasks: []dispatch.Task{{SubmissionID: 6, ProblemID: 7, Language: "cpp"}}}
	pool := &JudgeWorkerPool{Workers: 1, Sandbox: driver, Store: repo, Blobs: blobs, Validator: validator, Dispatch: consumer}

	require.NoError(t, pool.Run(context.Background()))

	assert.Equal(t, verdict.MLE, repo.subs[6].Verdict)
	assert.EqualValues(t, 0, repo.subs[6].TestsPassed)
}

// TestJudgeWorkerPool_NoShortCircuit_RunsAllTestsAndCountsAllRows covers a
// problem with short_circuit=false and more than one failing test: the loop
// must run every configured test (no early break), and tests_total must
// equal the number of SubmissionTestResult rows actually written, not a
// testsPassed-derived guess -- property 1's ordinal-contiguity invariant
// depends on the two staying equal.
func TestJudgeWorkerPool_NoShortCircuit_RunsAllTestsAndCountsAllRows(t *testing.T) {
	blobs := blobstore.NewMemStore()
	require.NoError(t, blobs.Put(context.Background(), "src:8", []byte("int main(){}")))
	for _, id := range []string{"01", "02", "03"} {
		require.NoError(t, blobs.Put(context.Background(), "in:"+id, []byte("")))
		require.NoError(t, blobs.Put(context.Background(), "out:"+id, []byte("42\n")))
	}

	srv, validator := newValidatorServer(t, `{"problem_id":7,"wall_ms_limit":1000,"mem_kb_limit":262144,"short_circuit":false,
		"test_cases":[
			{"test_id":"01","ordinal":1,"input_ref":"in:01","output_ref":"out:01"},
			{"test_id":"02","ordinal":2,"input_ref":"in:02","output_ref":"out:02"},
			{"test_id":"03","ordinal":3,"input_ref":"in:03","output_ref":"out:03"}
		]}`)
	defer srv.Close()

	repo := newFakeSubmissionRepository(&Submission{ID: 8, ProblemID: 7, Language: "cpp", CodeBlobRef: "src:8", Verdict: verdict.Pending})

	driver := sandbox.NewFakeDriver()
	driver.Script = sandbox.ScriptSequence(
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0}, // compile
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0, Stdout: []byte("41\n")}, // test 01: wrong answer
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0, Stdout: []byte("42\n")}, // test 02: accepted
		sandbox.Report{ExitKind: sandbox.ExitOK, ExitCode: 0, Stdout: []byte("40\n")}, // test 03: wrong answer
	)

	consumer := &dispatch.FakeConsumer{Tasks: []dispatch.Task{{SubmissionID: 8, ProblemID: 7, Language: "cpp"}}}
	pool := &JudgeWorkerPool{Workers: 1, Sandbox: driver, Store: repo, Blobs: blobs, Validator: validator, Dispatch: consumer}

	require.NoError(t, pool.Run(context.Background()))

	assert.Equal(t, verdict.WrongAnswer, repo.subs[8].Verdict)
	assert.EqualValues(t, 1, repo.subs[8].TestsPassed)
	assert.EqualValues(t, 3, repo.subs[8].TestsTotal)
	assert.Len(t, repo.results[8], 3)
	assert.EqualValues(t, 33, repo.subs[8].Score)
}
