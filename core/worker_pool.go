package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tuis-judge/internal/blobstore"
	"tuis-judge/internal/dispatch"
	"tuis-judge/internal/langprofile"
	"tuis-judge/internal/sandbox"
	"tuis-judge/internal/verdict"
)

const (
	defaultCompileMemKB   = 256 * 1024
	compilerOutputCap     = 64 * 1024 // truncate captured compile stderr at 64 KiB
	defaultRunStdoutCap   = 256 * 1024
	defaultRunStderrCap   = 64 * 1024
	fetchBudget           = 10 * time.Second
	shutdownDrainDeadline = 30 * time.Second
)

// JudgeWorkerPool runs N workers, each owning one sandbox slot, consuming
// judge-submission tasks from the dispatch queue and driving the
// claim/fetch/compile/run/finalize state machine to a terminal verdict.
type JudgeWorkerPool struct {
	Workers   int
	Sandbox   sandbox.Driver
	Store     SubmissionRepository
	Blobs     blobstore.Store
	Validator *ResourceValidator
	Dispatch  dispatch.Consumer
	Heartbeat *HeartbeatState

	// CompileWallMs bounds the compile step (default 10000).
	CompileWallMs int
}

// Run fans dispatch deliveries out to Workers goroutines and blocks until
// the delivery channel closes and every worker has returned, matching the
// teacher's goroutine-per-worker + sync.WaitGroup shape in
// cmd/worker/main.go. Cancelling ctx does not drain in-flight work: the
// submission being judged sees the cancelled ctx at its next blob fetch,
// sandbox run, store write or between-test check, and its delivery is
// nacked for redelivery. No drain period or shutdown deadline is applied.
func (p *JudgeWorkerPool) Run(ctx context.Context) error {
	deliveries, err := p.Dispatch.Consume(ctx)
	if err != nil {
		return fmt.Errorf("worker pool: start consumer: %w", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= p.Workers; i++ {
		wg.Add(1)
		go func(boxID int) {
			defer wg.Done()
			p.runWorker(ctx, boxID, deliveries)
		}(i)
	}
	wg.Wait()
	return nil
}

func (p *JudgeWorkerPool) runWorker(ctx context.Context, boxID int, deliveries <-chan dispatch.Delivery) {
	workerName := fmt.Sprintf("worker-%d", boxID)
	for d := range deliveries {
		if ctx.Err() != nil {
			_ = d.Nack(true)
			continue
		}

		if p.Heartbeat != nil {
			p.Heartbeat.JobStarted(fmt.Sprintf("%d", d.Task.SubmissionID), boxID)
		}

		procErr := p.processTask(ctx, boxID, workerName, d.Task)

		if p.Heartbeat != nil {
			p.Heartbeat.JobFinished(fmt.Sprintf("%d", d.Task.SubmissionID), procErr)
		}

		switch {
		case procErr == nil:
			if err := d.Ack(); err != nil {
				log.Printf("[%s] ack failed for submission %d: %v", workerName, d.Task.SubmissionID, err)
			}
		case errors.Is(procErr, ErrSubmissionNotPending):
			// Already terminal under redelivery: idempotent drop.
			if err := d.Ack(); err != nil {
				log.Printf("[%s] ack failed for submission %d: %v", workerName, d.Task.SubmissionID, err)
			}
		case ctx.Err() != nil:
			// Shutdown mid-task: let the broker redeliver to another worker.
			_ = d.Nack(true)
		default:
			log.Printf("[%s] submission %d failed: %v", workerName, d.Task.SubmissionID, procErr)
			_ = d.Nack(true)
		}
	}
}

// processTask drives one submission through claim/fetch/compile/run/finalize.
// A nil return means the submission reached a terminal verdict. Claim's
// ErrSubmissionNotPending (already terminal) is returned unchanged so the
// caller can ack-and-drop; any other non-nil error means the message should
// be nacked for redelivery.
func (p *JudgeWorkerPool) processTask(ctx context.Context, boxID int, workerName string, task dispatch.Task) error {
	sub, err := p.Store.Claim(ctx, task.SubmissionID, workerName)
	if err != nil {
		return err
	}

	profile, ok := langprofile.Lookup(sub.Language)
	if !ok {
		return p.finalizeInternalError(ctx, sub.ID, fmt.Sprintf("unsupported language %q", sub.Language))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchBudget)
	code, detail, err := p.fetch(fetchCtx, sub)
	cancel()
	if err != nil {
		if isPermanentFetchError(err) {
			return p.finalizeInternalError(ctx, sub.ID, err.Error())
		}
		return fmt.Errorf("%w: %s", ErrTransientInfra, err)
	}

	box, err := p.Sandbox.Acquire(ctx, boxID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSandboxSlotLost, err)
	}
	defer func() { _ = p.Sandbox.Release(ctx, box) }()

	if err := box.Stage(ctx, profile.SourceName, code); err != nil {
		return fmt.Errorf("%w: stage source: %s", ErrTransientInfra, err)
	}

	if !profile.IsInterpreted() {
		report, err := p.Sandbox.Run(ctx, box, sandbox.RunRequest{
			Argv: profile.CompileArgs,
			Limits: sandbox.Limits{
				WallMs:   int64(p.compileWallMs()),
				MemoryKB: defaultCompileMemKB,
			}.Normalized(),
			StdoutCap: defaultRunStdoutCap,
			StderrCap: compilerOutputCap,
		})
		if err != nil {
			return fmt.Errorf("%w: compile: %s", ErrTransientInfra, err)
		}
		if report.ExitKind != sandbox.ExitOK || report.ExitCode != 0 {
			return p.finalizeCompileError(ctx, sub.ID, report)
		}
	}

	return p.runTests(ctx, box, sub, profile, detail)
}

func (p *JudgeWorkerPool) fetch(ctx context.Context, sub *Submission) ([]byte, *ProblemDetail, error) {
	code, err := p.Blobs.Get(ctx, sub.CodeBlobRef)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch source: %w", err)
	}
	detail, err := p.Validator.Validate(ctx, sub.ProblemID, sub.Language, len(code))
	if err != nil {
		return nil, nil, fmt.Errorf("validate: %w", err)
	}
	return code, detail, nil
}

func isPermanentFetchError(err error) bool {
	return errors.Is(err, blobstore.ErrNotFound) ||
		errors.Is(err, ErrProblemNotFound) ||
		errors.Is(err, ErrUnsupportedLanguage) ||
		errors.Is(err, ErrCodeTooLarge)
}

func (p *JudgeWorkerPool) compileWallMs() int {
	if p.CompileWallMs > 0 {
		return p.CompileWallMs
	}
	return 10000
}

func (p *JudgeWorkerPool) finalizeCompileError(ctx context.Context, subID int64, report sandbox.Report) error {
	output := capOutput(report.Stderr, compilerOutputCap)
	return p.Store.Finalize(ctx, subID, FinalizeInput{
		Verdict:        verdict.CompileError,
		Score:          0,
		WallMs:         int32(report.WallMs),
		MemoryKB:       int32(report.PeakMemKB),
		TestsPassed:    0,
		TestsTotal:     0,
		CompilerOutput: output,
	})
}

func (p *JudgeWorkerPool) finalizeInternalError(ctx context.Context, subID int64, msg string) error {
	return p.Store.Finalize(ctx, subID, FinalizeInput{
		Verdict:        verdict.InternalError,
		Score:          0,
		TestsPassed:    0,
		TestsTotal:     0,
		CompilerOutput: msg,
	})
}

// runTests iterates test cases in ordinal order on a single worker (no
// intra-submission parallelism), classifies each per-test verdict, persists
// it, and stops early only when the problem is configured short-circuit and
// a non-accepted verdict occurs.
func (p *JudgeWorkerPool) runTests(ctx context.Context, box sandbox.Box, sub *Submission, profile langprofile.Profile, detail *ProblemDetail) error {
	var (
		testsPassed int32
		testsRun    int32
		worstWallMs int32
		worstMemKB  int32
		final       = verdict.Accepted
	)

	for i, tc := range detail.TestCases {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: cancelled mid-judge", ErrTransientInfra)
		}

		input, err := p.Blobs.Get(ctx, tc.InputRef)
		if err != nil {
			return fmt.Errorf("%w: fetch test input %s: %s", ErrTransientInfra, tc.TestID, err)
		}
		expected, err := p.Blobs.Get(ctx, tc.OutputRef)
		if err != nil {
			return fmt.Errorf("%w: fetch test output %s: %s", ErrTransientInfra, tc.TestID, err)
		}

		wallMs := detail.WallMsLimit
		if tc.WallMsLimit > 0 {
			wallMs = tc.WallMsLimit
		}
		wallMs += int32(profile.DefaultOverheadMs)
		memKB := detail.MemKBLimit
		if tc.MemKBLimit > 0 {
			memKB = tc.MemKBLimit
		}

		report, err := p.Sandbox.Run(ctx, box, sandbox.RunRequest{
			Argv: profile.RunArgs,
			Limits: sandbox.Limits{
				WallMs:   int64(wallMs),
				MemoryKB: int64(memKB),
			}.Normalized(),
			Stdin:     input,
			StdoutCap: defaultRunStdoutCap,
			StderrCap: defaultRunStderrCap,
		})
		if err != nil {
			return fmt.Errorf("%w: run test %s: %s", ErrTransientInfra, tc.TestID, err)
		}

		testVerdict, checkerMsg := classifyTestVerdict(report, memKB, expected)

		row := SubmissionTestResult{
			SubmissionID: sub.ID,
			TestID:       tc.TestID,
			Ordinal:      int32(i + 1),
			Verdict:      testVerdict,
			WallMs:       int32Ptr(int32(report.WallMs)),
			MemoryKB:     int32Ptr(int32(report.PeakMemKB)),
		}
		if checkerMsg != "" {
			row.CheckerMsg = &checkerMsg
		}
		if err := p.Store.WriteTestResults(ctx, sub.ID, []SubmissionTestResult{row}); err != nil {
			return fmt.Errorf("%w: write test result %s: %s", ErrTransientInfra, tc.TestID, err)
		}

		testsRun = int32(i + 1)
		if int32(report.WallMs) > worstWallMs {
			worstWallMs = int32(report.WallMs)
		}
		if int32(report.PeakMemKB) > worstMemKB {
			worstMemKB = int32(report.PeakMemKB)
		}
		if testVerdict == verdict.Accepted {
			testsPassed++
		} else if final == verdict.Accepted {
			final = testVerdict
		}

		if testVerdict != verdict.Accepted && detail.ShortCircuit {
			break
		}
	}

	// tests_total is the number of rows actually written -- every test run
	// to completion when short-circuit is off or never triggered, or the
	// contiguous prefix attempted before a short-circuit break -- so the
	// ordinal-contiguity invariant ([1..tests_total]) always holds against
	// what WriteTestResults actually persisted.
	testsTotal := testsRun

	score := int16(0)
	if testsTotal > 0 && final != verdict.CompileError && final != verdict.InternalError {
		score = int16(100 * int64(testsPassed) / int64(testsTotal))
	}

	return p.Store.Finalize(ctx, sub.ID, FinalizeInput{
		Verdict:     final,
		Score:       score,
		WallMs:      worstWallMs,
		MemoryKB:    worstMemKB,
		TestsPassed: testsPassed,
		TestsTotal:  testsTotal,
	})
}

// classifyTestVerdict applies the per-test verdict rule from the report and,
// on an otherwise-ok run, a byte-exact comparison of stdout against expected
// after trailing-whitespace-per-line and trailing-blank-line normalization.
func classifyTestVerdict(report sandbox.Report, memLimitKB int32, expected []byte) (verdict.Verdict, string) {
	switch {
	case report.ExitKind == sandbox.ExitTimeout:
		return verdict.TLE, ""
	case report.ExitKind == sandbox.ExitMemory || (memLimitKB > 0 && report.PeakMemKB > int64(memLimitKB)):
		return verdict.MLE, ""
	case report.ExitKind == sandbox.ExitSignal:
		return verdict.RuntimeError, fmt.Sprintf("killed by signal %d", report.Signal)
	case report.ExitKind != sandbox.ExitOK || report.ExitCode != 0:
		return verdict.RuntimeError, fmt.Sprintf("exit code %d", report.ExitCode)
	}

	if normalizeOutput(report.Stdout) == normalizeOutput(expected) {
		return verdict.Accepted, ""
	}
	return verdict.WrongAnswer, ""
}

// normalizeOutput trims trailing whitespace from each line and drops
// trailing blank lines, matching the byte-compare rule in spec §4.2.
func normalizeOutput(b []byte) string {
	lines := strings.Split(string(b), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func capOutput(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(bytes.TrimSpace(b[:limit])) + "\n... truncated"
}

func int32Ptr(v int32) *int32 { return &v }
