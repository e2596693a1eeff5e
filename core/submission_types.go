package core

import (
	"time"

	"tuis-judge/internal/verdict"
)

// Submission mirrors one row of the submissions table.
type Submission struct {
	ID            int64
	OwnerID       int64
	ProblemID     int64
	ContestID     *int64
	Language      string
	CodeBlobRef   string
	Verdict       verdict.Verdict
	Score         int16
	WallMs        *int32
	MemoryKB      *int32
	TestsPassed   int32
	TestsTotal    int32
	CompilerOutput *string
	SubmittedAt   time.Time
	JudgedAt      *time.Time
	ClaimedBy     *string
	LastHeartbeat *time.Time
}

// SubmissionTestResult mirrors one row of submission_test_results.
type SubmissionTestResult struct {
	ID           int64
	SubmissionID int64
	TestID       string
	Ordinal      int32
	Verdict      verdict.Verdict
	WallMs       *int32
	MemoryKB     *int32
	CheckerMsg   *string
}

// FinalizeInput is the aggregate this worker computes once all tests (or a
// short-circuited prefix of them) have run, written atomically with the
// verdict transition to terminal.
type FinalizeInput struct {
	Verdict        verdict.Verdict
	Score          int16
	WallMs         int32
	MemoryKB       int32
	TestsPassed    int32
	TestsTotal     int32
	CompilerOutput string
}
