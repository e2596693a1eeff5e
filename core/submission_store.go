package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tuis-judge/internal/outbox"
	"tuis-judge/internal/verdict"
)

// SubmissionRepository exposes the transactional units the judge worker
// pool needs. Every state transition that produces an externally visible
// event appends its outbox row in the same transaction as the state change
// — no event is ever published without its corresponding durable state
// having committed first.
type SubmissionRepository interface {
	CreateSubmission(ctx context.Context, s Submission) (int64, error)
	Claim(ctx context.Context, submissionID int64, worker string) (*Submission, error)
	WriteTestResults(ctx context.Context, submissionID int64, rows []SubmissionTestResult) error
	Finalize(ctx context.Context, submissionID int64, in FinalizeInput) error
	ReclaimStale(ctx context.Context, staleness time.Duration) ([]int64, error)
	RequeueOne(ctx context.Context, submissionID int64) error
}

// PgSubmissionRepository is the pgx implementation, following the teacher's
// BeginTx / defer tx.Rollback / tx.Commit idiom throughout.
type PgSubmissionRepository struct {
	db     *pgxpool.Pool
	outbox outbox.Appender
}

func NewPgSubmissionRepository(db *pgxpool.Pool, ob outbox.Appender) *PgSubmissionRepository {
	return &PgSubmissionRepository{db: db, outbox: ob}
}

// CreateSubmission inserts a pending submission and appends its
// "submission.received" outbox event plus the dispatch message (itself an
// outbox row, per the dispatch-as-outbox-row design) in one transaction.
func (r *PgSubmissionRepository) CreateSubmission(ctx context.Context, s Submission) (int64, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `INSERT INTO submissions (owner_id, problem_id, contest_id, language, code_blob_ref, verdict, tests_total)
	           VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, submitted_at`
	var id int64
	var submittedAt time.Time
	if err := tx.QueryRow(ctx, q, s.OwnerID, s.ProblemID, s.ContestID, s.Language, s.CodeBlobRef,
		verdict.Pending, s.TestsTotal).Scan(&id, &submittedAt); err != nil {
		return 0, fmt.Errorf("create submission: %w", err)
	}

	receivedPayload, err := json.Marshal(map[string]any{
		"submission_id": id,
		"owner_id":      s.OwnerID,
		"problem_id":    s.ProblemID,
		"language":      s.Language,
	})
	if err != nil {
		return 0, err
	}
	if err := r.outbox.Append(ctx, tx, outbox.Event{
		EventType:     "submission.received",
		AggregateType: "submission",
		AggregateID:   id,
		Payload:       receivedPayload,
	}); err != nil {
		return 0, fmt.Errorf("append submission.received: %w", err)
	}

	dispatchPayload, err := json.Marshal(map[string]any{
		"submission_id": id,
		"problem_id":    s.ProblemID,
		"language":      s.Language,
	})
	if err != nil {
		return 0, err
	}
	if err := r.outbox.Append(ctx, tx, outbox.Event{
		EventType:     outbox.DispatchEventTypePrefix + "judge-submission",
		AggregateType: "submission",
		AggregateID:   id,
		Payload:       dispatchPayload,
	}); err != nil {
		return 0, fmt.Errorf("append dispatch event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// Claim re-reads the submission row under lock; if it is already terminal
// it returns ErrSubmissionNotPending so the caller can ack-and-drop under
// redelivery. Otherwise it transitions pending -> judging and records the
// claiming worker.
func (r *PgSubmissionRepository) Claim(ctx context.Context, submissionID int64, worker string) (*Submission, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `SELECT id, owner_id, problem_id, contest_id, language, code_blob_ref, verdict, score,
	                    wall_ms, memory_kb, tests_passed, tests_total, compiler_output, submitted_at,
	                    judged_at, claimed_by, last_heartbeat
	             FROM submissions WHERE id=$1 FOR UPDATE`
	var s Submission
	var v string
	if err := tx.QueryRow(ctx, sel, submissionID).Scan(&s.ID, &s.OwnerID, &s.ProblemID, &s.ContestID,
		&s.Language, &s.CodeBlobRef, &v, &s.Score, &s.WallMs, &s.MemoryKB, &s.TestsPassed, &s.TestsTotal,
		&s.CompilerOutput, &s.SubmittedAt, &s.JudgedAt, &s.ClaimedBy, &s.LastHeartbeat); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("claim submission %d: %w", submissionID, pgx.ErrNoRows)
		}
		return nil, err
	}
	s.Verdict, err = verdict.Parse(v)
	if err != nil {
		return nil, err
	}

	if s.Verdict.IsTerminal() {
		return nil, ErrSubmissionNotPending
	}

	const upd = `UPDATE submissions SET verdict=$1, claimed_by=$2, last_heartbeat=NOW() WHERE id=$3`
	if _, err := tx.Exec(ctx, upd, verdict.Judging, worker, submissionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Verdict = verdict.Judging
	claimed := worker
	s.ClaimedBy = &claimed
	return &s, nil
}

// WriteTestResults bulk-inserts per-test outcomes as they become available,
// one transaction per call (the worker calls this once per test).
func (r *PgSubmissionRepository) WriteTestResults(ctx context.Context, submissionID int64, rows []SubmissionTestResult) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `INSERT INTO submission_test_results (submission_id, test_id, ordinal, verdict, wall_ms, memory_kb, checker_msg)
	           VALUES ($1,$2,$3,$4,$5,$6,$7)
	           ON CONFLICT (submission_id, ordinal) DO UPDATE SET
	             verdict=EXCLUDED.verdict, wall_ms=EXCLUDED.wall_ms, memory_kb=EXCLUDED.memory_kb, checker_msg=EXCLUDED.checker_msg`
	for _, row := range rows {
		if _, err := tx.Exec(ctx, q, submissionID, row.TestID, row.Ordinal, row.Verdict, row.WallMs, row.MemoryKB, row.CheckerMsg); err != nil {
			return fmt.Errorf("write test result ordinal %d: %w", row.Ordinal, err)
		}
	}

	return tx.Commit(ctx)
}

// Finalize writes the aggregated verdict and appends "submission.judged" to
// the outbox, all in one transaction with the verdict update.
func (r *PgSubmissionRepository) Finalize(ctx context.Context, submissionID int64, in FinalizeInput) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upd = `UPDATE submissions SET verdict=$1, score=$2, wall_ms=$3, memory_kb=$4, tests_passed=$5,
	                    tests_total=$6, compiler_output=$7, judged_at=NOW()
	             WHERE id=$8`
	ct, err := tx.Exec(ctx, upd, in.Verdict, in.Score, in.WallMs, in.MemoryKB, in.TestsPassed, in.TestsTotal,
		in.CompilerOutput, submissionID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("finalize submission %d: %w", submissionID, pgx.ErrNoRows)
	}

	payload, err := json.Marshal(map[string]any{
		"submission_id": submissionID,
		"verdict":       in.Verdict,
		"score":         in.Score,
		"tests_passed":  in.TestsPassed,
		"tests_total":   in.TestsTotal,
	})
	if err != nil {
		return err
	}
	if err := r.outbox.Append(ctx, tx, outbox.Event{
		EventType:     "submission.judged",
		AggregateType: "submission",
		AggregateID:   submissionID,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("append submission.judged: %w", err)
	}

	return tx.Commit(ctx)
}

// ReclaimStale resets submissions stuck in judging whose last_heartbeat is
// older than staleness back to pending, so another worker can claim them —
// property 4: a judging submission with a stale heartbeat becomes eligible
// for reclaim, and the original claimant's writes are rejected because its
// next Finalize/WriteTestResults call targets a row it no longer owns.
func (r *PgSubmissionRepository) ReclaimStale(ctx context.Context, staleness time.Duration) ([]int64, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `SELECT id FROM submissions
	             WHERE verdict='judging' AND last_heartbeat < $1
	             FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, sel, time.Now().Add(-staleness))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	const upd = `UPDATE submissions SET verdict=$1, claimed_by=NULL WHERE id = ANY($2)`
	if _, err := tx.Exec(ctx, upd, verdict.Pending, ids); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// RequeueOne forces a single submission stuck in judging back to pending,
// for an operator acting on a specific id (judgectl requeue) rather than
// the staleness-window sweep ReclaimStale performs automatically.
func (r *PgSubmissionRepository) RequeueOne(ctx context.Context, submissionID int64) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var v string
	const sel = `SELECT verdict FROM submissions WHERE id=$1 FOR UPDATE`
	if err := tx.QueryRow(ctx, sel, submissionID).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("requeue submission %d: %w", submissionID, pgx.ErrNoRows)
		}
		return err
	}
	parsed, err := verdict.Parse(v)
	if err != nil {
		return err
	}
	if parsed != verdict.Judging {
		return fmt.Errorf("requeue submission %d: verdict is %s, not judging", submissionID, parsed)
	}

	const upd = `UPDATE submissions SET verdict=$1, claimed_by=NULL WHERE id=$2`
	if _, err := tx.Exec(ctx, upd, verdict.Pending, submissionID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
