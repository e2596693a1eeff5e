package core

import "errors"

// Sentinel errors surfaced by the judge worker pool and submission store.
// Wrapped with fmt.Errorf("...: %w", err) at each layer so errors.Is still
// resolves to these, matching the existing ErrSubmissionNotPending
// convention.
var (
	// ErrSubmissionNotPending is returned by Claim when the submission row
	// already carries a terminal verdict. A row in judging is claimable
	// again (redelivery after a worker died mid-judge).
	ErrSubmissionNotPending = errors.New("submission not pending")

	// ErrSandboxSlotLost wraps a failure to acquire the worker's sandbox
	// box. The worker pool nacks the delivery for redelivery and the worker
	// goes on to its next delivery; the worker is not stopped or restarted.
	ErrSandboxSlotLost = errors.New("core: sandbox slot lost")

	// ErrTransientInfra wraps a failure in the database, broker, or blob
	// store that is expected to clear on retry (connection reset, timeout).
	ErrTransientInfra = errors.New("core: transient infrastructure failure")

	// ErrPoisonMessage marks a dispatch message that can never become
	// processable (unparseable body, unknown language) and must be
	// dead-lettered rather than redelivered.
	ErrPoisonMessage = errors.New("core: poison dispatch message")

	// ErrRetryBudgetExceeded names an exhausted judging attempt budget
	// after repeated transient infra failures. The worker pool keeps no
	// such budget and does not return it: a transient failure is nacked
	// for redelivery every time.
	ErrRetryBudgetExceeded = errors.New("core: retry budget exceeded")
)
