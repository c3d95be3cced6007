package docbroker

import (
	"time"

	"github.com/agentworkforce/docsync/internal/wopi"
)

type Decision int

const (
	DecisionContinue Decision = iota + 1
	DecisionRetry
	DecisionGiveUp
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionRetry:
		return "retry"
	case DecisionGiveUp:
		return "giveup"
	default:
		return "unknown"
	}
}

// RetryController bounds how many failed stores a document tolerates.
// It is not safe for concurrent use; the broker calls it under its lock.
type RetryController struct {
	attempts    int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewRetryController(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryController {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &RetryController{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// Decide consumes one store outcome. Conflicts never touch the budget and
// authorization failures give up no matter how much budget is left.
func (r *RetryController) Decide(out wopi.Outcome) Decision {
	switch out.Result {
	case wopi.ResultSuccess:
		r.attempts = 0
		return DecisionContinue
	case wopi.ResultConflict:
		return DecisionContinue
	}

	if r.attempts < r.maxAttempts {
		r.attempts++
	}
	if out.Err != nil && !out.Err.Retryable() {
		return DecisionGiveUp
	}
	if r.attempts < r.maxAttempts {
		return DecisionRetry
	}
	return DecisionGiveUp
}

func (r *RetryController) Attempts() int {
	return r.attempts
}

func (r *RetryController) MaxAttempts() int {
	return r.maxAttempts
}

func (r *RetryController) Exhausted() bool {
	return r.attempts >= r.maxAttempts
}

// Delay is the wait before re-issuing a store after the current number of
// failed attempts.
func (r *RetryController) Delay() time.Duration {
	return wopi.Backoff(r.baseDelay, r.maxDelay, r.attempts)
}
