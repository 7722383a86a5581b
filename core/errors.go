package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRegistryEmpty     = errors.New("provider registry is empty")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrDuplicateProvider = errors.New("duplicate provider id")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrBudgetBlocked     = errors.New("budget hard stop in effect")
	ErrProviderTimeout   = errors.New("provider attempt timed out")
	ErrProviderTransport = errors.New("provider transport error")
	ErrCircuitOpen       = errors.New("provider circuit open")
	ErrTaskCancelled     = errors.New("task cancelled")
	ErrTaskNotFound      = errors.New("task not found")
	ErrClassification    = errors.New("classification failed")
	ErrPolicyViolation   = errors.New("policy violation")
	ErrNoCandidates      = errors.New("no eligible providers")
)

// AttemptFailure records why one candidate in the fallback chain did not
// produce a result.
type AttemptFailure struct {
	ProviderID string  `json:"provider_id"`
	Stage      string  `json:"stage"` // policy_check | rate_check | budget_check | executing
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason"`
}

// ExhaustedError is the terminal failure returned when every ranked
// candidate was attempted or rejected. Callers inspect Attempts to decide
// whether to raise caps, relax constraints, or retry later.
type ExhaustedError struct {
	TaskID   string
	Attempts []AttemptFailure
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("task %s: all providers exhausted", e.TaskID)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", a.ProviderID, a.Outcome, a.Reason))
	}
	return fmt.Sprintf("task %s: all providers exhausted: %s", e.TaskID, strings.Join(parts, "; "))
}

// AsExhausted unwraps err into an ExhaustedError if it is one.
func AsExhausted(err error) (*ExhaustedError, bool) {
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
