package dispatch

import (
	"context"
	"errors"
	"fmt"

	"relay/internal/agent"
	"relay/internal/executor"
)

// Class buckets errors for retry and surfacing decisions.
type Class int

const (
	// ClassTransient errors are retry-eligible with backoff (transport
	// timeouts, upstream rate limits).
	ClassTransient Class = iota
	// ClassPermanent errors get a user-visible message and no retry.
	ClassPermanent
	// ClassCritical errors halt the request, roll back, and escalate.
	ClassCritical
	// ClassCancelled reflects user intent; no retry, no extra rollback.
	ClassCancelled
)

var (
	// ErrAgentDisabled is permanent: the resolved agent is disabled by
	// project config.
	ErrAgentDisabled = errors.New("agent is disabled")
	// ErrCheckpointFailed is critical: an autonomous run cannot proceed
	// without its checkpoint.
	ErrCheckpointFailed = errors.New("checkpoint creation failed")
)

// Classify maps an error to its class. Unknown errors default to transient so
// the host may offer a retry.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, ErrCheckpointFailed):
		return ClassCritical
	case errors.Is(err, ErrAgentDisabled),
		errors.Is(err, agent.ErrUnknownAgent),
		errors.Is(err, agent.ErrChainDepth),
		errors.Is(err, agent.ErrEmptyRegistry),
		errors.Is(err, executor.ErrBudgetExhausted),
		errors.Is(err, executor.ErrInvalidPath):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// UserMessage renders a concise description plus suggested recovery. Stack
// traces stay on the diagnostic channel.
func UserMessage(err error) string {
	switch Classify(err) {
	case ClassCancelled:
		return "Request cancelled."
	case ClassPermanent:
		return fmt.Sprintf("%v. Adjust the request or configuration and try again.", err)
	case ClassCritical:
		return fmt.Sprintf("%v. The operation was halted and rolled back; check the logs.", err)
	default:
		return fmt.Sprintf("%v. This looks temporary; retrying may help.", err)
	}
}
