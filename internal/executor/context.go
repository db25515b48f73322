package executor

import (
	"relay/internal/agent"
)

// valuesKey locates the invocation's executor inside Context.Values.
const valuesKey = "executor"

// Attach stores the executor in the request context so autonomous handlers
// can reach it without widening the Agent interface.
func Attach(ac *agent.Context, e *Executor) {
	if ac.Values == nil {
		ac.Values = make(map[string]any)
	}
	ac.Values[valuesKey] = e
}

// From retrieves the executor attached to the request, if any. Non-autonomous
// requests carry none.
func From(ac *agent.Context) (*Executor, bool) {
	if ac == nil || ac.Values == nil {
		return nil, false
	}
	e, ok := ac.Values[valuesKey].(*Executor)
	return e, ok
}
