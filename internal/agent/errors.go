package agent

import "errors"

var (
	// ErrUnknownAgent is returned when an id has no registration.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrEmptyRegistry is returned when routing has nothing to route to.
	ErrEmptyRegistry = errors.New("agent registry is empty")
	// ErrChainDepth is returned when a chain exceeds the maximum depth.
	// Permanent: retrying the same chain cannot succeed.
	ErrChainDepth = errors.New("chain depth exceeded")
)
