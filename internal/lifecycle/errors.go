package lifecycle

import "fmt"

// invalidTransitionError reports an edge missing from the transition table.
// Structural: never retried, surfaces to the caller immediately.
type invalidTransitionError struct {
	modelID string
	from    State
	to      State
}

func (e invalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.modelID, e.from, e.to)
}

// IsInvalidTransition reports whether err is an invalid-transition error.
func IsInvalidTransition(err error) bool {
	_, ok := err.(invalidTransitionError)
	return ok
}
