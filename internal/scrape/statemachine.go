package scrape

import "fmt"

// transitions lists the legal lifecycle edges. Failed is re-enterable through
// retries: back to pending (full) or analyzing (smart).
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusAnalyzing, StatusFailed},
	StatusAnalyzing: {StatusCompleted, StatusFailed},
	StatusFailed:    {StatusPending, StatusAnalyzing},
	StatusCompleted: nil,
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for an illegal edge.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsActive reports whether a scrape cycle is in flight for the status.
func IsActive(s Status) bool {
	return s == StatusRunning || s == StatusAnalyzing
}
