package fsm

import (
	"fmt"

	"slabscan/internal/services"
)

// ErrInvalidTransition marks rejected transitions. It is the services marker so
// callers can classify with either package.
var ErrInvalidTransition = services.ErrInvalidTransition

// Table is an adjacency list of legal transitions.
type Table[S comparable] struct {
	edges map[S][]S
}

// NewTable builds a table from an adjacency map. Targets keep their declared
// order so Next is deterministic.
func NewTable[S comparable](edges map[S][]S) Table[S] {
	cp := make(map[S][]S, len(edges))
	for from, targets := range edges {
		cp[from] = append([]S(nil), targets...)
	}
	return Table[S]{edges: cp}
}

// Allows reports whether from->to is a declared edge.
func (t Table[S]) Allows(from, to S) bool {
	for _, target := range t.edges[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Next lists the states reachable from the given state in one step.
func (t Table[S]) Next(from S) []S {
	return append([]S(nil), t.edges[from]...)
}

// Check returns an ErrInvalidTransition-marked error when from->to is not a
// declared edge.
func (t Table[S]) Check(from, to S) error {
	if t.Allows(from, to) {
		return nil
	}
	return services.Wrap(
		ErrInvalidTransition, "fsm", "transition",
		fmt.Sprintf("%v -> %v is not allowed (allowed: %v)", from, to, t.edges[from]), nil)
}
