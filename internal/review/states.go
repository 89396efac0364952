package review

import (
	"strings"

	"slabscan/internal/fsm"
)

// State is a review step.
type State string

const (
	StateStart      State = "start"
	StateResults    State = "results"
	StateCardDetail State = "card_detail"
	StateEditCard   State = "edit_card"
	StateGradeInput State = "grade_input"
	StateComplete   State = "complete"
)

// Table is the review navigation graph.
var Table = fsm.NewTable(map[State][]State{
	StateStart:      {StateResults},
	StateResults:    {StateStart, StateCardDetail, StateEditCard},
	StateCardDetail: {StateResults, StateEditCard, StateGradeInput},
	StateEditCard:   {StateCardDetail, StateResults},
	StateGradeInput: {StateCardDetail, StateComplete},
	StateComplete:   {StateStart},
})

// ParseState accepts snake_case or CamelCase step names.
func ParseState(value string) (State, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch normalized {
	case "carddetail":
		normalized = string(StateCardDetail)
	case "editcard":
		normalized = string(StateEditCard)
	case "gradeinput":
		normalized = string(StateGradeInput)
	}
	switch State(normalized) {
	case StateStart, StateResults, StateCardDetail, StateEditCard, StateGradeInput, StateComplete:
		return State(normalized), true
	}
	return "", false
}
