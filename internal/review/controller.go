package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"slabscan/internal/fsm"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

// Recorder submits an approval and returns it with its record reference.
type Recorder interface {
	Approve(ctx context.Context, record ledger.ApprovalRecord) (ledger.ApprovalRecord, error)
}

// Item is the scan under review together with its ranked candidates.
// Whether the scan was flagged for review is not stored here: the step Edit
// is entered from decides where Back returns.
type Item struct {
	ImageHash string
	Matches   []ledger.CardMatch
}

// Step is the payload stored with each state.
type Step struct {
	Selected *ledger.CardMatch
	Record   *ledger.ApprovalRecord
}

// Controller is the review state machine for one scan at a time.
type Controller struct {
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	machine   *fsm.Machine[State, Step]
	item      Item
	selected  *ledger.CardMatch
	editEntry State
	record    *ledger.ApprovalRecord
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the DateAdded source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController builds a controller in StateStart.
func NewController(recorder Recorder, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{recorder: recorder, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(logger, "review")
	c.machine = fsm.New[State, Step]("review", Table, StateStart, fsm.WithLogger(c.logger))
	return c
}

// State returns the current step.
func (c *Controller) State() State {
	return c.machine.Current()
}

// Item returns the scan under review.
func (c *Controller) Item() Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.item
}

// Selected returns the chosen candidate, if any.
func (c *Controller) Selected() (ledger.CardMatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return ledger.CardMatch{}, false
	}
	return *c.selected, true
}

// Record returns the submitted approval once complete.
func (c *Controller) Record() (ledger.ApprovalRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record == nil {
		return ledger.ApprovalRecord{}, false
	}
	return *c.record, true
}

// History returns the accepted transitions.
func (c *Controller) History() []fsm.Transition[State] {
	return c.machine.History()
}

// Begin loads a scan and shows its results.
func (c *Controller) Begin(item Item) error {
	if strings.TrimSpace(item.ImageHash) == "" {
		return services.Wrap(services.ErrValidation, "review", "begin", "image hash required", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.machine.Advance(StateResults, Step{}); err != nil {
		return err
	}
	c.item = item
	c.selected = nil
	c.record = nil
	c.editEntry = ""
	return nil
}

// SelectCandidate opens the detail view for one of the item's candidates.
func (c *Controller) SelectCandidate(cardID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.item.Matches {
		if m.CardID == cardID {
			match := m
			if err := c.machine.Advance(StateCardDetail, Step{Selected: &match}); err != nil {
				return err
			}
			c.selected = &match
			return nil
		}
	}
	return services.Wrap(services.ErrValidation, "review", "select", fmt.Sprintf("card %q is not a candidate", cardID), nil)
}

// Edit enters manual refinement. Back from edit returns to the step it was
// entered from.
func (c *Controller) Edit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enterEdit()
}

func (c *Controller) enterEdit() error {
	origin := c.machine.Current()
	if err := c.machine.Advance(StateEditCard, Step{Selected: c.selected}); err != nil {
		return err
	}
	c.editEntry = origin
	return nil
}

// ApplyEdit replaces the selection with a manually chosen card and shows
// its detail.
func (c *Controller) ApplyEdit(match ledger.CardMatch) error {
	if strings.TrimSpace(match.CardID) == "" {
		return services.Wrap(services.ErrValidation, "review", "apply_edit", "card id required", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.Current() != StateEditCard {
		return services.Wrap(services.ErrInvalidTransition, "review", "apply_edit",
			fmt.Sprintf("not editing (state %s)", c.machine.Current()), nil)
	}
	if err := c.machine.Advance(StateCardDetail, Step{Selected: &match}); err != nil {
		return err
	}
	c.selected = &match
	c.editEntry = ""
	return nil
}

// ProceedToGrade moves from the detail view to grade entry.
func (c *Controller) ProceedToGrade() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toGrade()
}

func (c *Controller) toGrade() error {
	if c.selected == nil {
		return services.Wrap(services.ErrValidation, "review", "grade", "no card selected", nil)
	}
	return c.machine.Advance(StateGradeInput, Step{Selected: c.selected})
}

// Back returns to the previous logical step.
func (c *Controller) Back() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var target State
	switch current := c.machine.Current(); current {
	case StateResults:
		target = StateStart
	case StateCardDetail:
		target = StateResults
	case StateEditCard:
		target = c.editEntry
		if target == "" {
			target = StateResults
		}
	case StateGradeInput:
		target = StateCardDetail
	default:
		return services.Wrap(services.ErrInvalidTransition, "review", "back", fmt.Sprintf("no previous step from %s", current), nil)
	}
	if err := c.machine.Advance(target, Step{Selected: c.selected}); err != nil {
		return err
	}
	if target == StateResults || target == StateStart {
		c.selected = nil
	}
	c.editEntry = ""
	return nil
}

// SetWorkflowStep applies a named step through the navigation table.
// "complete" is only reachable through Complete, which submits the record.
func (c *Controller) SetWorkflowStep(name string) error {
	target, ok := ParseState(name)
	if !ok {
		return services.Wrap(services.ErrValidation, "review", "set_step", fmt.Sprintf("unknown step %q", name), nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.machine.Current()
	if err := Table.Check(current, target); err != nil {
		logging.WarnWithContext(c.logger, "review step rejected", "invalid_transition",
			logging.String("from", string(current)),
			logging.String("to", string(target)),
			logging.String(logging.FieldImpact, "review state unchanged"),
		)
		return err
	}
	switch target {
	case StateEditCard:
		return c.enterEdit()
	case StateGradeInput:
		return c.toGrade()
	case StateCardDetail:
		if c.selected == nil {
			return services.Wrap(services.ErrValidation, "review", "set_step", "no card selected", nil)
		}
		return c.machine.Advance(target, Step{Selected: c.selected})
	case StateComplete:
		return services.Wrap(services.ErrValidation, "review", "set_step", "complete requires grade and price", nil)
	case StateStart:
		if err := c.machine.Advance(target, Step{}); err != nil {
			return err
		}
		c.clear()
		return nil
	default:
		if err := c.machine.Advance(target, Step{}); err != nil {
			return err
		}
		c.selected = nil
		return nil
	}
}

// Complete builds one approval record from the selection and submits it.
// On failure the controller stays at grade input with the selection intact.
func (c *Controller) Complete(ctx context.Context, grade string, price float64) (ledger.ApprovalRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.machine.Current()
	if err := Table.Check(current, StateComplete); err != nil {
		logging.WarnWithContext(c.logger, "approval rejected", "invalid_transition",
			logging.String("from", string(current)),
			logging.String(logging.FieldImpact, "no record submitted"),
		)
		return ledger.ApprovalRecord{}, err
	}
	grade = strings.TrimSpace(grade)
	if grade == "" {
		return ledger.ApprovalRecord{}, services.Wrap(services.ErrValidation, "review", "complete", "grade required", nil)
	}
	if price < 0 {
		return ledger.ApprovalRecord{}, services.Wrap(services.ErrValidation, "review", "complete", "price must not be negative", nil)
	}
	if c.selected == nil {
		return ledger.ApprovalRecord{}, services.Wrap(services.ErrValidation, "review", "complete", "no card selected", nil)
	}
	if c.recorder == nil {
		return ledger.ApprovalRecord{}, services.Wrap(services.ErrConfiguration, "review", "complete", "no recorder configured", nil)
	}

	record := ledger.ApprovalRecord{
		SelectedCardID:  c.selected.CardID,
		Grade:           grade,
		Price:           price,
		DateAdded:       c.now().UTC(),
		SourceImageHash: c.item.ImageHash,
	}
	submitted, err := c.recorder.Approve(ctx, record)
	if err != nil {
		logging.WarnWithContext(c.logger, "approval submission failed", "approval_failed",
			logging.String(logging.FieldImageHash, c.item.ImageHash),
			logging.Error(err),
			logging.String(logging.FieldImpact, "review kept at grade input"),
			logging.String(logging.FieldErrorHint, "retry the submission"),
		)
		return ledger.ApprovalRecord{}, err
	}
	if err := c.machine.Advance(StateComplete, Step{Selected: c.selected, Record: &submitted}); err != nil {
		return ledger.ApprovalRecord{}, err
	}
	c.record = &submitted
	c.logger.Info("approval submitted",
		logging.String(logging.FieldImageHash, submitted.SourceImageHash),
		logging.String("card_id", submitted.SelectedCardID),
		logging.String("record_ref", submitted.RecordRef),
	)
	return submitted, nil
}

// Reset abandons the current review and returns to start.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.Can(StateStart) {
		_ = c.machine.Advance(StateStart, Step{})
	} else {
		c.machine.Reset()
	}
	c.clear()
}

func (c *Controller) clear() {
	c.item = Item{}
	c.selected = nil
	c.record = nil
	c.editEntry = ""
}
