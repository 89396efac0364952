package fsm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"slabscan/internal/logging"
)

// Transition records one accepted state change.
type Transition[S comparable] struct {
	From S
	To   S
	At   time.Time
}

// Machine tracks a current state over a Table and stores one payload per
// state. It is safe for concurrent use.
type Machine[S comparable, P any] struct {
	mu       sync.Mutex
	name     string
	table    Table[S]
	initial  S
	current  S
	payloads map[S]P
	history  []Transition[S]
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Machine.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger routes rejected-transition warnings to the given logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the timestamp source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New constructs a machine in the initial state.
func New[S comparable, P any](name string, table Table[S], initial S, opts ...Option) *Machine[S, P] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	return &Machine[S, P]{
		name:     name,
		table:    table,
		initial:  initial,
		current:  initial,
		payloads: make(map[S]P),
		logger:   o.logger,
		now:      o.now,
	}
}

// Current returns the current state.
func (m *Machine[S, P]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Can reports whether the machine may move to the given state now.
func (m *Machine[S, P]) Can(to S) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Allows(m.current, to)
}

// Advance moves to the target state and stores its payload. An undeclared
// edge is rejected with an ErrInvalidTransition-marked error and a warning;
// the state and payloads are left unchanged.
func (m *Machine[S, P]) Advance(to S, payload P) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.current
	if err := m.table.Check(from, to); err != nil {
		logging.WarnWithContext(m.logger, "state transition rejected", "invalid_transition",
			logging.String("machine", m.name),
			logging.String("from", fmt.Sprint(from)),
			logging.String("to", fmt.Sprint(to)),
			logging.String(logging.FieldImpact, "state unchanged"),
		)
		return err
	}
	m.current = to
	m.payloads[to] = payload
	m.history = append(m.history, Transition[S]{From: from, To: to, At: m.now()})
	return nil
}

// Update replaces the payload of the current state without moving.
func (m *Machine[S, P]) Update(payload P) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[m.current] = payload
}

// Payload returns the payload most recently stored for a state.
func (m *Machine[S, P]) Payload(state S) (P, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payloads[state]
	return p, ok
}

// History returns accepted transitions in order.
func (m *Machine[S, P]) History() []Transition[S] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition[S](nil), m.history...)
}

// Reset returns to the initial state and drops every payload. History is kept.
func (m *Machine[S, P]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.initial
	m.payloads = make(map[S]P)
}
