// Package fsm provides the finite-state machine shared by the stage pipeline,
// the ledger's scan status model and the review/approval controller.
//
// A Table is pure data: the legal edges between states. A Machine binds a
// table to a current state and keeps one typed payload per state so the
// consumer of a step can only read what the step that produced it stored.
// Edges missing from the table are rejected, logged, and leave the machine
// untouched.
package fsm
