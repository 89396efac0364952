// Package search implements the two-level incremental search used when the
// operator picks a card by hand: a primary "set" field and a secondary
// "card" field whose suggestions are scoped by the selected set.
//
// Each keystroke calls Type, which returns a Pending. The fetch starts after
// a debounce period; a newer Type for the same field cancels the older
// fetch and resolves the older Pending with ErrSuperseded no matter which
// response arrives first. Queries shorter than the minimum length resolve
// at once with no suggestions and no fetch.
package search
