// Package matching ranks catalogue candidates for a scan and decides whether
// the top candidate can be accepted without operator review.
//
// Candidates come from several strategies of decreasing strictness
// (combined, formatted, fulltext, pokemon_only), each of which scores its
// own hits. Candidates are merged by card ID, sorted by confidence with ties
// broken by strategy strictness and then discovery order, and grouped into
// set recommendations. A result is resolved only when the top candidate
// clears the auto-accept threshold and the runner-up trails it by more than
// the tie epsilon; otherwise the near-tied candidates are surfaced for
// review and nothing is selected.
package matching
