// Package review drives the operator's review and approval of one scan:
// browse ranked results, inspect a candidate, optionally refine it through
// manual search, enter grade and price, and submit exactly one approval
// record. Navigation runs on the shared fsm package; an edge that is not in
// Table is rejected and the controller stays where it was.
package review
