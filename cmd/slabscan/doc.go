// Package main hosts the slabscan CLI entrypoint and command graph.
//
// Each stage command opens the ledger, runs one pipeline operation and prints
// the batch result as a table or JSON. `process` runs a full session over a
// set of image files, `status` lists the ledger, `suggest` drives the
// hierarchical search, and `serve` exposes the read API. Configuration is
// resolved once per invocation, after any .env file in the working directory
// has been loaded into the environment.
//
// The ledger holds a process lock, so only one command (or a running
// `serve`) can use it at a time.
package main
