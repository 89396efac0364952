// Package services defines shared utilities consumed by the pipeline stages,
// the review controller and the remote gateway.
//
// Key responsibilities:
//   - Context helpers that stamp image hashes, stage names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified as local validation problems, retryable remote failures, or
//     rejected state transitions without string matching.
//
// Use these helpers when wiring new stage logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
