// Package pipeline moves scans through the stages of the image-to-record
// flow: upload, label extraction, reconcile (stitching), OCR, distribution
// of OCR text, catalogue matching and approval.
//
// Every operation takes a batch of identifiers and returns a BatchResult.
// One item failing never aborts its siblings; only an empty or entirely
// invalid batch fails fast, before the gateway is contacted. Status writes
// are compare-and-set in the ledger, and operations over overlapping image
// hashes are serialized by a keyed lock. Every operation that gets past the
// lock notifies the invalidation coordinator, failed or not, so cached read
// views are refetched.
//
// Session chains the stages for one batch and records per-step status and
// payloads on the generic fsm.
package pipeline
