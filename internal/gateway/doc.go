// Package gateway is the client abstraction over the remote OCR/catalogue
// service. Gateway exposes one operation per pipeline stage plus the
// suggestion and catalogue search backends; Client implements it over HTTP
// JSON (POST /api/v1/<operation>) with bearer authentication, a per-request
// timeout, and exponential-backoff retries on 408/429/5xx and network
// timeouts that honour Retry-After.
//
// Every error a Client returns carries a services marker: deadlines map to
// ErrTimeout, 400/422 to ErrValidation, 404 to ErrNotFound, 409 to
// ErrConflict, everything else to ErrRemote. Per-item failures inside a
// successful batch call are reported as ItemFailure values, never as an
// error for the whole call.
package gateway
