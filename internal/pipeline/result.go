package pipeline

import (
	"encoding/json"
	"errors"
	"strings"

	"slabscan/internal/gateway"
	"slabscan/internal/ledger"
	"slabscan/internal/services"
)

// Failure describes one item an operation could not process.
type Failure struct {
	Key         string
	Err         error
	Retryable   bool
	Remediation string
}

func (f Failure) Error() string {
	if f.Err == nil {
		return f.Key + ": failed"
	}
	return f.Key + ": " + f.Err.Error()
}

// MarshalJSON renders the failure with its error kind.
func (f Failure) MarshalJSON() ([]byte, error) {
	message := ""
	if f.Err != nil {
		message = f.Err.Error()
	}
	return json.Marshal(struct {
		Key         string `json:"key"`
		Error       string `json:"error"`
		Kind        string `json:"kind"`
		Retryable   bool   `json:"retryable"`
		Remediation string `json:"remediation,omitempty"`
	}{f.Key, message, kindOf(f.Err), f.Retryable, f.Remediation})
}

// BatchResult reports the per-item outcome of an operation. Keys are image
// hashes unless an operation documents otherwise.
type BatchResult struct {
	RequestID        string    `json:"requestId,omitempty"`
	Succeeded        []string  `json:"succeeded"`
	Failed           []Failure `json:"failed,omitempty"`
	AlreadyProcessed []string  `json:"alreadyProcessed,omitempty"`
	// NeedsReview lists succeeded items that require an operator decision.
	NeedsReview []string `json:"needsReview,omitempty"`
}

// OK reports whether no item failed.
func (r BatchResult) OK() bool {
	return len(r.Failed) == 0
}

// Failure returns the failure recorded for key, if any.
func (r BatchResult) Failure(key string) (Failure, bool) {
	for _, f := range r.Failed {
		if f.Key == key {
			return f, true
		}
	}
	return Failure{}, false
}

func (r *BatchResult) succeed(keys ...string) {
	r.Succeeded = append(r.Succeeded, keys...)
}

func (r *BatchResult) skip(keys ...string) {
	r.AlreadyProcessed = append(r.AlreadyProcessed, keys...)
}

func (r *BatchResult) fail(key string, err error) {
	r.Failed = append(r.Failed, newFailure(key, err))
}

func (r *BatchResult) failAll(keys []string, err error) {
	for _, key := range keys {
		r.fail(key, err)
	}
}

func newFailure(key string, err error) Failure {
	f := Failure{
		Key:         key,
		Err:         err,
		Retryable:   services.Retryable(err),
		Remediation: gateway.Remediation(err),
	}
	if f.Remediation == "" {
		f.Remediation = defaultRemediation(err)
	}
	return f
}

// itemFailure converts a failure reported by the remote side.
func itemFailure(op string, failure gateway.ItemFailure) Failure {
	reason := strings.TrimSpace(failure.Reason)
	if reason == "" {
		reason = "rejected by remote service"
	}
	return Failure{
		Key:         failure.Key,
		Err:         services.Wrap(services.ErrRemote, "gateway", op, reason, nil),
		Retryable:   failure.Retryable,
		Remediation: failure.Remediation,
	}
}

func defaultRemediation(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ledger.ErrStale):
		return "the scan changed or was deleted; refresh and retry"
	case errors.Is(err, ledger.ErrNotFound):
		return "check the identifier; the item is not in the ledger"
	case errors.Is(err, services.ErrTimeout):
		return "the remote service timed out; retry the item"
	case errors.Is(err, services.ErrInvalidTransition):
		return "run the preceding stage first"
	default:
		return ""
	}
}

func kindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ledger.ErrStale):
		return "stale"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	default:
		return services.Kind(err)
	}
}
