package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"slabscan/internal/services"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/extract-labels" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var body struct {
			ImageHashes []string `json:"imageHashes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(body.ImageHashes) != 2 {
			t.Fatalf("unexpected hashes %v", body.ImageHashes)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"imageHash": "a", "labelImageUrl": "https://img/a"},
				{"imageHash": "b", "error": "no label region"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "secret"})
	results, err := client.ExtractLabels(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("ExtractLabels returned error: %v", err)
	}
	if len(results) != 2 || results[0].LabelImageURL != "https://img/a" || results[1].Error == "" {
		t.Fatalf("unexpected results %#v", results)
	}
}

func TestClientRetriesServerErrorsHonouringRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"stitchedImageUrl": "https://img/s", "isDuplicate": true})
	}))
	defer server.Close()

	var slept []time.Duration
	client := NewClient(Config{BaseURL: server.URL, RetryAttempts: 3},
		WithSleeper(func(d time.Duration) { slept = append(slept, d) }))
	result, err := client.StitchImages(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("StitchImages returned error: %v", err)
	}
	if !result.IsDuplicate || result.StitchedImageURL != "https://img/s" {
		t.Fatalf("unexpected result %#v", result)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != 2*time.Second {
		t.Fatalf("expected Retry-After delays, got %v", slept)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown image hash", "remediation": "re-upload the image"})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, RetryAttempts: 4}, WithSleeper(func(time.Duration) {}))
	err := client.SelectCardMatch(context.Background(), "a", "card-1")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("validation errors must not be retryable")
	}
	if got := Remediation(err); got != "re-upload the image" {
		t.Fatalf("unexpected remediation %q", got)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestClientTimeoutIsClassified(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(Config{BaseURL: server.URL, RetryAttempts: 2},
		WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}),
		WithSleeper(func(time.Duration) {}))
	_, err := client.ProcessOCR(context.Background(), OCRRequest{ImageHashes: []string{"a"}})
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout marker, got %v", err)
	}
	if !services.Retryable(err) {
		t.Fatal("timeouts must be retryable")
	}
}

func TestClientRequiresBaseURL(t *testing.T) {
	client := NewClient(Config{})
	if err := client.DeleteScans(context.Background(), []string{"a"}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestClientStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		marker error
	}{
		{http.StatusNotFound, services.ErrNotFound},
		{http.StatusConflict, services.ErrConflict},
		{http.StatusBadGateway, services.ErrRemote},
		{http.StatusGatewayTimeout, services.ErrTimeout},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		client := NewClient(Config{BaseURL: server.URL, RetryAttempts: 1})
		err := client.DeleteStitchedImage(context.Background(), "01H")
		server.Close()
		if !errors.Is(err, tc.marker) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.marker, err)
		}
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	client := NewClient(Config{}, WithRetryBackoff(time.Second, 3*time.Second))
	if got := client.backoffDelay(1); got != time.Second {
		t.Fatalf("attempt 1 delay = %s", got)
	}
	if got := client.backoffDelay(2); got != 2*time.Second {
		t.Fatalf("attempt 2 delay = %s", got)
	}
	if got := client.backoffDelay(5); got != 3*time.Second {
		t.Fatalf("attempt 5 delay = %s", got)
	}
}
