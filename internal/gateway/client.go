package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"slabscan/internal/config"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

const (
	defaultHTTPTimeout    = 60 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryAttempts  = 3
	apiPrefix             = "/api/v1/"
)

// Config captures the runtime settings required to talk to the service.
type Config struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
	RetryAttempts  int
}

// ConfigFrom builds a client config from the application config.
func ConfigFrom(cfg *config.Config) Config {
	if cfg == nil {
		return Config{}
	}
	return Config{
		BaseURL:        cfg.Gateway.BaseURL,
		APIKey:         cfg.Gateway.APIKey,
		TimeoutSeconds: cfg.Gateway.TimeoutSeconds,
		RetryAttempts:  cfg.Gateway.RetryAttempts,
	}
}

// Client implements Gateway over HTTP JSON.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

var _ Gateway = (*Client)(nil)

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs a gateway client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	attempts := defaultRetryAttempts
	if cfg.RetryAttempts > 0 {
		attempts = cfg.RetryAttempts
	}
	client := &Client{
		cfg: Config{
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			TimeoutSeconds: cfg.TimeoutSeconds,
			RetryAttempts:  attempts,
		},
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: attempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	client.logger = logging.NewComponentLogger(client.logger, "gateway")
	return client
}

type httpStatusError struct {
	StatusCode  int
	Message     string
	Remediation string
	RetryAfter  time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Message))
}

type errorBody struct {
	Error       string `json:"error"`
	Remediation string `json:"remediation"`
}

// Remediation returns the operator hint the service attached to a failed
// call, if any.
func Remediation(err error) string {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Remediation
	}
	return ""
}

// UploadImages sends image blobs for storage.
func (c *Client) UploadImages(ctx context.Context, blobs []Blob) (UploadResult, error) {
	var out UploadResult
	err := c.call(ctx, "upload-images", map[string]any{"images": blobs}, &out)
	return out, err
}

// ExtractLabels asks the service to locate the label region of each image.
func (c *Client) ExtractLabels(ctx context.Context, hashes []string) ([]LabelResult, error) {
	var out struct {
		Results []LabelResult `json:"results"`
	}
	err := c.call(ctx, "extract-labels", map[string]any{"imageHashes": hashes}, &out)
	return out.Results, err
}

// StitchImages builds one composite label image from the member images.
func (c *Client) StitchImages(ctx context.Context, hashes []string) (StitchResult, error) {
	var out StitchResult
	err := c.call(ctx, "stitch-images", map[string]any{"imageHashes": hashes}, &out)
	return out, err
}

// ProcessOCR runs OCR over a stitched label.
func (c *Client) ProcessOCR(ctx context.Context, req OCRRequest) (*OCRResult, error) {
	var out OCRResult
	if err := c.call(ctx, "process-ocr", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DistributeText splits OCR text back to the individual scans.
func (c *Client) DistributeText(ctx context.Context, hashes []string, ocr *OCRResult) (DistributeResult, error) {
	var out DistributeResult
	err := c.call(ctx, "distribute-text", map[string]any{"imageHashes": hashes, "ocrResult": ocr}, &out)
	return out, err
}

// MatchCards returns catalogue candidates for each image.
func (c *Client) MatchCards(ctx context.Context, hashes []string) ([]MatchResult, error) {
	var out struct {
		Results []MatchResult `json:"results"`
	}
	err := c.call(ctx, "match-cards", map[string]any{"imageHashes": hashes}, &out)
	return out.Results, err
}

// SelectCardMatch records the operator's card choice remotely.
func (c *Client) SelectCardMatch(ctx context.Context, hash, cardID string) error {
	return c.call(ctx, "select-card-match", map[string]any{"imageHash": hash, "cardId": cardID}, nil)
}

// CreateRecord creates the collection record and returns its reference.
func (c *Client) CreateRecord(ctx context.Context, hash string, record ledger.ApprovalRecord) (string, error) {
	var out struct {
		RecordRef string `json:"recordRef"`
	}
	if err := c.call(ctx, "create-record", map[string]any{"imageHash": hash, "record": record}, &out); err != nil {
		return "", err
	}
	return out.RecordRef, nil
}

// DeleteScans removes scans remotely.
func (c *Client) DeleteScans(ctx context.Context, hashes []string) error {
	return c.call(ctx, "delete-scans", map[string]any{"imageHashes": hashes}, nil)
}

// DeleteStitchedImage removes a stitched label remotely.
func (c *Client) DeleteStitchedImage(ctx context.Context, labelID string) error {
	return c.call(ctx, "delete-stitched-image", map[string]any{"id": labelID}, nil)
}

// SearchSuggest returns ranked suggestions for a partial query.
func (c *Client) SearchSuggest(ctx context.Context, req SuggestRequest) ([]Suggestion, error) {
	var out struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	err := c.call(ctx, "search-suggest", req, &out)
	return out.Suggestions, err
}

// SearchCards queries the catalogue.
func (c *Client) SearchCards(ctx context.Context, query CardQuery) ([]CatalogCard, error) {
	var out struct {
		Cards []CatalogCard `json:"cards"`
	}
	err := c.call(ctx, "search-cards", query, &out)
	return out.Cards, err
}

func (c *Client) call(ctx context.Context, operation string, payload, out any) error {
	if c.cfg.BaseURL == "" {
		return services.Wrap(services.ErrConfiguration, "gateway", operation, "base url not configured", nil)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return services.Wrap(services.ErrValidation, "gateway", operation, "encode request", err)
	}
	ctx = services.WithOperation(ctx, operation)

	attempts := c.retryAttempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := c.sendOnce(ctx, operation, encoded)
		if err == nil {
			if out == nil || len(bytes.TrimSpace(body)) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return services.Wrap(services.ErrRemote, "gateway", operation, "decode response", err)
			}
			return nil
		}
		lastErr = err

		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			break
		}
		logging.WithContext(ctx, c.logger).Debug("retrying gateway call",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return classify(operation, attempts, lastErr)
}

func (c *Client) sendOnce(ctx context.Context, operation string, encoded []byte) ([]byte, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, apiPrefix, operation)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http error (timeout=%s): %w", c.timeoutDuration(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body (timeout=%s): %w", c.timeoutDuration(), err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		statusErr := &httpStatusError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
		var parsed errorBody
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			statusErr.Message = parsed.Error
			statusErr.Remediation = parsed.Remediation
		}
		return body, statusErr
	}
	return body, nil
}

func (c *Client) timeoutDuration() time.Duration {
	if c == nil || c.httpClient == nil || c.httpClient.Timeout <= 0 {
		return defaultHTTPTimeout
	}
	return c.httpClient.Timeout
}
