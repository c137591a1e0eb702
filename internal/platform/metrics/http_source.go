// Package metrics fetches dashboard metric documents from the reporting backend.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

const maxDocumentBytes = 1 << 20

// StatusError is a non-2xx response from the metrics backend.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("metrics backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable reports whether another attempt may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPSource implements events.MetricsSource with a GET against a fixed URL.
type HTTPSource struct {
	url          string
	token        string
	httpClient   *http.Client
	clock        clockwork.Clock
	maxRetries   int
	retryBackoff time.Duration
	logger       zerolog.Logger
}

// Option configures an HTTPSource.
type Option func(*HTTPSource)

// WithBearerToken authenticates requests.
func WithBearerToken(token string) Option {
	return func(s *HTTPSource) { s.token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *HTTPSource) { s.httpClient.Timeout = d }
}

// WithRetries sets how many times a retryable failure is retried and the
// initial backoff, which doubles on each attempt.
func WithRetries(maxRetries int, backoff time.Duration) Option {
	return func(s *HTTPSource) {
		s.maxRetries = maxRetries
		s.retryBackoff = backoff
	}
}

// WithClock replaces the clock used for backoff waits.
func WithClock(clock clockwork.Clock) Option {
	return func(s *HTTPSource) { s.clock = clock }
}

// NewHTTPSource creates a source for url.
func NewHTTPSource(url string, logger zerolog.Logger, opts ...Option) (*HTTPSource, error) {
	if url == "" {
		return nil, fmt.Errorf("metrics url cannot be empty")
	}
	s := &HTTPSource{
		url:          url,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		clock:        clockwork.NewRealClock(),
		maxRetries:   2,
		retryBackoff: 500 * time.Millisecond,
		logger:       logger.With().Str("component", "MetricsSource").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Fetch returns the current metrics document, which must be a JSON object.
func (s *HTTPSource) Fetch(ctx context.Context) (json.RawMessage, error) {
	var lastErr error
	backoff := s.retryBackoff

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("Retrying metrics fetch.")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.clock.After(backoff):
			}
			backoff *= 2
		}

		doc, err := s.fetchOnce(ctx)
		if err == nil {
			return doc, nil
		}
		lastErr = err

		var statusErr *StatusError
		if !errors.As(err, &statusErr) || !statusErr.Retryable() {
			return nil, err
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *HTTPSource) fetchOnce(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	doc := json.RawMessage(body)
	if !events.IsObject(doc) {
		return nil, fmt.Errorf("metrics document is not a json object")
	}
	return doc, nil
}
