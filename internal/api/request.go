package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/rickgao/updown-recorder/internal/version"
)

// ErrNotFound is returned when a source answers successfully but has no
// data for the requested key.
var ErrNotFound = errors.New("not found")

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRateLimited reports a 429 response.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// ErrorKind classifies a final fetch failure.
type ErrorKind int

const (
	// KindTransient covers connection errors, timeouts, 5xx and exhausted 429s.
	KindTransient ErrorKind = iota + 1
	// KindAuthOrMalformed covers 4xx other than 429. Never retried.
	KindAuthOrMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthOrMalformed:
		return "auth_or_malformed"
	default:
		return "unknown"
	}
}

// FetchError is the final outcome of one logical fetch after retries.
type FetchError struct {
	Op       string
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s failure after %d attempt(s): %v", e.Op, e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AuthOrMalformed reports whether retrying cannot help.
func (e *FetchError) AuthOrMalformed() bool { return e.Kind == KindAuthOrMalformed }

// IsAuthOrMalformed reports whether err is a FetchError of KindAuthOrMalformed.
func IsAuthOrMalformed(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindAuthOrMalformed
}

// doRequest performs one GET against fullURL.
func (c *Client) doRequest(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json, text/html;q=0.9")
	req.Header.Set("User-Agent", version.Agent())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	return body, nil
}

// doWithRetry performs a request with jittered exponential backoff on
// transient failures. 4xx other than 429 return immediately. A 429 sleeps
// the request delay and is retried exactly once.
func (c *Client) doWithRetry(ctx context.Context, op, fullURL string) ([]byte, error) {
	backoff := c.retryBackoff
	attempts := 0
	retries := 0
	rateLimited := false

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.fail(op, KindTransient, attempts, err)
		}

		attempts++
		body, err := c.doRequest(ctx, fullURL)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, c.fail(op, KindTransient, attempts, err)
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.IsRateLimited():
				if rateLimited {
					return nil, c.fail(op, KindTransient, attempts, err)
				}
				rateLimited = true
				c.logger.Warn("rate limited, sleeping before retry", "op", op, "delay", c.requestDelay)
				if err := sleep(ctx, c.requestDelay); err != nil {
					return nil, c.fail(op, KindTransient, attempts, err)
				}
				continue
			case !apiErr.IsRetryable():
				return nil, c.fail(op, KindAuthOrMalformed, attempts, err)
			}
		}

		if retries >= c.maxRetries {
			return nil, c.fail(op, KindTransient, attempts, err)
		}
		retries++
		if c.metrics != nil {
			c.metrics.TransientRetry()
		}

		// Add jitter: backoff * (0.5 to 1.5)
		jitter := backoff
		if backoff > 0 {
			jitter = backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
		}
		c.logger.Debug("retrying request",
			"op", op,
			"attempt", attempts+1,
			"backoff", jitter,
			"error", err,
		)
		if err := sleep(ctx, jitter); err != nil {
			return nil, c.fail(op, KindTransient, attempts, err)
		}
		backoff *= 2
	}
}

func (c *Client) fail(op string, kind ErrorKind, attempts int, err error) error {
	if kind == KindAuthOrMalformed && c.metrics != nil {
		c.metrics.AuthOrMalformed()
	}
	return &FetchError{Op: op, Kind: kind, Attempts: attempts, Err: err}
}

// get performs a GET with retries and decodes the JSON body.
func (c *Client) get(ctx context.Context, op, base, path string, query url.Values, result any) error {
	body, err := c.doWithRetry(ctx, op, buildURL(base, path, query))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return &FetchError{Op: op, Kind: KindTransient, Attempts: 1, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	return nil
}

func buildURL(base, path string, query url.Values) string {
	fullURL := base + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	return fullURL
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
