package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds every outbound call unless configured otherwise.
const DefaultTimeout = 15 * time.Second

// statusSessionExpired is the non-standard "page expired" status some
// PHP backends return for stale sessions.
const statusSessionExpired = 419

// CredentialStore provides and forgets the bearer credential.
type CredentialStore interface {
	BearerToken() string
	ClearBearerToken() error
}

// Config controls the gateway's HTTP behaviour.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	MaxRetries int
}

// Client is the authenticated HTTP boundary to the portal's
// notification endpoints. It attaches the bearer credential, applies a
// per-call timeout and rate limit, retries HTTP 429 with backoff, and
// classifies failures into SessionExpiredError, RemoteError and
// NetworkError.
type Client struct {
	baseURL    string
	creds      CredentialStore
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries int
	now        func() time.Time
}

// New creates a gateway client. creds may be nil for anonymous use.
func New(cfg Config, creds CredentialStore) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = int(cfg.RatePerSec) + 1
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, burst),
		timeout:    timeout,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// get performs an HTTP GET request and returns the raw response body.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// post performs an HTTP POST request with an optional JSON body.
func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// delete performs an HTTP DELETE request.
func (c *Client) delete(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// do is the core HTTP method that builds the request, handles auth,
// rate limiting with exponential backoff, and error classification.
// On success it returns the response body, with envelope-level failures
// ({"status":"error"}) already turned into RemoteError.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body interface{},
) ([]byte, error) {
	token := c.bearerToken()
	if token != "" && c.tokenExpired(token) {
		c.clearCredential()
		return nil, &SessionExpiredError{Message: "bearer token expired"}
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Method: method, Path: path, Err: err}
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}

		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &NetworkError{Method: method, Path: path, Err: err}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, &NetworkError{Method: method, Path: path, Err: readErr}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := retryAfterDuration(resp, attempt)
			lastErr = &RemoteError{
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Message:    extractMessage(respBody, resp.StatusCode),
			}

			select {
			case <-ctx.Done():
				return nil, &NetworkError{Method: method, Path: path, Err: ctx.Err()}
			case <-time.After(waitDuration):
				continue
			}
		}

		if resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == statusSessionExpired {
			c.clearCredential()
			return nil, &SessionExpiredError{
				Message: extractMessage(respBody, resp.StatusCode),
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &RemoteError{
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Message:    extractMessage(respBody, resp.StatusCode),
			}
		}

		failed, expired := envelopeFailed(respBody)
		if expired {
			c.clearCredential()
			return nil, &SessionExpiredError{
				Message: extractMessage(respBody, resp.StatusCode),
			}
		}
		if failed {
			return nil, &RemoteError{
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Message:    extractMessage(respBody, resp.StatusCode),
			}
		}

		return respBody, nil
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func (c *Client) bearerToken() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.BearerToken()
}

func (c *Client) clearCredential() {
	if c.creds == nil {
		return
	}
	if err := c.creds.ClearBearerToken(); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to clear expired bearer token")
	}
}

// tokenExpired reports whether token is a JWT whose exp claim has
// passed. Opaque tokens are never considered expired locally.
func (c *Client) tokenExpired(token string) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(c.now())
}

// envelopeFailed reports whether a 2xx body carries an explicit
// non-success status, and whether its code says the session expired.
func envelopeFailed(body []byte) (failed, expired bool) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, false
	}
	switch strings.ToLower(env.Status) {
	case "", "success", "ok", "true":
		return false, false
	}
	return true, sessionExpiredCode(env.Code)
}

// sessionExpiredCode matches the codes the portal uses for a rejected
// credential: the HTTP statuses 401 and 419, as numbers or strings, or a
// named code.
func sessionExpiredCode(code any) bool {
	switch c := code.(type) {
	case float64:
		return c == http.StatusUnauthorized || c == statusSessionExpired
	case string:
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "401", "419", "session_expired", "token_expired", "unauthenticated", "unauthorized":
			return true
		}
	}
	return false
}

// extractMessage pulls the most useful human-readable message out of an
// error body, which may be JSON, plain text, or empty.
func extractMessage(body []byte, statusCode int) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return http.StatusText(statusCode)
	}

	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err == nil {
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := generic[key].(string); ok && s != "" {
				return s
			}
		}
		if errs, ok := generic["errors"].(map[string]any); ok {
			var parts []string
			for field, v := range errs {
				parts = append(parts, fmt.Sprintf("%s: %v", field, flatten(v)))
			}
			if len(parts) > 0 {
				return strings.Join(parts, "; ")
			}
		}
		return http.StatusText(statusCode)
	}

	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return trimmed
}

func flatten(v any) string {
	if list, ok := v.([]any); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(v)
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

// IsTimeout reports whether err is a network error caused by the
// per-call deadline.
func IsTimeout(err error) bool {
	return IsNetworkError(err) && errors.Is(err, context.DeadlineExceeded)
}
