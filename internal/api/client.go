// Package api is the HTTP client for the workspace domain API. Each
// entity collection exposes the same REST shape, so a generic Resource
// covers get, create, update, the named actions, delete and sync.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/workspace-sync/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Sync responses carry
	// whole entities including note content, so the cap is generous.
	maxAPIResponseBytes = 8 * 1024 * 1024

	// apiPrefix is prepended to every collection path.
	apiPrefix = "/api/v1/"
)

// Client talks to the workspace REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string

	tokenMu sync.RWMutex
	token   string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL authenticating with token.
// If httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) bearer() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()

	return c.token
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// errorMessage extracts the server's error text from a JSON error body.
func errorMessage(body []byte) string {
	for _, field := range []string{"detail", "error", "message"} {
		if res := gjson.GetBytes(body, field); res.Type == gjson.String && res.Str != "" {
			return sanitizeResponseBody([]byte(res.Str))
		}
	}

	return sanitizeResponseBody(body)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// do sends a JSON request and decodes a successful response into
// result. Network failures and transient statuses are wrapped in
// TransientError, 404 wraps ErrNotFound and any other non-2xx status
// wraps ErrRejected.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending %s %s: %w", method, endpoint, err)
		if ctx.Err() != nil {
			return wrapped
		}
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &apperrors.TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &apperrors.TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, endpoint, apperrors.ErrNotFound)
	case isTransientStatus(resp.StatusCode):
		return &apperrors.TransientError{
			Err: fmt.Errorf("%s %s returned status %d: %s", method, endpoint, resp.StatusCode, errorMessage(respBody)),
		}
	default:
		return fmt.Errorf("%w: %s %s returned status %d: %s", apperrors.ErrRejected, method, endpoint, resp.StatusCode, errorMessage(respBody))
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}
