package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// defaultRequestTimeout applies to every call that is not a long poll.
const defaultRequestTimeout = 30 * time.Second

// RespError is a Matrix protocol error: the server answered with a non-2xx
// status and a machine-readable errcode envelope.
type RespError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RespError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPError is a non-2xx response without a parseable Matrix error envelope.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

// IsRateLimited reports whether err is an HTTP 429 / M_LIMIT_EXCEEDED
// response. Rate limits get escalating backoff instead of the flat retry
// delay.
func IsRateLimited(err error) bool {
	var respErr *RespError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusTooManyRequests || respErr.Code == "M_LIMIT_EXCEEDED"
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsNotFound reports whether err carries M_NOT_FOUND. Callers treat this
// contextually, e.g. a missing room avatar means "no avatar", not a failure.
func IsNotFound(err error) bool {
	var respErr *RespError
	return errors.As(err, &respErr) && respErr.Code == "M_NOT_FOUND"
}

// Transport performs the HTTP calls to the homeserver and classifies
// failures into the retryable / protocol-error / status-only taxonomy.
// It is safe for concurrent use; commands and the sync loop share one.
type Transport struct {
	homeserver *url.URL
	client     *http.Client
	log        zerolog.Logger

	tokenMu sync.RWMutex
	token   string
}

func NewTransport(homeserver string, log zerolog.Logger) (*Transport, error) {
	parsed, err := url.Parse(homeserver)
	if err != nil {
		return nil, fmt.Errorf("failed to parse homeserver URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("homeserver URL %q has no scheme or host", homeserver)
	}
	return &Transport{
		homeserver: parsed,
		// No global client timeout: the sync long poll needs per-call
		// deadlines, which contexts provide.
		client: &http.Client{},
		log:    log.With().Str("component", "transport").Logger(),
	}, nil
}

// SetAccessToken installs the bearer token used for all subsequent calls.
func (t *Transport) SetAccessToken(token string) {
	t.tokenMu.Lock()
	t.token = token
	t.tokenMu.Unlock()
}

func (t *Transport) accessToken() string {
	t.tokenMu.RLock()
	defer t.tokenMu.RUnlock()
	return t.token
}

// Request performs one call against the client-server API. path is relative
// to /_matrix/client/v3. A zero timeout means defaultRequestTimeout; the
// sync long poll passes its own larger deadline.
func (t *Transport) Request(ctx context.Context, method, path string, query url.Values, reqBody, respBody any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	u := *t.homeserver
	u.Path = "/_matrix/client/v3" + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return t.do(ctx, method, &u, reqBody, respBody, timeout)
}

// DownloadMedia fetches raw media content for an mxc URI.
func (t *Transport) DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	u := *t.homeserver
	u.Path = fmt.Sprintf("/_matrix/media/v3/download/%s/%s", uri.Homeserver, uri.FileID)

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build media request: %w", err)
	}
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read media body: %w", err)
	}
	return data, nil
}

func (t *Transport) do(ctx context.Context, method string, u *url.URL, reqBody, respBody any, timeout time.Duration) error {
	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	t.authorize(req)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		// Connection refused, DNS, timeout: retryable by the caller's
		// backoff policy, never a protocol error.
		return fmt.Errorf("request to %s failed: %w", u.Path, err)
	}
	defer resp.Body.Close()
	t.log.Trace().
		Str("method", method).
		Str("path", u.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Homeserver request complete")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp)
	}
	if respBody == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", u.Path, err)
	}
	return nil
}

func (t *Transport) authorize(req *http.Request) {
	if token := t.accessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// classifyStatus turns a non-2xx response into either a RespError (when the
// body carries an errcode envelope) or a bare HTTPError.
func classifyStatus(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var envelope errorResponse
		if json.Unmarshal(body, &envelope) == nil && envelope.ErrCode != "" {
			return &RespError{
				StatusCode: resp.StatusCode,
				Code:       envelope.ErrCode,
				Message:    envelope.Error,
			}
		}
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}
