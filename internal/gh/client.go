package gh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/sethvargo/go-retry"

	"github.com/auditgh/auditgh/internal/version"
)

const (
	maxResponseBytes = 8 << 20

	// Added on top of the reset timestamp so we never retry a hair early.
	quotaWaitBuffer = 5 * time.Second
	// Used when a quota response carries no reset header.
	quotaWaitFallback = 60 * time.Second

	lowRemainingThreshold = 10
)

// ErrNotFound marks a terminal 404 for a specific lookup.
var ErrNotFound = errors.New("not found")

// HTTPError is a non-retryable HTTP failure carrying status and body.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, body)
}

// IsNotFound reports whether err is a terminal 404.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusNotFound
}

// Response is a fully drained API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is a rate-limit-aware GitHub REST client. It is safe for concurrent
// use; each request tracks its own backoff and quota-wait state, so one job's
// wait never blocks another.
type Client struct {
	BaseURL string
	Token   string

	MaxRetries uint64
	RetryBase  time.Duration

	httpClient *http.Client

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		MaxRetries: 3,
		RetryBase:  time.Second,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          200,
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get performs a GET against an API path (e.g. "/orgs/acme/repos") with query
// parameters. Transient network failures and 429/5xx responses are retried
// with exponential backoff; quota-exhausted 403s are waited out (not counted
// against the retry budget) and retried once; other 4xx surface immediately.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	quotaRetried := false
	for {
		resp, err := c.attempt(ctx, http.MethodGet, u)
		if err != nil {
			return nil, err
		}

		c.warnLowQuota(resp.Header)

		if resp.StatusCode == http.StatusForbidden && quotaExhausted(resp) && !quotaRetried {
			wait := QuotaWait(resp.Header, c.now())
			logger.Warnf("rate limit reached, waiting %s before retrying %s", wait, u)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			quotaRetried = true
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%s: %w", u, ErrNotFound)
		default:
			return nil, &HTTPError{Status: resp.StatusCode, Body: string(resp.Body)}
		}
	}
}

// attempt runs one request through the transient-failure retry policy.
func (c *Client) attempt(ctx context.Context, method, u string) (*Response, error) {
	var out *Response
	backoff := retry.WithMaxRetries(c.MaxRetries, retry.NewExponential(c.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/vnd.github.v3+json")
		req.Header.Set("User-Agent", version.UserAgent())
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("request %s: %w", u, err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read response from %s: %w", u, err))
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.RetryableError(&HTTPError{Status: resp.StatusCode, Body: string(body)})
		}

		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) warnLowQuota(h http.Header) {
	rem := h.Get("X-RateLimit-Remaining")
	if rem == "" {
		return
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil || remaining >= lowRemainingThreshold {
		return
	}
	limit := h.Get("X-RateLimit-Limit")
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		logger.Warnf("API rate limit: %d/%s requests remaining, resets at %s",
			remaining, limit, time.Unix(reset, 0).Format("2006-01-02 15:04:05"))
		return
	}
	logger.Warnf("API rate limit: %d/%s requests remaining", remaining, limit)
}

// quotaExhausted distinguishes a primary-quota 403 from an ordinary forbidden.
func quotaExhausted(resp *Response) bool {
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return true
	}
	return strings.Contains(strings.ToLower(string(resp.Body)), "rate limit")
}

// QuotaWait computes how long to wait before retrying a quota-exhausted
// request: reset time minus now plus a small buffer, never negative, with a
// fixed fallback when the reset header is absent or unparseable.
func QuotaWait(h http.Header, now time.Time) time.Duration {
	reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return quotaWaitFallback
	}
	wait := time.Unix(reset, 0).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait + quotaWaitBuffer
}
