// ABOUTME: Shared HTTP retry helper for provider REST calls
// ABOUTME: Retries 429 and 5xx up to three attempts, honoring Retry-After before exponential backoff
package connectors

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/harperreed/relsync/metrics"
)

const (
	maxAttempts    = 3
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

// NewRetryClient wraps base in a retrying client. Responses that are not
// retried, or the last response once attempts run out, are returned to the
// caller unchanged.
func NewRetryClient(base *http.Client) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	if base != nil {
		c.HTTPClient = base
	}
	c.Logger = nil
	c.RetryMax = maxAttempts - 1
	c.RetryWaitMin = retryBaseDelay
	c.RetryWaitMax = retryMaxDelay
	c.CheckRetry = retryPolicy
	c.Backoff = retryBackoff
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt == 0 {
			return
		}
		metrics.IncRetry(req.URL.Host)
		log.Debug().Str("url", req.URL.Redacted()).Int("attempt", attempt+1).Msg("retrying upstream request")
	}
	return c
}

// retryPolicy retries only rate limiting and server errors. Transport errors
// are returned immediately.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	if isRetryableStatus(resp.StatusCode) {
		return true, nil
	}
	return false, nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

func retryBackoff(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if wait := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); wait > 0 {
			if wait > max {
				return max
			}
			return wait
		}
	}

	delay := min
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := ts.Sub(now); delta > 0 {
			return delta
		}
	}
	return 0
}
