package connectors

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryClient() *retryablehttp.Client {
	c := NewRetryClient(nil)
	c.RetryWaitMin = time.Millisecond
	c.RetryWaitMax = 5 * time.Millisecond
	return c
}

func TestRetryClient(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []int
		wantCalls  int32
		wantStatus int
	}{
		{"success first try", []int{200}, 1, 200},
		{"server error then success", []int{503, 200}, 2, 200},
		{"rate limited then success", []int{429, 429, 200}, 3, 200},
		{"exhausted returns last response", []int{500, 502, 503, 200}, 3, 503},
		{"client error not retried", []int{404, 200}, 1, 404},
		{"unauthorized not retried", []int{401, 200}, 1, 401},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				if tt.statuses[n-1] == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "1")
				}
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			resp, err := fastRetryClient().Get(srv.URL)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "3", 3 * time.Second},
		{"padded seconds", " 7 ", 7 * time.Second},
		{"negative", "-1", 0},
		{"garbage", "soon", 0},
		{"http date", now.Add(5 * time.Second).Format(http.TimeFormat), 5 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.header, now))
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	minWait := 500 * time.Millisecond
	maxWait := 10 * time.Second

	assert.Equal(t, 500*time.Millisecond, retryBackoff(minWait, maxWait, 0, nil))
	assert.Equal(t, time.Second, retryBackoff(minWait, maxWait, 1, nil))
	assert.Equal(t, 2*time.Second, retryBackoff(minWait, maxWait, 2, nil))
	assert.Equal(t, maxWait, retryBackoff(minWait, maxWait, 10, nil))

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"4"}}}
	assert.Equal(t, 4*time.Second, retryBackoff(minWait, maxWait, 0, resp))

	resp = &http.Response{Header: http.Header{"Retry-After": []string{"120"}}}
	assert.Equal(t, maxWait, retryBackoff(minWait, maxWait, 0, resp), "Retry-After is capped")
}
