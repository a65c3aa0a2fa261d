package source

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// NewHTTPClient returns an HTTP client whose every request, retries included, is
// paced by limiter and counted against quota before it leaves the process.
func NewHTTPClient(timeout time.Duration, quota *Quota, limiter *rate.Limiter) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &meteredTransport{
			base:    http.DefaultTransport,
			quota:   quota,
			limiter: limiter,
		},
	}
}

// NewLimiter builds a token bucket allowing perSecond requests with a burst of one.
// A non-positive rate disables pacing.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

type meteredTransport struct {
	base    http.RoundTripper
	quota   *Quota
	limiter *rate.Limiter
}

func (t *meteredTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.quota != nil {
		if err := t.quota.Take(); err != nil {
			closeBody(req)
			return nil, err
		}
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			closeBody(req)
			return nil, err
		}
	}
	return t.base.RoundTrip(req)
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
