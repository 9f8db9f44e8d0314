package market

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cryptofolio/pkg/apperr"
)

const (
	// CoinGecko public tier: 10 seconds between calls keeps well under the quota.
	defaultMinInterval = 10 * time.Second
	defaultBaseDelay   = 10 * time.Second
	defaultMaxRetries  = 5

	// Upper bound for the exponential backoff between 429 retries.
	maxBackoff = 10 * time.Minute
)

// Limiter spaces outbound calls by at least MinInterval and retries throttled
// (HTTP 429) calls with Retry-After or exponential backoff.
type Limiter struct {
	MinInterval time.Duration
	BaseDelay   time.Duration
	MaxRetries  int

	// Timeout bounds each attempt from sending the request until its body is
	// closed. Waits for a slot or a backoff are not counted. Zero means none.
	Timeout time.Duration

	clock Clock

	mu   sync.Mutex
	last time.Time // time of the previous permitted call
}

// NewLimiter creates a limiter. A nil clock means the system clock.
func NewLimiter(minInterval, baseDelay time.Duration, maxRetries int, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Limiter{
		MinInterval: minInterval,
		BaseDelay:   baseDelay,
		MaxRetries:  maxRetries,
		clock:       clock,
	}
}

// Acquire blocks until MinInterval has elapsed since the previous permitted
// call, then records the new call time. Concurrent callers are serialized.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.last.IsZero() {
		if wait := l.MinInterval - l.clock.Now().Sub(l.last); wait > 0 {
			log.Printf("Rate limiting: waiting %v before next request", wait)
			if err := sleep(ctx, l.clock, wait); err != nil {
				return err
			}
		}
	}
	l.last = l.clock.Now()
	return nil
}

// retryDelay returns how long to wait before retry number retry (0-based).
// A Retry-After header, in delta-seconds or HTTP-date form, takes precedence.
func (l *Limiter) retryDelay(retryAfter string, retry int) time.Duration {
	if retryAfter = strings.TrimSpace(retryAfter); retryAfter != "" {
		if secs, err := strconv.ParseFloat(retryAfter, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			if d := at.Sub(l.clock.Now()); d > 0 {
				return d
			}
			return 0
		}
	}
	return l.backoff(retry)
}

// backoff returns BaseDelay*2^retry, capped at maxBackoff.
func (l *Limiter) backoff(retry int) time.Duration {
	d := l.BaseDelay
	for ; retry > 0 && d < maxBackoff; retry-- {
		d *= 2
	}
	return min(d, max(maxBackoff, l.BaseDelay))
}

// Transport wraps base so every round trip goes through the limiter.
// The wrapper is local to the returned RoundTripper; base is not modified.
func (l *Limiter) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &limitedTransport{limiter: l, base: base}
}

type limitedTransport struct {
	limiter *Limiter
	base    http.RoundTripper
}

// RoundTrip implements http.RoundTripper. The retry counter lives in this call
// only, so unrelated requests never share backoff state.
func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for retry := 0; ; retry++ {
		if err := t.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		resp, err := t.attempt(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		wait := t.limiter.retryDelay(resp.Header.Get("Retry-After"), retry)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if retry >= t.limiter.MaxRetries {
			return nil, fmt.Errorf("%w: %s still throttled after %d retries",
				apperr.ErrRateLimitExceeded, req.URL.Path, retry)
		}

		log.Printf("429 received for %s, retrying in %v...", req.URL.Path, wait)
		if err := sleep(ctx, t.limiter.clock, wait); err != nil {
			return nil, err
		}
	}
}

// attempt sends req once under the per-attempt timeout. The deadline stays
// armed until the response body is closed.
func (t *limitedTransport) attempt(req *http.Request) (*http.Response, error) {
	if t.limiter.Timeout <= 0 {
		return t.base.RoundTrip(req)
	}

	ctx, cancel := context.WithTimeout(req.Context(), t.limiter.Timeout)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
