package canvas

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/metrics"
)

type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures before opening
	OpenTimeout      time.Duration // how long to stay open
	MaxHalfOpen      uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second, MaxHalfOpen: 1}
}

// serverError carries a 5xx response through the breaker as a failure.
type serverError struct{ resp *http.Response }

func (e *serverError) Error() string { return fmt.Sprintf("canvas: upstream %s", e.resp.Status) }

// BreakerTransport trips per Canvas host on transport errors and 5xx.
// 4xx replies pass through as successes; they are the dispatcher's business.
type BreakerTransport struct {
	Next http.RoundTripper
	Cfg  BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

func NewBreakerTransport(next http.RoundTripper, cfg BreakerConfig) *BreakerTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &BreakerTransport{Next: next, Cfg: cfg, breakers: map[string]*gobreaker.CircuitBreaker[*http.Response]{}}
}

func (t *BreakerTransport) breaker(host string) *gobreaker.CircuitBreaker[*http.Response] {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.breakers[host]; ok {
		return cb
	}
	threshold := t.Cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: t.Cfg.MaxHalfOpen,
		Timeout:     t.Cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logging.L().Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).
				Msg("canvas circuit breaker state change")
		},
	})
	t.breakers[host] = cb
	return cb
}

func (t *BreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.breaker(req.URL.Host).Execute(func() (*http.Response, error) {
		resp, err := t.Next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, &serverError{resp: resp}
		}
		return resp, nil
	})
	var se *serverError
	if errors.As(err, &se) {
		// the caller still gets the 5xx response to decode
		return se.resp, nil
	}
	return resp, err
}

// NewHTTPClient returns the client used for all Canvas traffic.
func NewHTTPClient(timeout time.Duration, cfg BreakerConfig) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewBreakerTransport(http.DefaultTransport, cfg),
	}
}
