// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CanvasRequests counts dispatched Canvas calls.
	// kind: api|ags; outcome: ok|refresh|fatal|transport
	CanvasRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livelearn_canvas_requests_total",
			Help: "Canvas API/AGS requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// TokenExchanges counts OAuth token endpoint calls.
	// grant: authorization_code|refresh_token|client_credentials
	TokenExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livelearn_canvas_token_exchanges_total",
			Help: "OAuth token exchanges with Canvas by grant and result",
		},
		[]string{"grant", "result"},
	)

	ScoresPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livelearn_scores_posted_total",
			Help: "Student scores posted to Canvas gradebooks",
		},
	)

	LineItemsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livelearn_line_items_created_total",
			Help: "Canvas line items created on first grade passback",
		},
	)

	Launches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livelearn_lti_launches_total",
			Help: "LTI launches by result",
		},
		[]string{"result"},
	)

	SessionConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livelearn_session_ws_connections",
			Help: "Open live-session WebSocket connections",
		},
	)

	// BreakerState is 0=closed, 1=half-open, 2=open per Canvas host.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livelearn_canvas_breaker_state",
			Help: "Circuit breaker state per Canvas host",
		},
		[]string{"host"},
	)
)
