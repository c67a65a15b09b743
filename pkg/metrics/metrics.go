package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querypilot_build_info",
			Help: "Build information of the QueryPilot server",
		},
		[]string{"version", "commit", "date"},
	)

	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_turns_total",
			Help: "Total number of turns handled, by outcome",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querypilot_turn_duration_seconds",
			Help:    "Duration of turns from first stage to terminal event",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypilot_stage_duration_seconds",
			Help:    "Duration of pipeline stage calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"stage", "status"},
	)

	StageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_stage_retries_total",
			Help: "Total number of stage call retries",
		},
		[]string{"stage"},
	)

	SQLRegenerationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querypilot_sql_regenerations_total",
			Help: "Total number of SQL regenerations after a validation failure",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_stream_events_total",
			Help: "Total number of stream events emitted, by type",
		},
		[]string{"type"},
	)

	ModelTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_model_tokens_total",
			Help: "Total number of model tokens consumed",
		},
		[]string{"tier", "direction"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querypilot_active_sessions",
			Help: "Number of sessions currently held in memory",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypilot_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querypilot_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool_name", "status"},
	)
)
