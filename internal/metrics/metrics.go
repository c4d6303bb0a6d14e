package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepchat_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepchat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ChatStreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepchat_chat_streams_total",
			Help: "Total number of chat completion streams, by model and outcome.",
		},
		[]string{"model", "outcome"},
	)

	ChatStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepchat_chat_stream_duration_seconds",
			Help:    "End-to-end chat stream duration in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	ChatTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepchat_chat_tokens_total",
			Help: "Total tokens consumed by chat completions.",
		},
		[]string{"model", "direction"},
	)

	QuotaRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deepchat_quota_rejections_total",
			Help: "Total requests rejected by the monthly message quota.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChatStreamsTotal,
		ChatStreamDuration,
		ChatTokensTotal,
		QuotaRejectionsTotal,
	)
}
