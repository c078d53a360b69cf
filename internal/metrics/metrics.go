// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ChatRequests, ChatDuration, Rounds,
		ProviderCalls, ProviderTokens,
		ToolCalls, ToolDuration,
		ConnectAttempts, ActiveSessions,
	)
}

// ChatRequests counts chat requests by transport and outcome.
var ChatRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fda_chat_requests_total",
		Help: "Chat requests by transport and outcome.",
	},
	[]string{"transport", "status"}, // transport: http|sse|ws; status: ok|error
)

// ChatDuration observes end-to-end request latency.
var ChatDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fda_chat_duration_seconds",
		Help:    "End-to-end chat request latency.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
	},
	[]string{"transport"},
)

// Rounds observes orchestration rounds per request.
var Rounds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "fda_chat_rounds",
	Help:    "Provider rounds per chat request.",
	Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
})

// ProviderCalls counts completion provider calls.
var ProviderCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fda_provider_calls_total",
		Help: "Completion provider calls by mode and outcome.",
	},
	[]string{"mode", "status"}, // mode: complete|stream
)

// ProviderTokens counts tokens reported by the provider.
var ProviderTokens = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fda_provider_tokens_total",
		Help: "Tokens reported by the completion provider.",
	},
	[]string{"direction"}, // input|output
)

// ToolCalls counts tool invocations by tool and outcome.
var ToolCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fda_tool_calls_total",
		Help: "Tool invocations by tool and outcome.",
	},
	[]string{"tool", "status"},
)

// ToolDuration observes tool invocation latency.
var ToolDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fda_tool_duration_seconds",
		Help:    "Tool invocation latency.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// ConnectAttempts counts tool host connection attempts.
var ConnectAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fda_toolhost_connect_attempts_total",
		Help: "Tool host connection attempts by outcome.",
	},
	[]string{"status"},
)

// ActiveSessions reports the number of live sessions.
var ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "fda_active_sessions",
	Help: "Live conversation sessions.",
})

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Status maps an error to a status label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
