package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	// LLMRequests counts provider attempts by provider and outcome.
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration observes provider latency by provider.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens counts tokens by provider and direction.
	LLMTokens *prometheus.CounterVec

	// Failovers counts exhausted-provider failovers by provider.
	Failovers *prometheus.CounterVec

	// ToolExecutions counts tool runs by tool and outcome.
	ToolExecutions *prometheus.CounterVec

	// ToolDuration observes tool run latency by tool.
	ToolDuration *prometheus.HistogramVec

	// Compactions counts compactor runs by outcome.
	Compactions *prometheus.CounterVec

	// RetrieverCache counts retriever L1 lookups by result.
	RetrieverCache *prometheus.CounterVec
}

// NewMetrics registers the collectors on the given registerer. A nil
// registerer uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_llm_requests_total",
			Help: "LLM provider attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quill_llm_request_duration_seconds",
			Help:    "LLM provider request latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_llm_tokens_total",
			Help: "Tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		Failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_llm_failovers_total",
			Help: "Provider failovers after an exhausted retry budget.",
		}, []string{"provider"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_tool_executions_total",
			Help: "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quill_tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		Compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_compactions_total",
			Help: "Context compaction runs by outcome.",
		}, []string{"outcome"}),
		RetrieverCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_retriever_cache_total",
			Help: "Retriever L1 cache lookups by result.",
		}, []string{"result"}),
	}
}
