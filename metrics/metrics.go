// Package metrics provides Prometheus instrumentation for the agent node:
// JSON-RPC traffic, SSE streams, task lifecycle, provider calls, tool calls
// and workflow executions. Collectors are package-level; the Exporter serves
// them and the TaskListener projects bus records onto the task metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentnode"

var (
	// rpcRequestsTotal counts JSON-RPC requests by method and outcome.
	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Total number of JSON-RPC requests",
		},
		[]string{"method", "status"}, // status: ok, error
	)

	// rpcRequestDuration is a histogram of JSON-RPC handling duration.
	rpcRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "Histogram of JSON-RPC request handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// sseStreamsActive is a gauge of currently open SSE streams.
	sseStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_streams_active",
			Help:      "Number of currently open SSE streams",
		},
	)

	// tasksCreatedTotal counts created tasks by kind.
	tasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created",
		},
		[]string{"kind"}, // kind: ai-turn, workflow
	)

	// tasksFinishedTotal counts terminal task transitions by kind and state.
	tasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks reaching a terminal state",
		},
		[]string{"kind", "state"},
	)

	// taskDuration is a histogram of task lifetime from creation to final.
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Histogram of task lifetime in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
		[]string{"kind", "state"},
	)

	// taskTransitionsTotal counts every status transition by the new state.
	taskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"state"},
	)

	// tasksLive is a gauge of non-terminal tasks by current state.
	tasksLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_live",
			Help:      "Non-terminal tasks by current state",
		},
		[]string{"state"},
	)

	// eventsPublishedTotal counts bus records by event kind.
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published to task streams",
		},
		[]string{"kind"},
	)

	// busSubscriptions is a gauge of open task stream subscriptions.
	busSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscriptions",
			Help:      "Number of open task stream subscriptions",
		},
	)

	// providerRequestsTotal counts model stream calls by provider and outcome.
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of model provider calls",
		},
		[]string{"provider", "status"}, // status: ok, error
	)

	// providerRequestDuration is a histogram of model stream duration.
	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of model provider calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	// turnDuration is a histogram of full AI turn duration, model rounds and
	// tool calls included.
	turnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of full AI turns in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)

	// toolCallsTotal counts external tool invocations by tool and outcome.
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of external tool calls",
		},
		[]string{"tool", "status"}, // status: ok, error
	)

	// toolCallDuration is a histogram of external tool call duration.
	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of external tool calls in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"tool"},
	)

	// workflowDuration is a histogram of workflow execution lifetime by plugin
	// and terminal state.
	workflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Duration of workflow executions in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"plugin", "state"},
	)

	// workflowYieldsTotal counts plugin yields by kind: working, progress,
	// artifact, message or pause.
	workflowYieldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_yields_total",
			Help:      "Total number of workflow plugin yields",
		},
		[]string{"kind"},
	)

	// contextsActive is a gauge of live conversation contexts.
	contextsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_active",
			Help:      "Number of live conversation contexts",
		},
	)

	// contextsSweptTotal counts contexts retired by the idle sweeper.
	contextsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contexts_swept_total",
			Help:      "Total number of contexts retired for idleness",
		},
	)

	// storeTasks is a gauge of tasks retained in the store.
	storeTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_tasks",
			Help:      "Tasks retained in the store",
		},
		[]string{"scope"}, // scope: total, non_terminal
	)

	// configAppliesTotal counts applied configuration snapshots.
	configAppliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_applies_total",
			Help:      "Configuration snapshots applied by the hot-reload coordinator",
		},
	)

	// configVersion is the version of the last applied snapshot.
	configVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_version",
			Help:      "Version of the last applied configuration snapshot",
		},
	)

	// allMetrics is the registration list for the Exporter.
	allMetrics = []prometheus.Collector{
		rpcRequestsTotal,
		rpcRequestDuration,
		sseStreamsActive,
		tasksCreatedTotal,
		tasksFinishedTotal,
		taskDuration,
		taskTransitionsTotal,
		tasksLive,
		eventsPublishedTotal,
		busSubscriptions,
		providerRequestsTotal,
		providerRequestDuration,
		turnDuration,
		toolCallsTotal,
		toolCallDuration,
		workflowDuration,
		workflowYieldsTotal,
		contextsActive,
		contextsSweptTotal,
		storeTasks,
		configAppliesTotal,
		configVersion,
	}
)

// RecordRPCRequest records one handled JSON-RPC request.
func RecordRPCRequest(method, status string, durationSeconds float64) {
	rpcRequestsTotal.WithLabelValues(method, status).Inc()
	rpcRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// SSEStreamOpened records a newly opened SSE stream.
func SSEStreamOpened() {
	sseStreamsActive.Inc()
}

// SSEStreamClosed records a closed SSE stream.
func SSEStreamClosed() {
	sseStreamsActive.Dec()
}

// RecordProviderRequest records one model provider call.
func RecordProviderRequest(provider, status string, durationSeconds float64) {
	providerRequestsTotal.WithLabelValues(provider, status).Inc()
	providerRequestDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordTurn records the duration of one full AI turn.
func RecordTurn(durationSeconds float64) {
	turnDuration.Observe(durationSeconds)
}

// RecordToolCall records one external tool invocation.
func RecordToolCall(tool, status string, durationSeconds float64) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordWorkflowExecution records one finished workflow execution.
func RecordWorkflowExecution(plugin, state string, durationSeconds float64) {
	workflowDuration.WithLabelValues(plugin, state).Observe(durationSeconds)
}

// RecordWorkflowYield records one plugin yield.
func RecordWorkflowYield(kind string) {
	workflowYieldsTotal.WithLabelValues(kind).Inc()
}

// SetContextsActive records the live context count after a sweep.
func SetContextsActive(n int) {
	contextsActive.Set(float64(n))
}

// RecordContextsSwept records contexts retired by one sweep pass.
func RecordContextsSwept(n int) {
	contextsSweptTotal.Add(float64(n))
}

// SetBusSubscriptions records the open subscription count after a sweep.
func SetBusSubscriptions(n int) {
	busSubscriptions.Set(float64(n))
}

// SetStoreTasks records store occupancy after a sweep.
func SetStoreTasks(total, nonTerminal int) {
	storeTasks.WithLabelValues("total").Set(float64(total))
	storeTasks.WithLabelValues("non_terminal").Set(float64(nonTerminal))
}

// RecordConfigApplied records one applied configuration snapshot.
func RecordConfigApplied(version int64) {
	configAppliesTotal.Inc()
	configVersion.Set(float64(version))
}
