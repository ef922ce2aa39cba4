// Package metrics registers the Prometheus instruments shared across the
// agent core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsLive tracks the number of live sessions held by the orchestrator.
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_sessions_live",
		Help: "Number of live (in-memory) sessions.",
	})

	// SessionsDisposed counts session disposals by reason.
	SessionsDisposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_sessions_disposed_total",
		Help: "Sessions disposed, by reason.",
	}, []string{"reason"})

	// Confirmations counts confirmation outcomes.
	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_confirmations_total",
		Help: "Tool confirmation outcomes.",
	}, []string{"outcome"})

	// ToolCalls counts tool dispatches by server and status.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_tool_calls_total",
		Help: "Tool calls dispatched to tool servers.",
	}, []string{"server", "status"})

	// Runs counts chat run completions by outcome.
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_runs_total",
		Help: "Chat runs, by outcome.",
	}, []string{"outcome"})
)
