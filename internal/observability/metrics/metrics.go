// Package metrics exposes Prometheus instrumentation for the HTTP surface,
// the orchestration loop, the shared tool infrastructure and the rule engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector of this package. It is separate from the
// global default registry so tests can gather it in isolation.
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow", Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})
	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentflow", Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler", "method"})

	turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow", Subsystem: "engine", Name: "turns_total",
		Help: "Completed turns by decision and error kind.",
	}, []string{"decision", "error_kind"})
	turnIterations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentflow", Subsystem: "engine", Name: "turn_iterations",
		Help:    "Plan/execute/analyze iterations per turn.",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
	})
	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow", Subsystem: "tools", Name: "invocations_total",
		Help: "Tool steps by tool, status and error kind.",
	}, []string{"tool", "status", "error_kind"})
	toolLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentflow", Subsystem: "tools", Name: "duration_seconds",
		Help:    "Tool step latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"tool"})
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow", Subsystem: "cache", Name: "lookups_total",
		Help: "Cache lookups by outcome (hit, miss, shared).",
	}, []string{"outcome"})
	creditsCharged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentflow", Subsystem: "credits", Name: "charged_total",
		Help: "Credits charged for successful tool steps.",
	})
	rateLimit = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow", Subsystem: "ratelimit", Name: "decisions_total",
		Help: "Rate limiter decisions by service and outcome.",
	}, []string{"service", "outcome"})
	ruleResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow", Subsystem: "rules", Name: "evaluations_total",
		Help: "Rule evaluations by status.",
	}, []string{"status"})
	ruleActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow", Subsystem: "rules", Name: "actions_total",
		Help: "Automation actions by kind and outcome.",
	}, []string{"kind", "outcome"})
	jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow", Subsystem: "jobs", Name: "transitions_total",
		Help: "Async job state transitions.",
	}, []string{"status"})
)

func init() {
	Registry.MustRegister(
		httpRequests, httpLatency,
		turns, turnIterations,
		toolCalls, toolLatency,
		cacheLookups, creditsCharged, rateLimit,
		ruleResults, ruleActions, jobs,
		prometheus.NewGoCollector(),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTurn records a finished turn.
func ObserveTurn(decision, errorKind string, iterations int) {
	turns.WithLabelValues(decision, errorKind).Inc()
	turnIterations.Observe(float64(iterations))
}

// ObserveToolStep records one executed plan step.
func ObserveToolStep(tool, status, errorKind string, elapsed time.Duration, credits float64) {
	toolCalls.WithLabelValues(tool, status, errorKind).Inc()
	toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
	if credits > 0 {
		creditsCharged.Add(credits)
	}
}

// ObserveCacheLookup records a cache outcome.
func ObserveCacheLookup(outcome string) {
	cacheLookups.WithLabelValues(outcome).Inc()
}

// ObserveRateLimit records a limiter decision.
func ObserveRateLimit(service, outcome string) {
	rateLimit.WithLabelValues(service, outcome).Inc()
}

// ObserveRuleResult records a rule evaluation.
func ObserveRuleResult(status string) {
	ruleResults.WithLabelValues(status).Inc()
}

// ObserveRuleAction records an automation action attempt.
func ObserveRuleAction(kind, outcome string) {
	ruleActions.WithLabelValues(kind, outcome).Inc()
}

// ObserveJob records a job transition.
func ObserveJob(status string) {
	jobs.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone metrics server until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
