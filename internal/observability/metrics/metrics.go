// Package metrics exposes engine activity in the Prometheus text format.
// Counters are fed from the event bus, so components stay unaware of metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/internal/goal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opengoal"

// GoalSource 提供目标快照，由 goal.Manager 实现。
type GoalSource interface {
	GetGoals() []*goal.Goal
}

// Collector 持有独立的 registry，避免污染全局默认 registry。
type Collector struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	actions         *prometheus.CounterVec
	thinkRuns       *prometheus.CounterVec
	thinkIterations prometheus.Histogram
	goalScores      prometheus.Histogram
	dispatchErrors  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New 创建采集器并注册全部指标。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published on the engine bus.",
		}, []string{"kind"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Chain-of-thought actions by type and outcome.",
		}, []string{"type", "outcome"}),
		thinkRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "think_runs_total",
			Help:      "Finished think loops by final status.",
		}, []string{"status"}),
		thinkIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "think_iterations",
			Help:      "Iterations used by finished think loops.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		goalScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "goal_outcome_score",
			Help:      "Recorded goal outcome scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Handler errors raised inside the dispatch loop.",
		}, []string{"handler", "code"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	c.registry.MustRegister(
		c.events, c.actions, c.thinkRuns, c.thinkIterations, c.goalScores, c.dispatchErrors,
		c.httpRequests, c.httpErrors, c.httpDuration,
	)
	return c
}

// Attach 订阅总线上的全部事件，返回取消订阅函数。
func (c *Collector) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(c.observe)
}

func (c *Collector) observe(ev events.Event) {
	c.events.WithLabelValues(string(ev.Kind)).Inc()

	switch p := ev.Payload.(type) {
	case events.ActionPayload:
		switch ev.Kind {
		case events.KindActionComplete:
			c.actions.WithLabelValues(p.ActionType, "complete").Inc()
		case events.KindActionError:
			c.actions.WithLabelValues(p.ActionType, "error").Inc()
		}
	case events.ThinkPayload:
		if ev.Kind == events.KindThinkStart {
			return
		}
		status := p.Status
		if ev.Kind == events.KindThinkError {
			status = "error"
		}
		c.thinkRuns.WithLabelValues(status).Inc()
		c.thinkIterations.Observe(float64(p.Iterations))
	case events.GoalPayload:
		if ev.Kind == events.KindGoalOutcome {
			c.goalScores.Observe(p.Score)
		}
	case events.DispatchPayload:
		if ev.Kind == events.KindDispatchError {
			c.dispatchErrors.WithLabelValues(p.Handler, p.Code).Inc()
		}
	}
}

// TrackGoals 注册按状态统计目标数量的 gauge，在每次抓取时计算。
func (c *Collector) TrackGoals(src GoalSource) {
	c.registry.MustRegister(&goalCollector{src: src, desc: prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "goals"),
		"Goals in the graph by horizon and status.",
		[]string{"horizon", "status"}, nil,
	)})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 registry。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

type goalCollector struct {
	src  GoalSource
	desc *prometheus.Desc
}

func (g *goalCollector) Describe(ch chan<- *prometheus.Desc) { ch <- g.desc }

func (g *goalCollector) Collect(ch chan<- prometheus.Metric) {
	type key struct{ horizon, status string }
	counts := make(map[key]int)
	for _, item := range g.src.GetGoals() {
		counts[key{string(item.Horizon), string(item.Status)}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, float64(n), k.horizon, k.status)
	}
}
