package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// AgentMetrics captures agent selection, client pool and tail relay state.
type AgentMetrics interface {
	// ObserveSelection records one target selection by policy and outcome
	// ("ok", "timeout", "canceled").
	ObserveSelection(policy, outcome string, durationSeconds float64)
	SetPoolSize(n int)
	AddPruned(n int)
	IncActiveTails()
	DecActiveTails()
}

// Noop implements GatewayMetrics and AgentMetrics without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) ObserveSelection(string, string, float64)       {}
func (Noop) SetPoolSize(int)                                {}
func (Noop) AddPruned(int)                                  {}
func (Noop) IncActiveTails()                                {}
func (Noop) DecActiveTails()                                {}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// --- Agent metrics ---

type agentProm struct {
	selections  *prometheus.CounterVec
	selectWait  *prometheus.HistogramVec
	poolSize    prometheus.Gauge
	pruned      prometheus.Counter
	activeTails prometheus.Gauge
	once        sync.Once
}

// NewAgentProm constructs AgentMetrics backed by Prometheus.
func NewAgentProm(namespace string) AgentMetrics {
	a := &agentProm{
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_selections_total",
			Help:      "Agent target selections by policy and outcome",
		}, []string{"policy", "outcome"}),
		selectWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_selection_duration_seconds",
			Help:      "Time spent waiting for an available agent",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"policy"}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_client_pool_size",
			Help:      "Cached agent client handles",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_clients_pruned_total",
			Help:      "Agent client handles closed because the agent left the directory",
		}),
		activeTails: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_tail_relays_active",
			Help:      "Log tail relays currently open",
		}),
	}
	a.once.Do(func() {
		prometheus.MustRegister(a.selections, a.selectWait, a.poolSize, a.pruned, a.activeTails)
	})
	return a
}

func (a *agentProm) ObserveSelection(policy, outcome string, durationSeconds float64) {
	a.selections.WithLabelValues(policy, outcome).Inc()
	a.selectWait.WithLabelValues(policy).Observe(durationSeconds)
}

func (a *agentProm) SetPoolSize(n int) {
	a.poolSize.Set(float64(n))
}

func (a *agentProm) AddPruned(n int) {
	if n > 0 {
		a.pruned.Add(float64(n))
	}
}

func (a *agentProm) IncActiveTails() {
	a.activeTails.Inc()
}

func (a *agentProm) DecActiveTails() {
	a.activeTails.Dec()
}
