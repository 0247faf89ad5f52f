package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ezproxy"

// Registry holds the ezproxy collectors on a private prometheus registry.
// All methods are safe to call on a nil *Registry.
type Registry struct {
	registry *prometheus.Registry

	Transactions        *prometheus.CounterVec
	TransactionDuration prometheus.Histogram
	Rollbacks           *prometheus.CounterVec
	Rules               prometheus.Gauge
	PresetServerUp      *prometheus.GaugeVec
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Config write transactions by outcome.",
		}, []string{"outcome"}),
		TransactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time spent between taking and releasing the write guard.",
			Buckets:   prometheus.DefBuckets,
		}),
		Rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollbacks of the managed config file by result.",
		}, []string{"result"}),
		Rules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules",
			Help:      "Per-IP rules found on the last parse of the managed file.",
		}),
		PresetServerUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preset_server_up",
			Help:      "Whether the last health probes consider a preset server reachable.",
		}, []string{"name"}),
	}
}

// Handler returns the HTTP handler exposing the registry.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveTransaction records the outcome of a write transaction.
func (r *Registry) ObserveTransaction(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.Transactions.WithLabelValues(outcome).Inc()
	if duration > 0 {
		r.TransactionDuration.Observe(duration.Seconds())
	}
}

// ObserveRollback records a rollback attempt.
func (r *Registry) ObserveRollback(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.Rollbacks.WithLabelValues(result).Inc()
}

// SetRules records the number of rules seen in the managed file.
func (r *Registry) SetRules(count int) {
	if r == nil {
		return
	}
	r.Rules.Set(float64(count))
}

// SetPresetServerUp records the health of a preset server.
func (r *Registry) SetPresetServerUp(name string, up bool) {
	if r == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	r.PresetServerUp.WithLabelValues(name).Set(value)
}

// ForgetPresetServer drops the series of a preset server that no longer exists.
func (r *Registry) ForgetPresetServer(name string) {
	if r == nil {
		return
	}
	r.PresetServerUp.DeleteLabelValues(name)
}
