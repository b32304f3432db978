package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
func PrometheusHandler(m *Metrics) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RegisterRuntimeCollectors adds the standard Go runtime and process
// collectors to m's registry.
func RegisterRuntimeCollectors(m *Metrics) error {
	if m == nil {
		return nil
	}
	if err := m.reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	return m.reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}
