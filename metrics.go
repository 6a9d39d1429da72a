package consoled

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serverMetrics struct {
	registry *prometheus.Registry

	clientsConnected prometheus.Gauge
	clientsAccepted  prometheus.Counter
	clientsClosed    *prometheus.CounterVec
	bytesIn          prometheus.Counter
	bytesOut         prometheus.Counter
	breaksSent       prometheus.Counter
}

func newServerMetrics(consoleID string) *serverMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"console": consoleID}

	return &serverMetrics{
		registry: registry,
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "consoled_clients_connected",
			Help:        "Currently connected console clients.",
			ConstLabels: labels,
		}),
		clientsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "consoled_clients_accepted_total",
			Help:        "Client connections accepted or attached.",
			ConstLabels: labels,
		}),
		clientsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "consoled_clients_closed_total",
			Help:        "Client connections closed, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Name:        "consoled_client_bytes_in_total",
			Help:        "Bytes received from clients before escape scanning.",
			ConstLabels: labels,
		}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name:        "consoled_client_bytes_out_total",
			Help:        "Console bytes delivered to client sockets.",
			ConstLabels: labels,
		}),
		breaksSent: factory.NewCounter(prometheus.CounterOpts{
			Name:        "consoled_breaks_sent_total",
			Help:        "Break signals issued via the client escape sequence.",
			ConstLabels: labels,
		}),
	}
}

// MetricsHandler serves the server's Prometheus registry.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})
}
