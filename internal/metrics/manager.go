package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Manager struct {
	registry  *prometheus.Registry
	collector *GatewayCollector
}

func NewManager(eng EngineSource, px ProxySource, log zerolog.Logger) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	collector := NewGatewayCollector(eng, px)
	registry.MustRegister(collector)

	log.Info().Msg("metrics manager initialized")

	return &Manager{
		registry:  registry,
		collector: collector,
	}
}

func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
