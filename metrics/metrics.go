package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/the-lightning-land/updated/updater"
)

var states = []updater.State{
	updater.StateIdle,
	updater.StateInstalling,
	updater.StateSucceeded,
	updater.StateFailed,
}

// Metrics mirrors hub events into Prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	updateAvailable prometheus.Gauge
	installState    *prometheus.GaugeVec
	installProgress prometheus.Gauge
	installsTotal   *prometheus.CounterVec
}

func New(reg *prometheus.Registry) *Metrics {
	promFactory := promauto.With(reg)

	m := &Metrics{
		gatherer: reg,
		updateAvailable: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "updated_update_available",
			Help: "Whether an update is available for installation",
		}),
		installState: promFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "updated_install_state",
				Help: "Current install session state, 1 for the active state",
			},
			[]string{"state"},
		),
		installProgress: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "updated_install_progress",
			Help: "Progress of the current install session in percent",
		}),
		installsTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "updated_installs_total",
				Help: "Finished install sessions labelled by result",
			},
			[]string{"result"},
		),
	}

	m.setState(updater.StateIdle)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Run consumes the subscription until it is cancelled.
func (m *Metrics) Run(sub *updater.Subscription) {
	for event := range sub.Events {
		m.Observe(event)
	}
}

func (m *Metrics) Observe(event updater.Event) {
	switch event.Type {
	case updater.EventUpdateAvailable:
		m.updateAvailable.Set(1)
	case updater.EventCatalogCleared:
		m.updateAvailable.Set(0)
	case updater.EventSessionChanged:
		session := event.Session
		if session == nil {
			return
		}

		m.setState(session.State)
		m.installProgress.Set(float64(session.Progress))

		if session.State.Terminal() {
			m.installsTotal.WithLabelValues(session.State.String()).Inc()
		}
	}
}

func (m *Metrics) setState(current updater.State) {
	for _, state := range states {
		value := 0.0
		if state == current {
			value = 1
		}

		m.installState.WithLabelValues(state.String()).Set(value)
	}
}
