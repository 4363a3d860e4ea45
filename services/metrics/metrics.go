// Package metrics exposes sensor readings and poller health as Prometheus
// metrics, fed from the bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/services/poller"
	"aqm-go/store"
)

const namespace = "aqm"

type Metrics struct {
	st *store.Store

	value   *prometheus.GaugeVec
	status  *prometheus.GaugeVec
	state   prometheus.Gauge
	samples prometheus.Gauge
	skips   prometheus.Gauge
	faults  *prometheus.CounterVec
}

// New registers the collectors on reg. st may be nil.
func New(reg prometheus.Registerer, st *store.Store) (*Metrics, error) {
	m := &Metrics{
		st: st,
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "value",
			Help: "Last reading per field; absent readings are not exported.",
		}, []string{"field"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "status",
			Help: "Device status register flags, 1 when set.",
		}, []string{"bit"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "poller", Name: "state",
			Help: "Poller state: 0 starting, 1 running, 2 recovering, 3 stopped.",
		}),
		samples: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "samples",
			Help: "Samples held in the ring buffer.",
		}),
		skips: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "skip_markers",
			Help: "Skip marker slots in the ring buffer.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "faults_total",
			Help: "Failed poll cycles by error code.",
		}, []string{"code"}),
	}
	for _, c := range []prometheus.Collector{m.value, m.status, m.state, m.samples, m.skips, m.faults} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	for _, name := range sen5x.StatusNames() {
		m.status.WithLabelValues(name).Set(0)
	}
	return m, nil
}

// Handler serves the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Observe updates the metrics from one poller message.
func (m *Metrics) Observe(msg *bus.Message) {
	switch ev := msg.Payload.(type) {
	case poller.SampleEvent:
		for f := sen5x.Field(0); f < sen5x.NumFields; f++ {
			if v, ok := ev.Sample.Get(f); ok {
				m.value.WithLabelValues(f.Key()).Set(v)
			} else {
				m.value.DeleteLabelValues(f.Key())
			}
		}
		if m.st != nil {
			s := m.st.Stats()
			m.samples.Set(float64(s.Count))
			m.skips.Set(float64(s.Skips))
		}
	case poller.StatusEvent:
		for _, name := range sen5x.StatusNames() {
			v := 0.0
			if ev.Status&sen5x.Bit(name) != 0 {
				v = 1
			}
			m.status.WithLabelValues(name).Set(v)
		}
	case poller.FaultEvent:
		m.faults.WithLabelValues(string(ev.Code)).Inc()
	case poller.State:
		m.state.Set(float64(ev))
	}
}

// Run feeds the metrics from the poller topics until ctx is done.
func (m *Metrics) Run(ctx context.Context, conn *bus.Connection) error {
	sub := conn.Subscribe(bus.T("sensor", bus.Rest))
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			m.Observe(msg)
		}
	}
}
