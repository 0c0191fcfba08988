// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package metrics

import (
	"net/http"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = log15.New("pkg", "metrics")

const namespace = "ember_snode"

// InitializePrometheusMetrics switches the default backend to prometheus.
// Safe to call more than once.
func InitializePrometheusMetrics() {
	if _, ok := metrics.(*prometheusMetrics); !ok {
		metrics = newPrometheusMetrics()
	}
}

type prometheusMetrics struct {
	counters    sync.Map
	counterVecs sync.Map
	gauges      sync.Map
	gaugeVecs   sync.Map
}

func newPrometheusMetrics() Metrics {
	return &prometheusMetrics{}
}

func (o *prometheusMetrics) GetOrCreateCountMeter(name string) CountMeter {
	if m, ok := o.counters.Load(name); ok {
		return m.(CountMeter)
	}
	meter := o.newCountMeter(name)
	o.counters.Store(name, meter)
	return meter
}

func (o *prometheusMetrics) GetOrCreateCountVecMeter(name string, labels []string) CountVecMeter {
	if m, ok := o.counterVecs.Load(name); ok {
		return m.(CountVecMeter)
	}
	meter := o.newCountVecMeter(name, labels)
	o.counterVecs.Store(name, meter)
	return meter
}

func (o *prometheusMetrics) GetOrCreateGaugeMeter(name string) GaugeMeter {
	if m, ok := o.gauges.Load(name); ok {
		return m.(GaugeMeter)
	}
	meter := o.newGaugeMeter(name)
	o.gauges.Store(name, meter)
	return meter
}

func (o *prometheusMetrics) GetOrCreateGaugeVecMeter(name string, labels []string) GaugeVecMeter {
	if m, ok := o.gaugeVecs.Load(name); ok {
		return m.(GaugeVecMeter)
	}
	meter := o.newGaugeVecMeter(name, labels)
	o.gaugeVecs.Store(name, meter)
	return meter
}

func (o *prometheusMetrics) GetOrCreateHandler() http.Handler {
	return promhttp.Handler()
}

func (o *prometheusMetrics) newCountMeter(name string) CountMeter {
	meter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
	})
	if err := prometheus.Register(meter); err != nil {
		log.Warn("unable to register metric", "name", name, "err", err)
	}
	return &promCountMeter{counter: meter}
}

func (o *prometheusMetrics) newCountVecMeter(name string, labels []string) CountVecMeter {
	meter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
	}, labels)
	if err := prometheus.Register(meter); err != nil {
		log.Warn("unable to register metric", "name", name, "err", err)
	}
	return &promCountVecMeter{counter: meter}
}

func (o *prometheusMetrics) newGaugeMeter(name string) GaugeMeter {
	meter := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
	})
	if err := prometheus.Register(meter); err != nil {
		log.Warn("unable to register metric", "name", name, "err", err)
	}
	return &promGaugeMeter{gauge: meter}
}

func (o *prometheusMetrics) newGaugeVecMeter(name string, labels []string) GaugeVecMeter {
	meter := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
	}, labels)
	if err := prometheus.Register(meter); err != nil {
		log.Warn("unable to register metric", "name", name, "err", err)
	}
	return &promGaugeVecMeter{gauge: meter}
}

type promCountMeter struct {
	counter prometheus.Counter
}

func (c *promCountMeter) Add(v int64) {
	c.counter.Add(float64(v))
}

type promCountVecMeter struct {
	counter *prometheus.CounterVec
}

func (c *promCountVecMeter) AddWithLabel(v int64, labels map[string]string) {
	c.counter.With(labels).Add(float64(v))
}

type promGaugeMeter struct {
	gauge prometheus.Gauge
}

func (g *promGaugeMeter) Add(v int64) {
	g.gauge.Add(float64(v))
}

func (g *promGaugeMeter) Set(v int64) {
	g.gauge.Set(float64(v))
}

type promGaugeVecMeter struct {
	gauge *prometheus.GaugeVec
}

func (g *promGaugeVecMeter) SetWithLabel(v int64, labels map[string]string) {
	g.gauge.With(labels).Set(float64(v))
}
