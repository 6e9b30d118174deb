/*
 * Copyright 2025 Comcast Cable Communications Management, LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metrics

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DeviceLabelNames is the fixed label tuple every device metric carries.
var DeviceLabelNames = []string{"device", "device_name", "product_name", "device_general_key"}

// Kind selects the underlying prometheus collector type for a pooled metric.
type Kind int

const (
	KindGauge Kind = iota
	KindCounter
	KindHistogram
)

var (
	indexPattern     = regexp.MustCompile(`\[(\d+)\]`)
	separatorPattern = regexp.MustCompile(`[.\[\]]`)
	collapsePattern  = regexp.MustCompile(`_+`)
)

// pooledCollector bundles a registered collector with the label names it was
// registered with. The shape name is registered at most once per pool;
// later requests reuse the collector regardless of the requested kind.
type pooledCollector struct {
	kind       Kind
	gauge      *prometheus.GaugeVec
	counter    *prometheus.CounterVec
	histogram  *prometheus.HistogramVec
	labelNames []string
}

func (c *pooledCollector) reset() {
	switch c.kind {
	case KindGauge:
		c.gauge.Reset()
	case KindCounter:
		c.counter.Reset()
	case KindHistogram:
		c.histogram.Reset()
	}
}

// Pool interns device metrics by their derived shape name and owns their
// registration against a single prometheus registry.
type Pool struct {
	mu         sync.Mutex
	prefix     string
	registerer prometheus.Registerer
	collectors map[string]*pooledCollector
}

// NewPool returns a metric pool registering collectors against reg with the
// given namespace prefix.
func NewPool(reg prometheus.Registerer, prefix string) *Pool {
	return &Pool{
		prefix:     prefix,
		registerer: reg,
		collectors: make(map[string]*pooledCollector),
	}
}

// EcoflowMetric is a handle onto a pooled collector bound to one set of
// label values. Handles sharing a shape name share the collector; only the
// label values differ.
type EcoflowMetric struct {
	collector *pooledCollector
	labels    prometheus.Labels
}

// Metric returns a handle for the given device key. Bracketed indices in the
// key become index_N label values; the remainder is folded into the metric's
// shape name. A key whose shape name was already registered reuses the
// existing collector, even when kind or buckets differ.
func (p *Pool) Metric(kind Kind, key, help string, labels prometheus.Labels, buckets []float64) *EcoflowMetric {
	name, indexLabels := ExtractIndexes(key)
	shapeName := p.prefix + "_" + ShapeName(name)

	merged := prometheus.Labels{}
	for k, v := range labels {
		merged[k] = v
	}
	for k, v := range indexLabels {
		merged[k] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.collectors[shapeName]; ok {
		if kind != c.kind || buckets != nil {
			zap.L().Warn("metric already registered, requested parameters ignored",
				zap.String("metric", shapeName))
		}
		return &EcoflowMetric{collector: c, labels: merged}
	}

	labelNames := make([]string, 0, len(merged))
	for k := range merged {
		labelNames = append(labelNames, k)
	}
	sort.Strings(labelNames)

	c := &pooledCollector{kind: kind, labelNames: labelNames}
	switch kind {
	case KindCounter:
		c.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: shapeName,
			Help: help,
		}, labelNames)
		p.registerer.MustRegister(c.counter)
	case KindHistogram:
		if buckets == nil {
			buckets = prometheus.DefBuckets
		}
		c.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    shapeName,
			Help:    help,
			Buckets: buckets,
		}, labelNames)
		p.registerer.MustRegister(c.histogram)
	default:
		c.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: shapeName,
			Help: help,
		}, labelNames)
		p.registerer.MustRegister(c.gauge)
	}
	p.collectors[shapeName] = c

	return &EcoflowMetric{collector: c, labels: merged}
}

// Reset clears every label set of every pooled gauge. Used when the device
// goes offline so stale readings are not exposed. Counters keep their
// history across offline periods.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.collectors {
		if c.kind == KindGauge {
			c.reset()
		}
	}
}

// Set sets the gauge behind the handle.
func (m *EcoflowMetric) Set(v float64) {
	if m.collector.gauge != nil {
		m.collector.gauge.With(m.labels).Set(v)
	}
}

// Inc increments the counter behind the handle, or adds 1 to the gauge when
// the handle was interned as a gauge.
func (m *EcoflowMetric) Inc() {
	switch {
	case m.collector.counter != nil:
		m.collector.counter.With(m.labels).Inc()
	case m.collector.gauge != nil:
		m.collector.gauge.With(m.labels).Inc()
	}
}

// Observe records an observation on the histogram behind the handle.
func (m *EcoflowMetric) Observe(v float64) {
	if m.collector.histogram != nil {
		m.collector.histogram.With(m.labels).Observe(v)
	}
}

// Clear resets all label sets of the underlying collector.
func (m *EcoflowMetric) Clear() {
	m.collector.reset()
}

// ExtractIndexes strips bracketed indices from a device key and returns the
// stripped key together with index_N labels in order of appearance.
func ExtractIndexes(key string) (string, prometheus.Labels) {
	labels := prometheus.Labels{}
	matches := indexPattern.FindAllStringSubmatch(key, -1)
	for i, m := range matches {
		labels["index_"+strconv.Itoa(i)] = m[1]
	}
	return indexPattern.ReplaceAllString(key, ""), labels
}

// ShapeName derives the stable Prometheus identity of a device key: dots and
// brackets fold to underscores, runs collapse, and camelCase becomes
// snake_case. Bracketed indices must be stripped beforehand.
func ShapeName(key string) string {
	s := separatorPattern.ReplaceAllString(key, "_")
	s = collapsePattern.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	return strcase.ToSnake(s)
}
