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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpDurationBuckets   = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	authDurationBuckets   = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	scrapeDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Analytics holds the exporter's self-observability collectors: scrape
// outcomes, HTTP and auth latency, broker connection health, quota request
// accounting. These describe the exporter itself, not the device.
//
// One instance is constructed at startup and handed by reference to every
// component that accounts into it; tests build isolated instances over fresh
// registries.
type Analytics struct {
	ScrapeDuration   *prometheus.HistogramVec
	ScrapeRequests   *prometheus.CounterVec
	MetricsCollected *prometheus.GaugeVec

	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequests        *prometheus.CounterVec
	CacheOperations     *prometheus.CounterVec

	AuthDuration *prometheus.HistogramVec
	AuthRequests *prometheus.CounterVec

	MQTTConnected     *prometheus.GaugeVec
	MQTTMessages      *prometheus.CounterVec
	MQTTReconnections *prometheus.CounterVec
	MQTTMessageErrors *prometheus.CounterVec

	QuotaRequests *prometheus.CounterVec
}

// NewAnalytics builds and registers the analytics collectors against reg
// using the configured namespace prefix.
func NewAnalytics(reg prometheus.Registerer, prefix string) *Analytics {
	a := &Analytics{
		ScrapeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_scrape_duration_seconds",
			Help:    "Time spent collecting device data",
			Buckets: scrapeDurationBuckets,
		}, DeviceLabelNames),
		ScrapeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_scrape_requests_total",
			Help: "Total number of scrape attempts",
		}, append(append([]string{}, DeviceLabelNames...), "status")),
		MetricsCollected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_metrics_collected",
			Help: "Number of metrics collected in last scrape",
		}, DeviceLabelNames),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: httpDurationBuckets,
		}, []string{"endpoint"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"endpoint", "status"}),
		CacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_cache_operations_total",
			Help: "Device list cache operations",
		}, []string{"result"}),
		AuthDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_auth_duration_seconds",
			Help:    "Authentication duration (login + credentials retrieval)",
			Buckets: authDurationBuckets,
		}, []string{"client_type"}),
		AuthRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_auth_requests_total",
			Help: "Total number of authentication attempts",
		}, []string{"client_type", "status"}),
		MQTTConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_mqtt_connected",
			Help: "MQTT connection status (1=connected, 0=disconnected)",
		}, []string{"client_type"}),
		MQTTMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_mqtt_messages_total",
			Help: "Total number of MQTT messages received",
		}, []string{"client_type", "type"}),
		MQTTReconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_mqtt_reconnections_total",
			Help: "Total number of MQTT reconnection attempts",
		}, []string{"client_type"}),
		MQTTMessageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_mqtt_message_errors_total",
			Help: "Total number of MQTT message processing errors",
		}, []string{"client_type"}),
		QuotaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_quota_requests_total",
			Help: "Total number of quota request operations",
		}, []string{"status"}),
	}

	reg.MustRegister(
		a.ScrapeDuration,
		a.ScrapeRequests,
		a.MetricsCollected,
		a.HTTPRequestDuration,
		a.HTTPRequests,
		a.CacheOperations,
		a.AuthDuration,
		a.AuthRequests,
		a.MQTTConnected,
		a.MQTTMessages,
		a.MQTTReconnections,
		a.MQTTMessageErrors,
		a.QuotaRequests,
	)

	return a
}

// TimeHTTPRequest returns a timer observing into the HTTP request duration
// histogram for the given endpoint; call ObserveDuration when done.
func (a *Analytics) TimeHTTPRequest(endpoint string) *prometheus.Timer {
	return prometheus.NewTimer(a.HTTPRequestDuration.WithLabelValues(endpoint))
}

// TimeAuth returns a timer observing into the auth duration histogram.
func (a *Analytics) TimeAuth(clientType string) *prometheus.Timer {
	return prometheus.NewTimer(a.AuthDuration.WithLabelValues(clientType))
}

// TimeScrape returns a timer observing into the scrape duration histogram
// for the given device label tuple.
func (a *Analytics) TimeScrape(labels prometheus.Labels) *prometheus.Timer {
	return prometheus.NewTimer(a.ScrapeDuration.With(labels))
}
