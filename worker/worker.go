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

// Package worker drives the collection loop: poll the backend, project the
// device's quota map onto Prometheus gauges, repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comcast/ecoflowmetrics/api"
	"github.com/comcast/ecoflowmetrics/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// maxProjectionDepth bounds recursion into nested quota values so a
// pathological payload cannot blow the stack.
const maxProjectionDepth = 32

// errDeviceNotFound makes a vanished device take the retry-timeout sleep
// without counting as a connection error.
var errDeviceNotFound = errors.New("device not found")

// Identity is the label identity every device metric carries.
type Identity struct {
	SN         string
	Name       string
	Product    string
	GeneralKey string
}

func (id Identity) labels() prometheus.Labels {
	return prometheus.Labels{
		"device":             id.SN,
		"device_name":        id.Name,
		"product_name":       id.Product,
		"device_general_key": id.GeneralKey,
	}
}

func (id Identity) labelValues() []string {
	return []string{id.SN, id.Name, id.Product, id.GeneralKey}
}

// Worker owns one device's collection loop.
type Worker struct {
	client api.Client
	id     Identity
	labels prometheus.Labels
	pool   *metrics.Pool
	an     *metrics.Analytics

	online           *metrics.EcoflowMetric
	connectionErrors *metrics.EcoflowMetric

	collectingInterval time.Duration
	retryTimeout       time.Duration
}

// New builds a worker for one device. Intervals default to 10s collection
// and 30s retry backoff when zero.
func New(client api.Client, id Identity, pool *metrics.Pool, an *metrics.Analytics,
	collectingInterval, retryTimeout time.Duration) *Worker {
	if collectingInterval == 0 {
		collectingInterval = 10 * time.Second
	}
	if retryTimeout == 0 {
		retryTimeout = 30 * time.Second
	}
	labels := id.labels()
	return &Worker{
		client: client,
		id:     id,
		labels: labels,
		pool:   pool,
		an:     an,
		online: pool.Metric(metrics.KindGauge, "online",
			"1 if device is online", labels, nil),
		connectionErrors: pool.Metric(metrics.KindCounter, "connection_errors",
			"Connection errors count to Ecoflow IOT API", labels, nil),
		collectingInterval: collectingInterval,
		retryTimeout:       retryTimeout,
	}
}

// Run collects until the context is canceled. A failed cycle counts a
// connection error and waits the retry timeout instead of the collection
// interval.
func (w *Worker) Run(ctx context.Context) {
	for {
		sleep := w.collectingInterval
		if err := w.collect(ctx); err != nil {
			zap.L().Error("collection failed",
				zap.String("device", w.id.SN),
				zap.Duration("retry_in", w.retryTimeout),
				zap.Error(err))
			if !errors.Is(err, errDeviceNotFound) {
				w.connectionErrors.Inc()
			}
			sleep = w.retryTimeout
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// collect runs one collection cycle.
func (w *Worker) collect(ctx context.Context) error {
	timer := w.an.TimeScrape(w.labels)
	defer timer.ObserveDuration()

	device, err := w.client.GetDevice(ctx, w.id.SN)
	if err != nil {
		w.resetMetrics()
		w.countScrape("error")
		return err
	}
	if device == nil {
		w.online.Set(0)
		w.an.MetricsCollected.WithLabelValues(w.id.labelValues()...).Set(0)
		w.countScrape("not_found")
		zap.L().Warn("device not found", zap.String("device", w.id.SN))
		return errDeviceNotFound
	}

	if !device.Online {
		w.online.Set(0)
		w.countScrape("offline")
		zap.L().Info("device is offline", zap.String("device", w.id.SN))
		w.resetMetrics()
		return nil
	}
	w.online.Set(1)

	quota, err := w.client.GetDeviceQuota(ctx, w.id.SN)
	if err != nil {
		w.resetMetrics()
		w.countScrape("error")
		return err
	}

	collected := 0
	for key, value := range quota {
		collected += w.project(key, value, 0)
	}
	w.an.MetricsCollected.WithLabelValues(w.id.labelValues()...).Set(float64(collected))
	w.countScrape("success")
	return nil
}

// project maps one quota value onto gauges, recursing into sequences and
// nested objects: element i of a sequence becomes key[i], field f of an
// object becomes key.f. Returns the number of gauges touched.
func (w *Worker) project(key string, value any, depth int) int {
	if depth > maxProjectionDepth {
		zap.L().Warn("quota value nested too deeply", zap.String("key", key))
		return 0
	}
	switch v := value.(type) {
	case float64:
		w.setGauge(key, v)
		return 1
	case int:
		w.setGauge(key, float64(v))
		return 1
	case int64:
		w.setGauge(key, float64(v))
		return 1
	case uint64:
		w.setGauge(key, float64(v))
		return 1
	case float32:
		w.setGauge(key, float64(v))
		return 1
	case bool:
		n := 0.0
		if v {
			n = 1.0
		}
		w.setGauge(key, n)
		return 1
	case []any:
		n := 0
		for i, sub := range v {
			n += w.project(fmt.Sprintf("%s[%d]", key, i), sub, depth+1)
		}
		return n
	case map[string]any:
		n := 0
		for sub, subValue := range v {
			n += w.project(key+"."+sub, subValue, depth+1)
		}
		return n
	default:
		zap.L().Debug("skipping non-numeric quota value", zap.String("key", key))
		return 0
	}
}

func (w *Worker) setGauge(key string, v float64) {
	w.pool.Metric(metrics.KindGauge, key, "Device metric "+key, w.labels, nil).Set(v)
}

func (w *Worker) countScrape(status string) {
	w.an.ScrapeRequests.WithLabelValues(append(w.id.labelValues(), status)...).Inc()
}

// resetMetrics clears all pooled device gauges so an offline device stops
// exporting stale values. The online gauge itself is re-set by the caller.
func (w *Worker) resetMetrics() {
	w.pool.Reset()
	w.online.Set(0)
}
