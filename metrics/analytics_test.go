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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func Test_NewAnalytics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	an := NewAnalytics(reg, "ecoflow")

	an.MQTTConnected.WithLabelValues("mqtt").Set(1)
	an.HTTPRequests.WithLabelValues("/device/list", "success").Inc()
	an.QuotaRequests.WithLabelValues("sent").Inc()

	names := []string{
		"ecoflow_mqtt_connected",
		"ecoflow_http_requests_total",
		"ecoflow_quota_requests_total",
	}
	got, err := reg.Gather()
	assert.NoError(t, err)

	found := map[string]bool{}
	for _, mf := range got {
		found[mf.GetName()] = true
	}
	for _, name := range names {
		assert.True(t, found[name], "missing %s", name)
	}
}

func Test_NewAnalytics_PrefixApplies(t *testing.T) {
	reg := prometheus.NewRegistry()
	an := NewAnalytics(reg, "powerstation")

	an.CacheOperations.WithLabelValues("hit").Inc()
	assert.Equal(t, 1, testutil.CollectAndCount(an.CacheOperations, "powerstation_cache_operations_total"))
}

func Test_Analytics_Timers(t *testing.T) {
	an := NewAnalytics(prometheus.NewRegistry(), "ecoflow")

	an.TimeHTTPRequest("/device/list").ObserveDuration()
	assert.Equal(t, 1, testutil.CollectAndCount(an.HTTPRequestDuration))

	an.TimeAuth("device").ObserveDuration()
	assert.Equal(t, 1, testutil.CollectAndCount(an.AuthDuration))

	an.TimeScrape(prometheus.Labels{
		"device":             "sn",
		"device_name":        "name",
		"product_name":       "product",
		"device_general_key": "key",
	}).ObserveDuration()
	assert.Equal(t, 1, testutil.CollectAndCount(an.ScrapeDuration))
}

func Test_ScrapeRequests_LabelTuple(t *testing.T) {
	an := NewAnalytics(prometheus.NewRegistry(), "ecoflow")

	an.ScrapeRequests.WithLabelValues("sn", "name", "product", "key", "success").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(
		an.ScrapeRequests.WithLabelValues("sn", "name", "product", "key", "success")))
}
