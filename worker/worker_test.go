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

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/comcast/ecoflowmetrics/api"
	"github.com/comcast/ecoflowmetrics/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// stubClient serves canned answers for one device.
type stubClient struct {
	device    *api.DeviceInfo
	deviceErr error
	quota     map[string]any
	quotaErr  error
}

func (s *stubClient) Connect(context.Context) error { return nil }
func (s *stubClient) Disconnect()                   {}

func (s *stubClient) GetDevices(context.Context) ([]api.DeviceInfo, error) {
	if s.device == nil {
		return nil, nil
	}
	return []api.DeviceInfo{*s.device}, nil
}

func (s *stubClient) GetDevice(context.Context, string) (*api.DeviceInfo, error) {
	return s.device, s.deviceErr
}

func (s *stubClient) GetDeviceQuota(context.Context, string) (map[string]any, error) {
	return s.quota, s.quotaErr
}

func testIdentity() Identity {
	return Identity{
		SN:         "R601ZAB123456789",
		Name:       "garage-river",
		Product:    "RIVER 2",
		GeneralKey: "ecoflow_ps_river_256",
	}
}

func newTestWorker(client api.Client) (*Worker, *prometheus.Registry, *metrics.Analytics) {
	reg := prometheus.NewRegistry()
	an := metrics.NewAnalytics(reg, "ecoflow")
	pool := metrics.NewPool(reg, "ecoflow")
	return New(client, testIdentity(), pool, an, time.Second, time.Second), reg, an
}

// gaugeValue reads a projected device gauge back out of the registry by its
// quota key.
func gaugeValue(t *testing.T, reg *prometheus.Registry, key string) (float64, bool) {
	t.Helper()

	stripped, indexes := metrics.ExtractIndexes(key)
	name := "ecoflow_" + metrics.ShapeName(stripped)
	want := testIdentity().labels()
	for k, v := range indexes {
		want[k] = v
	}

	families, err := reg.Gather()
	assert.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if wv, ok := want[lp.GetName()]; ok && wv != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func assertGauge(t *testing.T, reg *prometheus.Registry, key string, want float64) {
	t.Helper()
	got, ok := gaugeValue(t, reg, key)
	assert.True(t, ok, "gauge for %q not found", key)
	assert.Equal(t, want, got, "gauge for %q", key)
}

func scrapeCount(an *metrics.Analytics, status string) float64 {
	id := testIdentity()
	return testutil.ToFloat64(an.ScrapeRequests.WithLabelValues(
		id.SN, id.Name, id.Product, id.GeneralKey, status))
}

func Test_Collect_Success(t *testing.T) {
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota: map[string]any{
			"soc":           87.5,
			"pd.wattsInSum": 123,
			"charging":      true,
		},
	}
	w, reg, an := newTestWorker(client)

	assert.NoError(t, w.collect(context.Background()))

	assertGauge(t, reg, "online", 1)
	assertGauge(t, reg, "soc", 87.5)
	assertGauge(t, reg, "pd.wattsInSum", 123)
	assertGauge(t, reg, "charging", 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(an.MetricsCollected))
	assert.Equal(t, 1.0, scrapeCount(an, "success"))
}

func Test_Collect_ProjectsNestedValues(t *testing.T) {
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota: map[string]any{
			"bms":          map[string]any{"soc": 90.0, "temp": 31.0},
			"cellVoltages": []any{3.31, 3.32},
		},
	}
	w, reg, an := newTestWorker(client)

	assert.NoError(t, w.collect(context.Background()))

	assertGauge(t, reg, "bms.soc", 90)
	assertGauge(t, reg, "bms.temp", 31)
	assertGauge(t, reg, "cellVoltages[0]", 3.31)
	assertGauge(t, reg, "cellVoltages[1]", 3.32)
	assert.Equal(t, 4.0, testutil.ToFloat64(an.MetricsCollected))
}

func Test_Collect_SkipsNonNumeric(t *testing.T) {
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota: map[string]any{
			"soc":             55.0,
			"utc_timezone_id": "Europe/Berlin",
		},
	}
	w, _, an := newTestWorker(client)

	assert.NoError(t, w.collect(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(an.MetricsCollected))
}

func Test_Collect_Offline(t *testing.T) {
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota:  map[string]any{"soc": 87.5},
	}
	w, reg, an := newTestWorker(client)

	assert.NoError(t, w.collect(context.Background()))
	assertGauge(t, reg, "soc", 87.5)

	client.device.Online = false
	assert.NoError(t, w.collect(context.Background()))

	// stale gauges are cleared, only online=0 remains
	assertGauge(t, reg, "online", 0)
	_, ok := gaugeValue(t, reg, "soc")
	assert.False(t, ok, "stale soc gauge still exported")
	assert.Equal(t, 1.0, scrapeCount(an, "offline"))
}

func Test_Collect_NotFound(t *testing.T) {
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota:  map[string]any{"soc": 87.5},
	}
	w, reg, an := newTestWorker(client)

	assert.NoError(t, w.collect(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(an.MetricsCollected))

	client.device = nil
	err := w.collect(context.Background())
	assert.ErrorIs(t, err, errDeviceNotFound)

	assertGauge(t, reg, "online", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(an.MetricsCollected))
	assert.Equal(t, 1.0, scrapeCount(an, "not_found"))
}

func Test_Collect_DeviceError(t *testing.T) {
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota:  map[string]any{"soc": 85.0},
	}
	w, reg, an := newTestWorker(client)

	assert.NoError(t, w.collect(context.Background()))
	assertGauge(t, reg, "soc", 85)

	client.deviceErr = errors.New("boom")
	assert.Error(t, w.collect(context.Background()))

	// stale readings from the last good cycle must not survive the error
	assertGauge(t, reg, "online", 0)
	_, ok := gaugeValue(t, reg, "soc")
	assert.False(t, ok, "stale soc gauge still exported")
	assert.Equal(t, 1.0, scrapeCount(an, "error"))
}

func Test_Collect_QuotaError(t *testing.T) {
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota:  map[string]any{"soc": 85.0},
	}
	w, reg, an := newTestWorker(client)

	assert.NoError(t, w.collect(context.Background()))

	client.quotaErr = errors.New("quota boom")
	assert.Error(t, w.collect(context.Background()))

	assertGauge(t, reg, "online", 0)
	_, ok := gaugeValue(t, reg, "soc")
	assert.False(t, ok, "stale soc gauge still exported")
	assert.Equal(t, 1.0, scrapeCount(an, "error"))
}

func Test_Collect_OfflineKeepsConnectionErrors(t *testing.T) {
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota:  map[string]any{"soc": 50.0},
	}
	w, reg, _ := newTestWorker(client)

	w.connectionErrors.Inc()
	w.connectionErrors.Inc()

	client.device.Online = false
	assert.NoError(t, w.collect(context.Background()))

	families, err := reg.Gather()
	assert.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "ecoflow_connection_errors" {
			found = true
			assert.Equal(t, 2.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "connection errors counter dropped from registry")
}

func Test_Project_DepthCap(t *testing.T) {
	// a value nested past the cap is dropped rather than recursed into
	var value any = 1.0
	for i := 0; i < maxProjectionDepth+2; i++ {
		value = map[string]any{"n": value}
	}
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota:  map[string]any{"deep": value},
	}
	w, _, an := newTestWorker(client)

	assert.NoError(t, w.collect(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(an.MetricsCollected))
}

func Test_Run_StopsOnContextCancel(t *testing.T) {
	client := &stubClient{
		device: &api.DeviceInfo{SN: "R601ZAB123456789", Online: true},
		quota:  map[string]any{"soc": 50.0},
	}
	w, _, an := newTestWorker(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return scrapeCount(an, "success") >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func Test_Run_ErrorRetriesAndCounts(t *testing.T) {
	client := &stubClient{deviceErr: errors.New("boom")}
	w, reg, _ := newTestWorker(client)
	w.retryTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		families, err := reg.Gather()
		assert.NoError(t, err)
		for _, mf := range families {
			if mf.GetName() == "ecoflow_connection_errors" {
				return mf.GetMetric()[0].GetCounter().GetValue() >= 2
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func Test_Run_NotFoundDoesNotCountConnectionError(t *testing.T) {
	client := &stubClient{}
	w, reg, an := newTestWorker(client)
	w.retryTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return scrapeCount(an, "not_found") >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	families, err := reg.Gather()
	assert.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "ecoflow_connection_errors" {
			assert.Equal(t, 0.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
}
