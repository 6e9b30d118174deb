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

package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func connectedDeviceClient(t *testing.T) (*DeviceClient, *fakeBroker) {
	t.Helper()

	srv := fakeEcoflowUserAPI(t, defaultLoginBody(), defaultCertBody())
	c := NewDeviceClient(mqttTestOptions(srv.URL), newTestAnalytics())
	broker := installFakeBroker(c.session)

	assert.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c, broker
}

func Test_DeviceClient_SubscribesBothTopics(t *testing.T) {
	c, broker := connectedDeviceClient(t)

	assert.ElementsMatch(t, []string{
		"/app/device/property/R601ZAB123456789",
		"/app/user-42/R601ZAB123456789/thing/property/get_reply",
	}, broker.topics())
	assert.Equal(t, "/app/user-42/R601ZAB123456789/thing/property/get", c.getTopic)
}

func Test_DeviceClient_RequestsQuotaOnConnect(t *testing.T) {
	c, broker := connectedDeviceClient(t)

	// the first request fires from the onLive hook
	assert.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return len(broker.published) == 1
	}, time.Second, 10*time.Millisecond)

	broker.mu.Lock()
	msg := broker.published[0]
	broker.mu.Unlock()
	assert.Equal(t, c.getTopic, msg.topic)

	var envelope map[string]any
	assert.NoError(t, json.Unmarshal(msg.payload, &envelope))
	assert.Equal(t, "PrometheusExporter", envelope["from"])
	assert.Equal(t, "latestQuotas", envelope["operateType"])
	assert.Equal(t, "1.0", envelope["version"])
	assert.Equal(t, 0.0, envelope["moduleType"])
	assert.NotEmpty(t, envelope["id"])
	assert.Equal(t, map[string]any{}, envelope["params"])
}

func Test_DeviceClient_RequestQuota_NotConnected(t *testing.T) {
	an := newTestAnalytics()
	c := NewDeviceClient(mqttTestOptions(""), an)

	c.requestQuota()
	assert.Equal(t, 1.0, testutil.ToFloat64(an.QuotaRequests.WithLabelValues("skipped")))
}

func Test_DeviceClient_RequestQuota_SuppressedByRecentPush(t *testing.T) {
	c, broker := connectedDeviceClient(t)

	assert.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return len(broker.published) == 1
	}, time.Second, 10*time.Millisecond)

	// the device just pushed, so the next request is redundant
	c.cache.ApplyPush(map[string]any{"soc": 91.0})
	c.requestQuota()

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.Len(t, broker.published, 1)
}

func Test_DeviceClient_JSONPushAdvancesSuppressionClock(t *testing.T) {
	c := NewDeviceClient(mqttTestOptions(""), newTestAnalytics())

	c.handlePropertyMessage(nil, &fakeMessage{payload: []byte(`{"params":{"soc":55.0}}`)})
	assert.False(t, c.cache.LastPush().IsZero())

	// binary frames update the cache without touching the push clock
	c2 := NewDeviceClient(mqttTestOptions(""), newTestAnalytics())
	c2.handlePropertyMessage(nil, &fakeMessage{payload: displayPropertyFrame(t)})
	assert.True(t, c2.cache.LastPush().IsZero())
	assert.Equal(t, 1, c2.cache.Len())
}

func Test_DeviceClient_HandleGetReply(t *testing.T) {
	an := newTestAnalytics()
	c := NewDeviceClient(mqttTestOptions(""), an)

	reply := `{"operateType":"latestQuotas","data":{"online":1,"quotaMap":{"bms_emsStatus.f32LcdShowSoc":87.5,"inv.inputWatts":55}}}`
	c.handleGetReply(nil, &fakeMessage{payload: []byte(reply)})

	quota, err := c.GetDeviceQuota(context.Background(), c.opts.DeviceSN)
	assert.NoError(t, err)
	assert.Equal(t, 87.5, quota["bms_emsStatus.f32LcdShowSoc"])
	assert.Equal(t, 55.0, quota["inv.inputWatts"])
	assert.Equal(t, 1.0, testutil.ToFloat64(an.MQTTMessages.WithLabelValues(ClientTypeDevice, "reply")))
}

func Test_DeviceClient_HandleGetReply_Offline(t *testing.T) {
	c := NewDeviceClient(mqttTestOptions(""), newTestAnalytics())

	reply := `{"operateType":"latestQuotas","data":{"online":0,"quotaMap":{"soc":12.0}}}`
	c.handleGetReply(nil, &fakeMessage{payload: []byte(reply)})

	assert.Equal(t, 0, c.cache.Len())
}

func Test_DeviceClient_HandleGetReply_OtherOperateType(t *testing.T) {
	an := newTestAnalytics()
	c := NewDeviceClient(mqttTestOptions(""), an)

	reply := `{"operateType":"setDeviceName","data":{"online":1,"quotaMap":{"soc":12.0}}}`
	c.handleGetReply(nil, &fakeMessage{payload: []byte(reply)})

	assert.Equal(t, 0, c.cache.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(an.MQTTMessages.WithLabelValues(ClientTypeDevice, "reply")))
}

func Test_DeviceClient_HandleGetReply_Garbage(t *testing.T) {
	an := newTestAnalytics()
	c := NewDeviceClient(mqttTestOptions(""), an)

	c.handleGetReply(nil, &fakeMessage{payload: []byte("not json")})
	assert.Equal(t, 1.0, testutil.ToFloat64(an.MQTTMessageErrors.WithLabelValues(ClientTypeDevice)))
}
