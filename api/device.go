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
	"fmt"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/comcast/ecoflowmetrics/devices"
	"github.com/comcast/ecoflowmetrics/metrics"
	"github.com/comcast/ecoflowmetrics/proto"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DeviceClient is the active request/reply backend: on top of the passive
// property stream it periodically asks the device for its full quota map,
// which fills in parameters the device never pushes on its own.
type DeviceClient struct {
	opts    Options
	an      *metrics.Analytics
	session *brokerSession
	cache   *QuotaCache
	decoder *proto.Decoder

	mu       sync.Mutex
	getTopic string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDeviceClient returns an unconnected request/reply backend.
func NewDeviceClient(opts Options, an *metrics.Analytics) *DeviceClient {
	opts = opts.withDefaults()
	c := &DeviceClient{
		opts:    opts,
		an:      an,
		session: newBrokerSession(ClientTypeDevice, opts, an),
		cache:   NewQuotaCache(),
		decoder: proto.NewDecoder(),
	}
	c.session.subscriptions = func(userID string) map[string]mqtt.MessageHandler {
		c.mu.Lock()
		c.getTopic = fmt.Sprintf("/app/%s/%s/thing/property/get", userID, opts.DeviceSN)
		c.mu.Unlock()
		return map[string]mqtt.MessageHandler{
			"/app/device/property/" + opts.DeviceSN: c.handlePropertyMessage,
			fmt.Sprintf("/app/%s/%s/thing/property/get_reply", userID, opts.DeviceSN): c.handleGetReply,
		}
	}
	c.session.onLive = c.startRequesting
	return c
}

func (c *DeviceClient) Connect(ctx context.Context) error {
	return c.session.start(ctx)
}

func (c *DeviceClient) Disconnect() {
	if c.stopCh != nil {
		close(c.stopCh)
		c.wg.Wait()
		c.stopCh = nil
	}
	c.session.stop()
}

// startRequesting fires one quota request right away, then keeps asking on
// the configured interval.
func (c *DeviceClient) startRequesting() {
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.requestQuota()
		ticker := time.NewTicker(c.opts.QuotaRequestInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.requestQuota()
			}
		}
	}()
}

// requestQuota asks the device for its full quota map, unless the device
// pushed an update recently enough that asking would be redundant.
func (c *DeviceClient) requestQuota() {
	if !c.session.isConnected() {
		c.an.QuotaRequests.WithLabelValues("skipped").Inc()
		return
	}
	if push := c.cache.LastPush(); !push.IsZero() && time.Since(push) < c.opts.QuotaRequestInterval {
		c.an.QuotaRequests.WithLabelValues("skipped").Inc()
		return
	}

	payload, err := json.Marshal(map[string]any{
		"from":        "PrometheusExporter",
		"id":          fmt.Sprint(rand.Intn(90000) + 999910000),
		"version":     "1.0",
		"moduleType":  0,
		"operateType": "latestQuotas",
		"params":      map[string]any{},
	})
	if err != nil {
		c.an.QuotaRequests.WithLabelValues("error").Inc()
		return
	}

	c.mu.Lock()
	topic := c.getTopic
	c.mu.Unlock()

	if err := c.session.publish(topic, payload); err != nil {
		c.an.QuotaRequests.WithLabelValues("error").Inc()
		zap.L().Warn("quota request failed", zap.Error(err))
		return
	}
	c.an.QuotaRequests.WithLabelValues("sent").Inc()
	zap.L().Debug("requested latest quotas", zap.String("topic", topic))
}

// handlePropertyMessage folds a voluntary device push into the cache. Pushes
// also advance the suppression clock for quota requests; decoded binary
// frames do not, since their arrival cadence is unrelated.
func (c *DeviceClient) handlePropertyMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()

	if utf8.Valid(payload) && len(payload) > 0 && payload[0] == '{' {
		var update struct {
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal(payload, &update); err == nil && update.Params != nil {
			c.an.MQTTMessages.WithLabelValues(ClientTypeDevice, "text").Inc()
			c.cache.ApplyPush(update.Params)
			return
		}
	}

	params := c.decoder.Decode(payload)
	if len(params) == 0 {
		c.an.MQTTMessageErrors.WithLabelValues(ClientTypeDevice).Inc()
		return
	}
	c.an.MQTTMessages.WithLabelValues(ClientTypeDevice, "protobuf").Inc()
	c.cache.Apply(params)
}

// handleGetReply merges the device's answer to a latestQuotas request.
func (c *DeviceClient) handleGetReply(_ mqtt.Client, msg mqtt.Message) {
	var reply struct {
		OperateType string `json:"operateType"`
		Data        struct {
			Online   int            `json:"online"`
			QuotaMap map[string]any `json:"quotaMap"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload(), &reply); err != nil {
		c.an.MQTTMessageErrors.WithLabelValues(ClientTypeDevice).Inc()
		zap.L().Warn("unparseable get_reply", zap.Error(err))
		return
	}
	if reply.OperateType != "latestQuotas" {
		return
	}
	c.an.MQTTMessages.WithLabelValues(ClientTypeDevice, "reply").Inc()
	if reply.Data.Online != 1 {
		zap.L().Info("device reports offline", zap.String("device", c.opts.DeviceSN))
		return
	}
	c.cache.Apply(reply.Data.QuotaMap)
}

func (c *DeviceClient) GetDevices(ctx context.Context) ([]DeviceInfo, error) {
	d := c.deviceInfo()
	return []DeviceInfo{d}, nil
}

func (c *DeviceClient) GetDevice(ctx context.Context, sn string) (*DeviceInfo, error) {
	if sn != c.opts.DeviceSN {
		return nil, nil
	}
	d := c.deviceInfo()
	return &d, nil
}

func (c *DeviceClient) GetDeviceQuota(ctx context.Context, sn string) (map[string]any, error) {
	if sn != c.opts.DeviceSN {
		return map[string]any{}, nil
	}
	return c.cache.Snapshot(), nil
}

func (c *DeviceClient) deviceInfo() DeviceInfo {
	name := c.opts.DeviceName
	if name == "" {
		name = c.opts.DeviceSN
	}
	return DeviceInfo{
		SN:          c.opts.DeviceSN,
		Name:        name,
		ProductName: devices.GetProductName(c.opts.DeviceSN),
		Online:      c.session.isConnected() && !c.cache.Stale(c.opts.MQTTTimeout),
	}
}
