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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/comcast/ecoflowmetrics/devices"
	"github.com/comcast/ecoflowmetrics/metrics"
	"github.com/comcast/ecoflowmetrics/proto"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	brokerConnectWait   = 10 * time.Second
	brokerSubscribeWait = 5 * time.Second
	brokerPublishWait   = 5 * time.Second
)

// brokerSession owns one authenticated MQTT connection to the EcoFlow
// broker: authorization, subscriptions, and the idle watchdog that forces a
// reconnect when the broker goes quiet. Both MQTT backends run on top of it.
type brokerSession struct {
	clientType string
	opts       Options
	auth       *mqttAuthentication
	an         *metrics.Analytics

	// subscriptions is evaluated after authorization since topic names
	// embed the account's user id.
	subscriptions func(userID string) map[string]mqtt.MessageHandler
	// onLive runs once the session is connected and subscribed.
	onLive func()

	// newClient is swapped out in tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	connected  *event
	subscribed *event

	// mu guards the connection state below. client and creds are rewritten
	// on every reconnect while handlers and callers keep reading them.
	mu             sync.Mutex
	client         mqtt.Client
	creds          *brokerCredentials
	lastMessage    time.Time
	reconnectDelay time.Duration

	reconnecting atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newBrokerSession(clientType string, opts Options, an *metrics.Analytics) *brokerSession {
	opts = opts.withDefaults()
	return &brokerSession{
		clientType:     clientType,
		opts:           opts,
		auth:           newMqttAuthentication(opts, an),
		an:             an,
		newClient:      mqtt.NewClient,
		connected:      newEvent(),
		subscribed:     newEvent(),
		reconnectDelay: opts.IdleCheckInterval,
	}
}

// start authorizes, connects to the broker, and launches the idle watchdog.
func (s *brokerSession) start(ctx context.Context) error {
	creds, err := s.auth.authorize(ctx, s.clientType)
	if err != nil {
		return err
	}
	s.setCreds(creds)

	if err := s.connectBroker(); err != nil {
		return err
	}

	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.idleMonitor()

	if s.onLive != nil {
		s.onLive()
	}
	return nil
}

// stop tears down the watchdog and the broker connection.
func (s *brokerSession) stop() {
	if s.stopCh != nil {
		close(s.stopCh)
		s.wg.Wait()
		s.stopCh = nil
	}
	if client := s.getClient(); client != nil {
		client.Disconnect(1000)
		s.setClient(nil)
	}
	s.connected.Clear()
	s.subscribed.Clear()
	s.an.MQTTConnected.WithLabelValues(s.clientType).Set(0)
	zap.L().Info("disconnected from ecoflow broker", zap.String("client_type", s.clientType))
}

func (s *brokerSession) connectBroker() error {
	creds := s.getCreds()
	o := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%s", creds.URL, creds.Port)).
		SetClientID(creds.ClientID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetKeepAlive(s.opts.MQTTKeepalive).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(s.opts.MaxReconnectDelay).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onLost)

	s.connected.Clear()
	s.subscribed.Clear()

	client := s.newClient(o)
	s.setClient(client)
	client.Connect()

	if !s.connected.Wait(brokerConnectWait) {
		return ErrConnectTimeout
	}
	if !s.subscribed.Wait(brokerSubscribeWait) {
		zap.L().Warn("broker did not acknowledge subscriptions in time",
			zap.String("client_type", s.clientType))
	}
	return nil
}

func (s *brokerSession) onConnect(c mqtt.Client) {
	s.connected.Set()
	s.touch()
	s.an.MQTTConnected.WithLabelValues(s.clientType).Set(1)

	s.mu.Lock()
	s.reconnectDelay = s.opts.IdleCheckInterval
	s.mu.Unlock()

	creds := s.getCreds()
	zap.L().Info("connected to ecoflow broker",
		zap.String("client_type", s.clientType),
		zap.String("client_id", creds.ClientID))

	var tokens []mqtt.Token
	var topics []string
	for topic, handler := range s.subscriptions(creds.UserID) {
		tokens = append(tokens, c.Subscribe(topic, 1, s.wrapHandler(handler)))
		topics = append(topics, topic)
	}

	go func() {
		for i, token := range tokens {
			if !token.WaitTimeout(brokerSubscribeWait) || token.Error() != nil {
				zap.L().Error("failed to subscribe",
					zap.String("topic", topics[i]),
					zap.Error(token.Error()))
				return
			}
		}
		zap.L().Info("subscribed to topics", zap.Strings("topics", topics))
		s.subscribed.Set()
	}()
}

func (s *brokerSession) onLost(_ mqtt.Client, err error) {
	s.connected.Clear()
	s.subscribed.Clear()
	s.an.MQTTConnected.WithLabelValues(s.clientType).Set(0)
	zap.L().Warn("lost connection to ecoflow broker",
		zap.String("client_type", s.clientType),
		zap.Error(err))
}

// wrapHandler records broker activity before dispatching to the backend's
// handler so the idle watchdog sees every message.
func (s *brokerSession) wrapHandler(h mqtt.MessageHandler) mqtt.MessageHandler {
	return func(c mqtt.Client, m mqtt.Message) {
		s.touch()
		h(c, m)
	}
}

func (s *brokerSession) touch() {
	s.mu.Lock()
	s.lastMessage = time.Now()
	s.mu.Unlock()
}

func (s *brokerSession) setClient(c mqtt.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *brokerSession) getClient() mqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *brokerSession) setCreds(creds *brokerCredentials) {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
}

func (s *brokerSession) getCreds() *brokerCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *brokerSession) idleMonitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkIdle()
		}
	}
}

// checkIdle reconnects when the broker has been silent for longer than the
// idle timeout. Keepalive traffic does not count; only real messages do.
func (s *brokerSession) checkIdle() {
	s.mu.Lock()
	idle := time.Since(s.lastMessage)
	s.mu.Unlock()
	if idle < s.opts.MQTTTimeout {
		return
	}
	zap.L().Warn("no broker activity, reconnecting",
		zap.String("client_type", s.clientType),
		zap.Duration("idle", idle))
	s.reconnect()
}

// reconnect tears down the session and builds a new one with fresh broker
// credentials. Only one attempt runs at a time.
func (s *brokerSession) reconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	s.an.MQTTReconnections.WithLabelValues(s.clientType).Inc()
	delay := s.applyBackoff()
	zap.L().Info("reconnecting to ecoflow broker",
		zap.String("client_type", s.clientType),
		zap.Duration("next_retry_in", delay))

	if client := s.getClient(); client != nil {
		client.Disconnect(1000)
	}
	s.an.MQTTConnected.WithLabelValues(s.clientType).Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), brokerConnectWait)
	defer cancel()
	creds, err := s.auth.authorize(ctx, s.clientType)
	if err != nil {
		zap.L().Error("reauthorization failed", zap.Error(err))
		return
	}
	s.setCreds(creds)

	if err := s.connectBroker(); err != nil {
		zap.L().Error("reconnect failed", zap.Error(err))
	}
}

// applyBackoff marks the reconnect attempt as broker activity so the idle
// watchdog restarts its timeout, then doubles the retry delay up to the
// configured cap. Returns the delay the next attempt will wait.
func (s *brokerSession) applyBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessage = time.Now()
	s.reconnectDelay *= 2
	if s.reconnectDelay > s.opts.MaxReconnectDelay {
		s.reconnectDelay = s.opts.MaxReconnectDelay
	}
	return s.reconnectDelay
}

func (s *brokerSession) isConnected() bool {
	return s.getClient() != nil && s.connected.IsSet()
}

// publish sends one QoS 1 message to the broker.
func (s *brokerSession) publish(topic string, payload []byte) error {
	client := s.getClient()
	if client == nil || !s.connected.IsSet() {
		return fmt.Errorf("not connected to broker")
	}
	token := client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(brokerPublishWait) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	return token.Error()
}

// MqttClient is the passive push backend: it subscribes to the device's
// property topic and accumulates whatever the device volunteers. It never
// sends anything to the device.
type MqttClient struct {
	opts    Options
	an      *metrics.Analytics
	session *brokerSession
	cache   *QuotaCache
	decoder *proto.Decoder
}

// NewMqttClient returns an unconnected push backend.
func NewMqttClient(opts Options, an *metrics.Analytics) *MqttClient {
	opts = opts.withDefaults()
	c := &MqttClient{
		opts:    opts,
		an:      an,
		session: newBrokerSession(ClientTypeMqtt, opts, an),
		cache:   NewQuotaCache(),
		decoder: proto.NewDecoder(),
	}
	c.session.subscriptions = func(string) map[string]mqtt.MessageHandler {
		return map[string]mqtt.MessageHandler{
			"/app/device/property/" + opts.DeviceSN: c.handlePropertyMessage,
		}
	}
	return c
}

func (c *MqttClient) Connect(ctx context.Context) error {
	return c.session.start(ctx)
}

func (c *MqttClient) Disconnect() {
	c.session.stop()
}

// handlePropertyMessage folds one property update into the quota cache.
// Older firmware pushes JSON, newer firmware pushes obfuscated protobuf
// frames; both arrive on the same topic.
func (c *MqttClient) handlePropertyMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()

	if utf8.Valid(payload) && len(payload) > 0 && payload[0] == '{' {
		var update struct {
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal(payload, &update); err == nil && update.Params != nil {
			c.an.MQTTMessages.WithLabelValues(ClientTypeMqtt, "text").Inc()
			c.cache.Apply(update.Params)
			return
		}
	}

	params := c.decoder.Decode(payload)
	if len(params) == 0 {
		c.an.MQTTMessageErrors.WithLabelValues(ClientTypeMqtt).Inc()
		return
	}
	c.an.MQTTMessages.WithLabelValues(ClientTypeMqtt, "protobuf").Inc()
	c.cache.Apply(params)
}

// GetDevices reports the single configured device. The device counts as
// online while the session is up and updates keep arriving.
func (c *MqttClient) GetDevices(ctx context.Context) ([]DeviceInfo, error) {
	d := c.deviceInfo()
	return []DeviceInfo{d}, nil
}

func (c *MqttClient) GetDevice(ctx context.Context, sn string) (*DeviceInfo, error) {
	if sn != c.opts.DeviceSN {
		return nil, nil
	}
	d := c.deviceInfo()
	return &d, nil
}

func (c *MqttClient) GetDeviceQuota(ctx context.Context, sn string) (map[string]any, error) {
	if sn != c.opts.DeviceSN {
		return map[string]any{}, nil
	}
	return c.cache.Snapshot(), nil
}

func (c *MqttClient) deviceInfo() DeviceInfo {
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
