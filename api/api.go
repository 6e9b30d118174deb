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

// Package api implements the EcoFlow telemetry backends: a signed polling
// REST client, a passive MQTT push client, and a request/reply client on the
// private MQTT channel. All three satisfy the Client interface consumed by
// the worker.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/comcast/ecoflowmetrics/metrics"
)

const (
	// ClientTypeMqtt labels the passive push backend in analytics.
	ClientTypeMqtt = "mqtt"
	// ClientTypeDevice labels the request/reply backend in analytics.
	ClientTypeDevice = "device"
)

var (
	// ErrCredentialsConflict is returned when both developer and account
	// credentials are configured.
	ErrCredentialsConflict = errors.New("both developer and account credentials provided; " +
		"use either ECOFLOW_ACCESS_KEY/ECOFLOW_SECRET_KEY or ECOFLOW_ACCOUNT_USER/ECOFLOW_ACCOUNT_PASSWORD, not both")

	// ErrMissingCredentials is returned when no usable credential pair is
	// configured.
	ErrMissingCredentials = errors.New("missing credentials; provide either " +
		"ECOFLOW_ACCESS_KEY and ECOFLOW_SECRET_KEY (REST) or " +
		"ECOFLOW_ACCOUNT_USER and ECOFLOW_ACCOUNT_PASSWORD (MQTT/device)")

	// ErrMissingDeviceSN is returned for MQTT backends configured without a
	// device serial.
	ErrMissingDeviceSN = errors.New("ECOFLOW_DEVICE_SN is required when using account credentials")

	// ErrConnectTimeout is returned when the broker does not confirm the
	// connection in time.
	ErrConnectTimeout = errors.New("timed out waiting for MQTT broker connection")
)

// DeviceInfo identifies one EcoFlow device.
type DeviceInfo struct {
	SN          string
	Name        string
	ProductName string
	Online      bool
}

// ApiError is the typed failure of an EcoFlow API call.
type ApiError struct {
	Endpoint string
	Code     string
	Message  string
	Err      error
}

func (e *ApiError) Error() string {
	var b strings.Builder
	b.WriteString("ecoflow api error")
	if e.Endpoint != "" {
		b.WriteString(" on " + e.Endpoint)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (code=%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

// Client is the operation set every telemetry backend exposes to the worker.
type Client interface {
	// Connect establishes the backend session. For REST this validates
	// credentials by fetching the device list; for MQTT backends it
	// authenticates, connects to the broker and subscribes.
	Connect(ctx context.Context) error

	// Disconnect releases the session and stops background supervision.
	Disconnect()

	// GetDevices lists registered devices. Push backends return the single
	// configured device.
	GetDevices(ctx context.Context) ([]DeviceInfo, error)

	// GetDevice returns the device with the given serial, or nil when it is
	// unknown.
	GetDevice(ctx context.Context, sn string) (*DeviceInfo, error)

	// GetDeviceQuota returns the device's live parameters. Push backends
	// serve an isolated snapshot of their cache.
	GetDeviceQuota(ctx context.Context, sn string) (map[string]any, error)
}

// Options carries the credentials and tunables a backend needs. Zero
// durations and counts take the documented defaults.
type Options struct {
	DeviceSN   string
	DeviceName string
	APIHost    string // override; each backend has its own default host

	AccessKey string
	SecretKey string

	AccountUser     string
	AccountPassword string
	APIType         string // "mqtt" or "device"

	HTTPTimeout        time.Duration
	HTTPRetries        int
	HTTPBackoffFactor  float64
	DeviceListCacheTTL time.Duration

	MQTTTimeout          time.Duration
	MQTTKeepalive        time.Duration
	IdleCheckInterval    time.Duration
	MaxReconnectDelay    time.Duration
	QuotaRequestInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.APIType == "" {
		o.APIType = ClientTypeMqtt
	}
	if o.HTTPTimeout == 0 {
		o.HTTPTimeout = 30 * time.Second
	}
	if o.HTTPRetries == 0 {
		o.HTTPRetries = 3
	}
	if o.HTTPBackoffFactor == 0 {
		o.HTTPBackoffFactor = 0.5
	}
	if o.DeviceListCacheTTL == 0 {
		o.DeviceListCacheTTL = 60 * time.Second
	}
	if o.MQTTTimeout == 0 {
		o.MQTTTimeout = 60 * time.Second
	}
	if o.MQTTKeepalive == 0 {
		o.MQTTKeepalive = 60 * time.Second
	}
	if o.IdleCheckInterval == 0 {
		o.IdleCheckInterval = 30 * time.Second
	}
	if o.MaxReconnectDelay == 0 {
		o.MaxReconnectDelay = 300 * time.Second
	}
	if o.QuotaRequestInterval == 0 {
		o.QuotaRequestInterval = 30 * time.Second
	}
	return o
}

// NewClient selects the backend implied by the configured credentials:
// developer keys select the polling REST backend, account credentials select
// the MQTT push or request/reply backend depending on APIType.
func NewClient(opts Options, an *metrics.Analytics) (Client, error) {
	hasRestCreds := opts.AccessKey != "" && opts.SecretKey != ""
	hasUserCreds := opts.AccountUser != "" && opts.AccountPassword != ""

	if hasRestCreds && hasUserCreds {
		return nil, ErrCredentialsConflict
	}

	if hasRestCreds {
		return NewRestClient(opts, an), nil
	}

	if hasUserCreds {
		if opts.DeviceSN == "" {
			return nil, ErrMissingDeviceSN
		}
		switch strings.ToLower(opts.APIType) {
		case ClientTypeMqtt, "":
			return NewMqttClient(opts, an), nil
		case ClientTypeDevice:
			return NewDeviceClient(opts, an), nil
		default:
			return nil, fmt.Errorf("invalid ECOFLOW_API_TYPE %q: must be %q or %q",
				opts.APIType, ClientTypeMqtt, ClientTypeDevice)
		}
	}

	return nil, ErrMissingCredentials
}
