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
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/comcast/ecoflowmetrics/metrics"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	defaultRestHost = "api-e.ecoflow.com"

	deviceListEndpoint = "/iot-open/sign/device/list"
	quotaEndpoint      = "/iot-open/sign/device/quota/all"
)

// RestClient is the polling backend using developer tokens. Requests are
// signed per call; transient HTTP failures retry with exponential backoff;
// the device list is cached with a TTL to keep GetDevice cheap.
type RestClient struct {
	auth restAuth
	host string
	opts Options
	an   *metrics.Analytics

	client *retryablehttp.Client

	mu          sync.Mutex
	devices     []DeviceInfo
	devicesTime time.Time
}

// NewRestClient returns an unconnected polling backend.
func NewRestClient(opts Options, an *metrics.Analytics) *RestClient {
	opts = opts.withDefaults()
	host := opts.APIHost
	if host == "" {
		host = defaultRestHost
	}
	return &RestClient{
		auth: restAuth{accessKey: opts.AccessKey, secretKey: opts.SecretKey},
		host: host,
		opts: opts,
		an:   an,
	}
}

// newRestHTTPClient builds the retrying HTTP client: pool of 10 connections,
// retries on 429/500/502/503/504 with exponential backoff starting at the
// configured factor.
func newRestHTTPClient(opts Options) *retryablehttp.Client {
	tr := &http.Transport{
		Dial: (&net.Dialer{
			Timeout: 3 * time.Second,
		}).Dial,
		MaxIdleConns:          10,
		MaxConnsPerHost:       10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = tr
	retryClient.HTTPClient.Timeout = opts.HTTPTimeout
	retryClient.Logger = nil
	retryClient.RetryMax = opts.HTTPRetries
	retryClient.RetryWaitMin = time.Duration(opts.HTTPBackoffFactor * float64(time.Second))
	retryClient.RetryWaitMax = 30 * time.Second
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		switch resp.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true, nil
		}
		return false, nil
	}
	retryClient.RequestLogHook = func(l retryablehttp.Logger, r *http.Request, i int) {
		if i > 0 {
			zap.L().Warn("retrying ecoflow api call",
				zap.String("url", r.URL.String()),
				zap.Int("retry", i))
		}
	}

	return retryClient
}

// Connect initializes the HTTP session and validates credentials with one
// device-list fetch.
func (c *RestClient) Connect(ctx context.Context) error {
	c.client = newRestHTTPClient(c.opts)

	c.mu.Lock()
	c.devices = nil
	c.devicesTime = time.Time{}
	c.mu.Unlock()

	devices, err := c.GetDevices(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("connected to ecoflow api", zap.Int("devices", len(devices)))
	return nil
}

// Disconnect closes the HTTP session.
func (c *RestClient) Disconnect() {
	if c.client != nil {
		c.client.HTTPClient.CloseIdleConnections()
		c.client = nil
	}
}

// GetDevices fetches the registered device list and refreshes the local
// cache. It always goes to the API; cache validity is GetDevice's concern.
func (c *RestClient) GetDevices(ctx context.Context) ([]DeviceInfo, error) {
	data, err := c.executeRequest(ctx, http.MethodGet, deviceListEndpoint, url.Values{})
	if err != nil {
		return nil, err
	}

	var records []struct {
		SN          string `json:"sn"`
		DeviceName  string `json:"deviceName"`
		ProductName string `json:"productName"`
		Online      int    `json:"online"`
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &ApiError{Endpoint: deviceListEndpoint, Message: "unexpected device list payload", Err: err}
	}

	devices := make([]DeviceInfo, 0, len(records))
	for _, r := range records {
		devices = append(devices, DeviceInfo{
			SN:          r.SN,
			Name:        r.DeviceName,
			ProductName: r.ProductName,
			Online:      r.Online == 1,
		})
	}

	c.mu.Lock()
	c.devices = devices
	c.devicesTime = time.Now()
	c.mu.Unlock()

	return devices, nil
}

// GetDevice serves from the device-list cache while it is fresh, refreshing
// it first otherwise. Hit/miss counters track the cache decision, not the
// fetch outcome.
func (c *RestClient) GetDevice(ctx context.Context, sn string) (*DeviceInfo, error) {
	if c.cacheExpired() {
		c.an.CacheOperations.WithLabelValues("miss").Inc()
		if _, err := c.GetDevices(ctx); err != nil {
			return nil, err
		}
	} else {
		c.an.CacheOperations.WithLabelValues("hit").Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.devices {
		if c.devices[i].SN == sn {
			d := c.devices[i]
			return &d, nil
		}
	}
	return nil, nil
}

// GetDeviceQuota fetches the device's full quota map.
func (c *RestClient) GetDeviceQuota(ctx context.Context, sn string) (map[string]any, error) {
	params := url.Values{}
	params.Set("sn", sn)
	data, err := c.executeRequest(ctx, http.MethodGet, quotaEndpoint, params)
	if err != nil {
		return nil, err
	}

	quota := map[string]any{}
	if err := json.Unmarshal(data, &quota); err != nil {
		return nil, &ApiError{Endpoint: quotaEndpoint, Message: "unexpected quota payload", Err: err}
	}
	return quota, nil
}

func (c *RestClient) cacheExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.devices == nil || c.devicesTime.IsZero() {
		return true
	}
	return time.Since(c.devicesTime) > c.opts.DeviceListCacheTTL
}

// executeRequest performs one signed API call and unwraps the response
// envelope, returning the raw data field.
func (c *RestClient) executeRequest(ctx context.Context, method, endpoint string, params url.Values) (json.RawMessage, error) {
	if c.client == nil {
		c.client = newRestHTTPClient(c.opts)
	}

	fullURL := baseURL(c.host) + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	signed := c.auth.signedParams(params)

	req, err := retryablehttp.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, &ApiError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("sign", c.auth.sign(signed.Encode()))
	for k := range signed {
		req.Header.Set(k, signed.Get(k))
	}

	timer := c.an.TimeHTTPRequest(endpoint)
	resp, err := c.client.Do(req)
	timer.ObserveDuration()
	if err != nil {
		status := "error"
		if isTimeout(err) {
			status = "timeout"
		}
		c.an.HTTPRequests.WithLabelValues(endpoint, status).Inc()
		return nil, &ApiError{Endpoint: endpoint, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		c.an.HTTPRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, &ApiError{Endpoint: endpoint, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	var envelope struct {
		Code    any             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		c.an.HTTPRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, &ApiError{Endpoint: endpoint, Message: "invalid JSON response", Err: err}
	}

	code := normalizeCode(envelope.Code)
	if code != "0" {
		c.an.HTTPRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, &ApiError{Endpoint: endpoint, Code: code, Message: envelope.Message}
	}

	c.an.HTTPRequests.WithLabelValues(endpoint, "success").Inc()
	return envelope.Data, nil
}

// baseURL treats a bare host as HTTPS and passes through hosts that already
// carry a scheme.
func baseURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

// normalizeCode renders the envelope's code field, which the API serves as
// either a string or a number, as a plain string.
func normalizeCode(code any) string {
	switch v := code.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeout); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
