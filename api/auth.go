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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/comcast/ecoflowmetrics/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultAuthHost = "api.ecoflow.com"

// brokerCredentials is everything needed to open an MQTT session against the
// EcoFlow broker on behalf of a user account.
type brokerCredentials struct {
	URL      string
	Port     string
	Username string
	Password string
	ClientID string
	UserID   string
}

// mqttAuthentication exchanges an EcoFlow account login for per-session MQTT
// broker credentials. Both MQTT backends authorize through it before
// connecting.
type mqttAuthentication struct {
	email    string
	password string
	host     string
	an       *metrics.Analytics

	httpClient *http.Client
}

func newMqttAuthentication(opts Options, an *metrics.Analytics) *mqttAuthentication {
	host := opts.APIHost
	if host == "" {
		host = defaultAuthHost
	}
	return &mqttAuthentication{
		email:      opts.AccountUser,
		password:   opts.AccountPassword,
		host:       host,
		an:         an,
		httpClient: &http.Client{Timeout: opts.withDefaults().HTTPTimeout},
	}
}

// authorize performs the full login plus certification exchange and returns
// ready-to-use broker credentials.
func (a *mqttAuthentication) authorize(ctx context.Context, clientType string) (*brokerCredentials, error) {
	timer := a.an.TimeAuth(clientType)
	defer timer.ObserveDuration()

	creds, err := a.doAuthorize(ctx)
	if err != nil {
		a.an.AuthRequests.WithLabelValues(clientType, "error").Inc()
		return nil, err
	}
	a.an.AuthRequests.WithLabelValues(clientType, "success").Inc()
	return creds, nil
}

func (a *mqttAuthentication) doAuthorize(ctx context.Context) (*brokerCredentials, error) {
	token, userID, err := a.login(ctx)
	if err != nil {
		return nil, err
	}

	creds, err := a.brokerCertification(ctx, token, userID)
	if err != nil {
		return nil, err
	}

	// The broker rejects reused client IDs, so each session gets a fresh
	// one in the shape the mobile app uses.
	creds.ClientID = fmt.Sprintf("ANDROID_%s_%s", strings.ToUpper(uuid.NewString()), userID)
	creds.UserID = userID

	zap.L().Info("authorized with ecoflow broker",
		zap.String("url", creds.URL),
		zap.String("port", creds.Port),
		zap.String("user_id", userID))

	return creds, nil
}

// login exchanges the account email/password for a bearer token and user id.
func (a *mqttAuthentication) login(ctx context.Context) (token, userID string, err error) {
	endpoint := baseURL(a.host) + "/auth/login"

	payload, err := json.Marshal(map[string]string{
		"email":    a.email,
		"password": base64.StdEncoding.EncodeToString([]byte(a.password)),
		"scene":    "IOT_APP",
		"userType": "ECOFLOW",
	})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("lang", "en_US")

	data, err := a.call(req, "/auth/login")
	if err != nil {
		return "", "", err
	}

	token, err = extractString(data, "/auth/login", "token")
	if err != nil {
		return "", "", err
	}
	user, ok := data["user"].(map[string]any)
	if !ok {
		return "", "", &ApiError{Endpoint: "/auth/login", Message: `response missing key "user"`}
	}
	userID, err = extractString(user, "/auth/login", "userId")
	if err != nil {
		return "", "", err
	}
	return token, userID, nil
}

// brokerCertification fetches the MQTT endpoint and per-user broker
// credentials for an authenticated session.
func (a *mqttAuthentication) brokerCertification(ctx context.Context, token, userID string) (*brokerCredentials, error) {
	endpoint := baseURL(a.host) + "/iot-auth/app/certification"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?userId="+userID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("lang", "en_US")

	data, err := a.call(req, "/iot-auth/app/certification")
	if err != nil {
		return nil, err
	}

	creds := &brokerCredentials{}
	for key, dst := range map[string]*string{
		"url":                 &creds.URL,
		"port":                &creds.Port,
		"certificateAccount":  &creds.Username,
		"certificatePassword": &creds.Password,
	} {
		v, err := extractString(data, "/iot-auth/app/certification", key)
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	return creds, nil
}

// call executes a user-API request and unwraps its envelope. The user API is
// inconsistent about success codes: some endpoints answer code "0", others
// only a "Success" message, so either is accepted.
func (a *mqttAuthentication) call(req *http.Request, endpoint string) (map[string]any, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &ApiError{Endpoint: endpoint, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &ApiError{Endpoint: endpoint, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	var envelope struct {
		Code    any            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &ApiError{Endpoint: endpoint, Message: "invalid JSON response", Err: err}
	}

	code := normalizeCode(envelope.Code)
	if code != "0" && !strings.EqualFold(envelope.Message, "Success") {
		return nil, &ApiError{Endpoint: endpoint, Code: code, Message: envelope.Message}
	}
	if envelope.Data == nil {
		return nil, &ApiError{Endpoint: endpoint, Message: `response missing key "data"`}
	}
	return envelope.Data, nil
}

// extractString pulls a required key out of a response map, tolerating the
// API serving numbers where strings are documented.
func extractString(data map[string]any, endpoint, key string) (string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return "", &ApiError{Endpoint: endpoint, Message: fmt.Sprintf("response missing key %q", key)}
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return fmt.Sprintf("%.0f", s), nil
	default:
		return fmt.Sprint(s), nil
	}
}
