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
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeEcoflowUserAPI(t *testing.T, loginBody map[string]any, certBody map[string]any) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "someone@example.com", payload["email"])
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hunter2")), payload["password"])
		assert.Equal(t, "IOT_APP", payload["scene"])
		assert.Equal(t, "ECOFLOW", payload["userType"])
		assert.Equal(t, "en_US", r.Header.Get("lang"))
		json.NewEncoder(w).Encode(loginBody)
	})
	mux.HandleFunc("GET /iot-auth/app/certification", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
		assert.Equal(t, "user-42", r.URL.Query().Get("userId"))
		json.NewEncoder(w).Encode(certBody)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func defaultLoginBody() map[string]any {
	return map[string]any{
		"code":    "0",
		"message": "Success",
		"data": map[string]any{
			"token": "token-abc",
			"user":  map[string]any{"userId": "user-42"},
		},
	}
}

func defaultCertBody() map[string]any {
	return map[string]any{
		"code":    "0",
		"message": "Success",
		"data": map[string]any{
			"url":                 "mqtt.ecoflow.com",
			"port":                "8883",
			"certificateAccount":  "cert-user",
			"certificatePassword": "cert-pass",
		},
	}
}

func testAuth(host string) *mqttAuthentication {
	return newMqttAuthentication(Options{
		AccountUser:     "someone@example.com",
		AccountPassword: "hunter2",
		APIHost:         host,
	}, newTestAnalytics())
}

func Test_Authorize(t *testing.T) {
	srv := fakeEcoflowUserAPI(t, defaultLoginBody(), defaultCertBody())

	creds, err := testAuth(srv.URL).authorize(context.Background(), ClientTypeMqtt)
	assert.NoError(t, err)
	assert.Equal(t, "mqtt.ecoflow.com", creds.URL)
	assert.Equal(t, "8883", creds.Port)
	assert.Equal(t, "cert-user", creds.Username)
	assert.Equal(t, "cert-pass", creds.Password)
	assert.Equal(t, "user-42", creds.UserID)
}

func Test_Authorize_ClientIDShape(t *testing.T) {
	srv := fakeEcoflowUserAPI(t, defaultLoginBody(), defaultCertBody())

	creds, err := testAuth(srv.URL).authorize(context.Background(), ClientTypeMqtt)
	assert.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^ANDROID_[0-9A-F-]{36}_user-42$`), creds.ClientID)

	// each session gets a fresh client id
	again, err := testAuth(srv.URL).authorize(context.Background(), ClientTypeMqtt)
	assert.NoError(t, err)
	assert.NotEqual(t, creds.ClientID, again.ClientID)
}

func Test_Authorize_SuccessMessageWithoutCode(t *testing.T) {
	// the user API sometimes answers message "Success" with a non-zero code
	login := defaultLoginBody()
	login["code"] = "1"
	login["message"] = "success"
	cert := defaultCertBody()
	cert["code"] = nil
	cert["message"] = "SUCCESS"
	srv := fakeEcoflowUserAPI(t, login, cert)

	_, err := testAuth(srv.URL).authorize(context.Background(), ClientTypeMqtt)
	assert.NoError(t, err)
}

func Test_Authorize_Failure(t *testing.T) {
	login := map[string]any{"code": "1021", "message": "password incorrect"}
	srv := fakeEcoflowUserAPI(t, login, defaultCertBody())

	_, err := testAuth(srv.URL).authorize(context.Background(), ClientTypeMqtt)
	assert.Error(t, err)

	var apiErr *ApiError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "1021", apiErr.Code)
}

func Test_Authorize_MissingKeys(t *testing.T) {
	login := defaultLoginBody()
	delete(login["data"].(map[string]any), "token")
	srv := fakeEcoflowUserAPI(t, login, defaultCertBody())

	_, err := testAuth(srv.URL).authorize(context.Background(), ClientTypeMqtt)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `"token"`)
}

func Test_Authorize_NumericPort(t *testing.T) {
	cert := defaultCertBody()
	cert["data"].(map[string]any)["port"] = 8883
	srv := fakeEcoflowUserAPI(t, defaultLoginBody(), cert)

	creds, err := testAuth(srv.URL).authorize(context.Background(), ClientTypeMqtt)
	assert.NoError(t, err)
	assert.Equal(t, "8883", creds.Port)
}
