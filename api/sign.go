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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"time"
)

// restAuth derives HMAC-SHA256 signatures for the developer REST API.
type restAuth struct {
	accessKey string
	secretKey string
}

// sign returns hex(HMAC-SHA256(secret, message)).
func (a restAuth) sign(message string) string {
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedParams augments the request's query parameters with the access key,
// a random nonce and a millisecond timestamp. The URL-encoded canonical form
// of the result is the message that gets signed; the same parameters are
// also sent as request headers.
func (a restAuth) signedParams(params url.Values) url.Values {
	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	signed.Set("accessKey", a.accessKey)
	signed.Set("nonce", nonce())
	signed.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	return signed
}

// nonce returns a cryptographically random 6-digit string.
func nonce() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		// crypto/rand only fails when the platform entropy source is broken
		return "100000"
	}
	return fmt.Sprintf("%06d", n.Int64()+100000)
}
