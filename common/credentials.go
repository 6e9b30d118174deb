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

package common

import (
	"context"
	"fmt"
	"sync"

	ef_vault "github.com/comcast/ecoflowmetrics/vault"
	"go.uber.org/zap"
)

var (
	EcoflowCreds = EcoflowCredentials{}

	log *zap.Logger
)

// Credential holds either developer API tokens or account credentials for
// the EcoFlow cloud. Which pair is populated depends on the vault secret.
type Credential struct {
	AccessKey string
	SecretKey string
	User      string
	Password  string
}

// EcoflowCredentials resolves EcoFlow credentials out of vault, caching the
// result for the process lifetime.
type EcoflowCredentials struct {
	mu    sync.Mutex
	cred  *Credential
	Vault *ef_vault.Vault
}

func (c *EcoflowCredentials) Get() (*Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred, c.cred != nil
}

func (c *EcoflowCredentials) Set(cred *Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = cred
}

// GetCredentials fetches the EcoFlow credential secret described by the
// named profile from vault. Missing fields are left empty rather than
// treated as errors since a secret carries only one credential pair.
func (c *EcoflowCredentials) GetCredentials(ctx context.Context, profile string) (*Credential, error) {
	log = zap.L()

	if cred, ok := c.Get(); ok {
		return cred, nil
	}

	if c.Vault == nil {
		log.Error("issue retrieving credentials from vault using profile "+profile, zap.Error(fmt.Errorf("vault client not configured")))
		return nil, fmt.Errorf("issue retrieving credentials from vault using profile: %s", profile)
	}

	props, ok := Profiles.Get(profile)
	if !ok {
		return nil, fmt.Errorf("no credential profile named %s", profile)
	}

	secret, err := c.Vault.GetKVSecret(ctx, props.secretProperties(), profile)
	if err != nil {
		log.Error("issue retrieving credentials from vault using profile "+profile, zap.Error(err))
		return nil, fmt.Errorf("issue retrieving credentials from vault using profile: %s", profile)
	}

	cred := &Credential{}
	if props.AccessKeyField != "" {
		cred.AccessKey, _ = secret.Data[props.AccessKeyField].(string)
	}
	if props.SecretKeyField != "" {
		cred.SecretKey, _ = secret.Data[props.SecretKeyField].(string)
	}
	if props.UserField != "" {
		cred.User, _ = secret.Data[props.UserField].(string)
	}
	if props.PasswordField != "" {
		cred.Password, _ = secret.Data[props.PasswordField].(string)
	}

	if cred.AccessKey == "" && cred.User == "" {
		return nil, fmt.Errorf("the secret retrieved from vault using profile %s contains no usable credential fields", profile)
	}

	c.Set(cred)
	return cred, nil
}
