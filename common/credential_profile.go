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
	"fmt"
	"sync"

	ef_vault "github.com/comcast/ecoflowmetrics/vault"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"
)

var Profiles = CredentialProfiles{}

// CredentialProfile describes where an EcoFlow credential secret lives in
// vault and which fields inside it to read.
type CredentialProfile struct {
	Name       string `yaml:"name" json:"name"`
	MountPath  string `yaml:"mountPath" json:"mountPath"`
	Path       string `yaml:"path" json:"path"`
	SecretName string `yaml:"secretName" json:"secretName"`

	UserField     string `yaml:"userField" json:"userField"`
	PasswordField string `yaml:"passwordField" json:"passwordField"`

	AccessKeyField string `yaml:"accessKeyField" json:"accessKeyField"`
	SecretKeyField string `yaml:"secretKeyField" json:"secretKeyField"`
}

func (p *CredentialProfile) secretProperties() *ef_vault.SecretProperties {
	return &ef_vault.SecretProperties{
		MountPath:      p.MountPath,
		Path:           p.Path,
		SecretName:     p.SecretName,
		UserField:      p.UserField,
		PasswordField:  p.PasswordField,
		AccessKeyField: p.AccessKeyField,
		SecretKeyField: p.SecretKeyField,
	}
}

// CredentialProfiles is the set of configured profiles, parsed straight out
// of the --credentials.profiles flag.
type CredentialProfiles struct {
	mu       sync.Mutex
	profiles map[string]*CredentialProfile
}

func (c *CredentialProfiles) Get(name string) (*CredentialProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[name]
	return p, ok
}

// Set parses the flag value. The payload is YAML, which also admits the
// JSON shape documented in the flag help.
func (c *CredentialProfiles) Set(value string) error {
	var parsed struct {
		Profiles []CredentialProfile `yaml:"profiles" json:"profiles"`
	}
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("unable to parse credential profiles: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profiles == nil {
		c.profiles = make(map[string]*CredentialProfile)
	}
	for i := range parsed.Profiles {
		p := parsed.Profiles[i]
		if p.Name == "" {
			return fmt.Errorf("credential profile %d is missing a name", i)
		}
		c.profiles[p.Name] = &p
	}
	return nil
}

func (c *CredentialProfiles) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		names = append(names, name)
	}
	out, _ := yaml.Marshal(names)
	return string(out)
}

// CredentialProf registers the shared profile set as a kingpin flag value.
func CredentialProf(s kingpin.Settings) *CredentialProfiles {
	s.SetValue(&Profiles)
	return &Profiles
}
