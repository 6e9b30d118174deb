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

// Package devices maps EcoFlow serial number prefixes to product metadata.
// The catalog is compiled in; ECOFLOW_DEVICES_JSON points it at an external
// file instead.
package devices

import (
	_ "embed"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

//go:embed devices.json
var embeddedCatalog []byte

// Device is one catalog entry. Entries match by SN prefix, first match wins,
// so more specific prefixes must come earlier in the file.
type Device struct {
	GeneralKey string `json:"generalKey"`
	Name       string `json:"name"`
	SN         string `json:"sn"`
}

var (
	mu      sync.Mutex
	catalog []Device
	loaded  bool
)

func load() []Device {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return catalog
	}
	loaded = true

	data := embeddedCatalog
	if path := os.Getenv("ECOFLOW_DEVICES_JSON"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			zap.L().Warn("device catalog not readable, using built-in",
				zap.String("path", path), zap.Error(err))
		} else {
			data = b
		}
	}

	if err := json.Unmarshal(data, &catalog); err != nil {
		zap.L().Error("failed to parse device catalog", zap.Error(err))
		catalog = nil
	}
	zap.L().Info("loaded device catalog", zap.Int("entries", len(catalog)))
	return catalog
}

// reload drops the cached catalog so the next lookup re-reads it.
func reload() {
	mu.Lock()
	catalog = nil
	loaded = false
	mu.Unlock()
}

func findBySN(sn string) *Device {
	cat := load()
	for i := range cat {
		if cat[i].SN != "" && strings.HasPrefix(sn, cat[i].SN) {
			return &cat[i]
		}
	}
	return nil
}

// GetProductName resolves the product name for a serial number, or "" when
// the prefix is not in the catalog.
func GetProductName(sn string) string {
	if d := findBySN(sn); d != nil {
		return d.Name
	}
	return ""
}

// GetDeviceGeneralKey resolves the Home Assistant style general key for a
// serial number. ECOFLOW_DEVICE_GENERAL_KEY overrides the catalog; an
// unmatched prefix yields "unknown".
func GetDeviceGeneralKey(sn string) string {
	if key := os.Getenv("ECOFLOW_DEVICE_GENERAL_KEY"); key != "" {
		return key
	}
	if d := findBySN(sn); d != nil && d.GeneralKey != "" {
		return d.GeneralKey
	}
	zap.L().Warn("no catalog match for device", zap.String("device", sn))
	return "unknown"
}

// BuildDeviceName picks a human-friendly device name. The API often reports
// the serial number as the name; in that case the catalog name plus the last
// four characters of the SN reads better on a dashboard.
func BuildDeviceName(sn, apiName string) string {
	if name := os.Getenv("ECOFLOW_DEVICE_NAME"); name != "" {
		return name
	}
	if apiName != "" && apiName != sn {
		return apiName
	}
	if d := findBySN(sn); d != nil && d.Name != "" {
		suffix := sn
		if len(sn) >= 4 {
			suffix = sn[len(sn)-4:]
		}
		return d.Name + "-" + suffix
	}
	return sn
}
