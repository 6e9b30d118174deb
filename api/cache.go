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
	"sync"
	"time"
)

// QuotaCache is the append-biased map of device parameters fed by the push
// backends. Later writes to a key overwrite earlier ones; keys are never
// removed within a session. All methods are safe for concurrent use and
// readers always observe whole-message updates.
type QuotaCache struct {
	mu         sync.Mutex
	quota      map[string]any
	lastUpdate time.Time
	lastPush   time.Time
}

// NewQuotaCache returns an empty cache.
func NewQuotaCache() *QuotaCache {
	return &QuotaCache{quota: make(map[string]any)}
}

// Apply merges delta into the cache and stamps the update time.
func (c *QuotaCache) Apply(delta map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range delta {
		c.quota[k] = v
	}
	c.lastUpdate = time.Now()
}

// ApplyPush merges delta and additionally stamps the push time, which the
// request/reply backend uses to suppress redundant quota requests.
func (c *QuotaCache) ApplyPush(delta map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range delta {
		c.quota[k] = v
	}
	now := time.Now()
	c.lastUpdate = now
	c.lastPush = now
}

// Snapshot returns an isolated deep copy; mutating it never affects the
// cache or later snapshots.
func (c *QuotaCache) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.quota))
	for k, v := range c.quota {
		out[k] = deepCopyValue(v)
	}
	return out
}

// LastUpdate returns the time of the most recent write, or the zero time.
func (c *QuotaCache) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// LastPush returns the time of the most recent push write, or the zero time.
func (c *QuotaCache) LastPush() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPush
}

// Stale reports whether the cache has not been written within age. An empty
// cache is always stale.
func (c *QuotaCache) Stale(age time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastUpdate.IsZero() {
		return true
	}
	return time.Since(c.lastUpdate) > age
}

// Len returns the number of cached keys.
func (c *QuotaCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.quota)
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
