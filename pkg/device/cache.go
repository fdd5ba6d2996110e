/*
 * Copyright 2025 Carver Automation Corporation.
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

// Package device exposes attached Android hardware as high-level devices
// with composite operations, backed by the fault-absorbing adb layer.
package device

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/carverauto/fleetbot/pkg/adb"
	"github.com/carverauto/fleetbot/pkg/logger"
)

// KnownCPUScalingGovernors is the set of CPU scaling governor values the
// fleet knows how to drive. Not every device supports every one.
var KnownCPUScalingGovernors = []string{
	"conservative",
	"interactive",
	"ondemand",
	"performance",
	"powersave",
	"userspace",
}

const cpufreqDir = "/sys/devices/system/cpu/cpu0/cpufreq"

// Cache holds static facts about one device, computed once per connection
// lifetime. None of it can change without reflashing the device.
type Cache struct {
	// BuildProps is /system/build.prop parsed into key/value pairs.
	BuildProps map[string]string
	// ExternalStoragePath is $EXTERNAL_STORAGE on the device.
	ExternalStoragePath string
	// HasSU reports whether /system/xbin/su exists.
	HasSU bool
	// AvailableGovernors lists the CPU scaling governors this device
	// supports, sorted.
	AvailableGovernors []string
	// CPUInfoMaxFreq and CPUInfoMinFreq are the CPU frequency limits.
	CPUInfoMaxFreq int
	CPUInfoMinFreq int
}

// PerDeviceCache is a thread-safe registry of device caches keyed by the
// stable physical-port identity.
type PerDeviceCache struct {
	mu        sync.Mutex
	perDevice map[string]*Cache
}

// NewPerDeviceCache creates an empty registry. One instance lives for the
// agent's lifetime and is shared by all discovery rounds.
func NewPerDeviceCache() *PerDeviceCache {
	return &PerDeviceCache{perDevice: make(map[string]*Cache)}
}

// Get returns the cache for a port identity, or nil.
func (c *PerDeviceCache) Get(portPath string) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.perDevice[portPath]
}

// Set stores the cache for a port identity.
func (c *PerDeviceCache) Set(portPath string, cache *Cache) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.perDevice[portPath] = cache
}

// Trim removes every cached entry whose port identity is not among the
// given devices, or whose device is no longer valid. A device that was
// unplugged, reflashed and replugged must never reuse a cache built from
// the previous OS image.
func (c *PerDeviceCache) Trim(devices []*HighDevice) {
	valid := make(map[string]bool, len(devices))

	for _, dev := range devices {
		valid[dev.PortPath()] = dev.IsValid()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for portPath := range c.perDevice {
		if !valid[portPath] {
			delete(c.perDevice, portPath)
		}
	}
}

// Len returns the number of cached entries.
func (c *PerDeviceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.perDevice)
}

// probeDevice collects the static facts for a freshly opened device. The
// complete flag is true only when every probe succeeded; partial results
// are usable but must not be stored in the registry.
func probeDevice(low *adb.LowDevice, log logger.Logger) (cache *Cache, complete bool) {
	cache = &Cache{}
	complete = true

	if out, exitCode, err := low.Shell("echo -n $EXTERNAL_STORAGE"); err == nil && exitCode == 0 {
		cache.ExternalStoragePath = out
	} else {
		complete = false
	}

	if out, ok := low.PullContent("/system/build.prop"); ok {
		cache.BuildProps = parseBuildProps(out)
	} else {
		complete = false
	}

	mode, ok := low.Stat("/system/xbin/su")
	cache.HasSU = ok && mode.Mode != 0

	if out, ok := low.PullContent(cpufreqDir + "/scaling_available_governors"); ok {
		cache.AvailableGovernors = parseGovernors(out, log)
	} else {
		cache.AvailableGovernors = append([]string(nil), KnownCPUScalingGovernors...)
		complete = false
	}

	if freq, ok := pullIntFile(low, cpufreqDir+"/cpuinfo_max_freq"); ok {
		cache.CPUInfoMaxFreq = freq
	} else {
		complete = false
	}

	if freq, ok := pullIntFile(low, cpufreqDir+"/cpuinfo_min_freq"); ok {
		cache.CPUInfoMinFreq = freq
	} else {
		complete = false
	}

	return cache, complete
}

func parseBuildProps(out string) map[string]string {
	props := make(map[string]string)

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		props[key] = value
	}

	return props
}

func parseGovernors(out string, log logger.Logger) []string {
	known := make(map[string]bool, len(KnownCPUScalingGovernors))
	for _, g := range KnownCPUScalingGovernors {
		known[g] = true
	}

	var governors []string

	for _, g := range strings.Fields(out) {
		if !known[g] {
			log.Warn().Str("governor", g).Msg("device reports unknown scaling governor")
			continue
		}

		governors = append(governors, g)
	}

	sort.Strings(governors)

	return governors
}

func pullIntFile(low *adb.LowDevice, path string) (int, bool) {
	out, ok := low.PullContent(path)
	if !ok {
		return 0, false
	}

	value, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, false
	}

	return value, true
}
