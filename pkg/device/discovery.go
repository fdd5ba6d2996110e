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

package device

import (
	"context"
	"sort"
	"sync"

	"github.com/carverauto/fleetbot/pkg/adb"
	"github.com/carverauto/fleetbot/pkg/logger"
)

const defaultDiscoveryWorkers = 8

// Dialer enumerates attached devices and opens connections to them.
type Dialer interface {
	Devices(ctx context.Context) ([]adb.DeviceInfo, error)
	Open(ctx context.Context, info adb.DeviceInfo) (adb.Conn, error)
}

// DiscoveryConfig configures device discovery.
type DiscoveryConfig struct {
	// Workers bounds concurrent device opens; defaultDiscoveryWorkers
	// when zero.
	Workers int
	// Retries is passed through to each low-level handle.
	Retries int
	// OnError is passed through to each low-level handle.
	OnError adb.OnErrorFunc
	Logger  logger.Logger
}

// Discovery finds attached devices and wraps each in a HighDevice, keeping
// a cache of per-device static facts across rounds.
type Discovery struct {
	dialer  Dialer
	cache   *PerDeviceCache
	keys    *KeyStore
	workers int
	retries int
	onError adb.OnErrorFunc
	log     logger.Logger
}

// NewDiscovery builds a Discovery over the given dialer and key store.
func NewDiscovery(dialer Dialer, keys *KeyStore, cfg DiscoveryConfig) *Discovery {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultDiscoveryWorkers
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Discovery{
		dialer:  dialer,
		cache:   NewPerDeviceCache(),
		keys:    keys,
		workers: workers,
		retries: cfg.Retries,
		onError: cfg.OnError,
		log:     log,
	}
}

// Devices returns a handle for every attached device, sorted by port
// identity. A device that fails to open still gets a handle, permanently
// invalid, so callers can report it instead of silently losing it. The
// static cache is trimmed to the devices seen this round.
func (d *Discovery) Devices(ctx context.Context) ([]*HighDevice, error) {
	infos, err := d.dialer.Devices(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]*HighDevice, len(infos))

	var wg sync.WaitGroup

	sem := make(chan struct{}, d.workers)

	for i, info := range infos {
		wg.Add(1)

		go func(i int, info adb.DeviceInfo) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			devices[i] = d.open(ctx, info)
		}(i, info)
	}

	wg.Wait()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].PortPath() < devices[j].PortPath()
	})

	d.cache.Trim(devices)

	return devices, nil
}

func (d *Discovery) open(ctx context.Context, info adb.DeviceInfo) *HighDevice {
	conn, err := d.dialer.Open(ctx, info)
	if err != nil {
		d.log.Warn().Str("port_path", info.PortPath).Str("serial", info.Serial).
			Err(err).Msg("failed to open device")

		conn = nil
	}

	low := adb.NewLowDevice(conn, info, adb.LowDeviceConfig{
		Retries: d.retries,
		OnError: d.onError,
		Logger:  d.log,
	})

	var cache *Cache

	if low.IsValid() {
		cache = d.primeCache(low)
	}

	high := NewHighDevice(low, cache, d.keys, d.log)

	if high.IsValid() && cache != nil && cache.HasSU {
		// Rooted builds can lose adbd root across reboots; restore it
		// opportunistically so later rounds see a consistent device.
		if root, ok := high.IsRoot(); ok && !root {
			high.ResetADBDAsRoot()
		}
	}

	return high
}

// primeCache returns the cached static facts for the device, probing on a
// miss. Incomplete probes are returned but not stored, so the next round
// retries.
func (d *Discovery) primeCache(low *adb.LowDevice) *Cache {
	if cached := d.cache.Get(low.PortPath()); cached != nil {
		return cached
	}

	cache, complete := probeDevice(low, d.log)
	if complete {
		d.cache.Set(low.PortPath(), cache)
	} else {
		d.log.Debug().Str("port_path", low.PortPath()).
			Msg("device probe incomplete, not caching")
	}

	return cache
}

// CloseDevices closes every handle in the list.
func CloseDevices(devices []*HighDevice) {
	for _, dev := range devices {
		dev.Close()
	}
}
