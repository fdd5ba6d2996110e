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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetbot/pkg/adb"
	"github.com/carverauto/fleetbot/pkg/logger"
)

// scriptProbe makes every probe issued by probeDevice succeed.
func scriptProbe(conn *fakeConn) {
	conn.scriptShell("echo -n $EXTERNAL_STORAGE", "/storage/emulated/0", 0)
	conn.files["/system/build.prop"] = "# comment\nro.build.id=KTU84P\nro.product.board=hammerhead\n"
	conn.files["/system/xbin/su"] = "binary"
	conn.files[cpufreqDir+"/scaling_available_governors"] = "interactive ondemand userspace\n"
	conn.files[cpufreqDir+"/cpuinfo_max_freq"] = "1500000\n"
	conn.files[cpufreqDir+"/cpuinfo_min_freq"] = "300000\n"
}

func newFakeLowDevice(conn *fakeConn) *adb.LowDevice {
	return adb.NewLowDevice(conn, adb.DeviceInfo{
		Serial:   conn.serial,
		State:    "device",
		PortPath: conn.portPath,
	}, adb.LowDeviceConfig{Logger: logger.NewTestLogger()})
}

func TestProbeDeviceComplete(t *testing.T) {
	conn := newFakeConn("serial1", "1-4.2")
	scriptProbe(conn)

	cache, complete := probeDevice(newFakeLowDevice(conn), logger.NewTestLogger())

	require.True(t, complete)
	assert.Equal(t, "/storage/emulated/0", cache.ExternalStoragePath)
	assert.Equal(t, "KTU84P", cache.BuildProps["ro.build.id"])
	assert.True(t, cache.HasSU)
	assert.Equal(t, []string{"interactive", "ondemand", "userspace"}, cache.AvailableGovernors)
	assert.Equal(t, 1500000, cache.CPUInfoMaxFreq)
	assert.Equal(t, 300000, cache.CPUInfoMinFreq)
}

func TestProbeDeviceIncomplete(t *testing.T) {
	conn := newFakeConn("serial1", "1-4.2")
	scriptProbe(conn)
	delete(conn.files, "/system/build.prop")

	cache, complete := probeDevice(newFakeLowDevice(conn), logger.NewTestLogger())

	// Partial results stay usable even though they must not be cached.
	assert.False(t, complete)
	assert.Equal(t, "/storage/emulated/0", cache.ExternalStoragePath)
	assert.Nil(t, cache.BuildProps)
}

func TestProbeDeviceNoSU(t *testing.T) {
	conn := newFakeConn("serial1", "1-4.2")
	scriptProbe(conn)
	delete(conn.files, "/system/xbin/su")

	cache, complete := probeDevice(newFakeLowDevice(conn), logger.NewTestLogger())

	// A missing su binary is a fact, not a probe failure.
	assert.True(t, complete)
	assert.False(t, cache.HasSU)
}

func TestParseGovernorsFiltersUnknown(t *testing.T) {
	governors := parseGovernors("userspace vendorturbo ondemand\n", logger.NewTestLogger())

	assert.Equal(t, []string{"ondemand", "userspace"}, governors)
}

func TestParseBuildProps(t *testing.T) {
	props := parseBuildProps("# begin\nro.build.id=KTU84P\nbroken line\nro.x=a=b\n")

	assert.Equal(t, map[string]string{
		"ro.build.id": "KTU84P",
		"ro.x":        "a=b",
	}, props)
}

func TestPerDeviceCacheTrim(t *testing.T) {
	registry := NewPerDeviceCache()
	registry.Set("1-1", &Cache{})
	registry.Set("1-2", &Cache{})
	registry.Set("1-3", &Cache{})

	alive := newFakeHighDevice(newFakeConn("a", "1-1"), nil, nil)

	broken := NewHighDevice(adb.NewLowDevice(nil, adb.DeviceInfo{PortPath: "1-2"},
		adb.LowDeviceConfig{Logger: logger.NewTestLogger()}), nil, nil, logger.NewTestLogger())

	registry.Trim([]*HighDevice{alive, broken})

	// Only entries for currently attached, valid devices survive.
	assert.NotNil(t, registry.Get("1-1"))
	assert.Nil(t, registry.Get("1-2"))
	assert.Nil(t, registry.Get("1-3"))
	assert.Equal(t, 1, registry.Len())
}
