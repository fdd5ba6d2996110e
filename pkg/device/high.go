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
	"errors"
	"fmt"
	"math/rand"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetbot/pkg/adb"
	"github.com/carverauto/fleetbot/pkg/logger"
)

const (
	minCPUSpeed = 10000
	maxCPUSpeed = 10000000

	deviceTmpDir    = "/data/local/tmp"
	mkstempAttempts = 5
)

var (
	errUnknownGovernor     = errors.New("device: unknown scaling governor")
	errUnsupportedGovernor = errors.New("device: governor unsupported on this device and has no substitution")
	errGovernorWriteFailed = errors.New("device: writing scaling_governor failed")
	errGovernorReadBack    = errors.New("device: scaling_governor read-back mismatch")
	errSpeedOutOfRange     = errors.New("device: cpu speed out of range")
	errSpeedWriteFailed    = errors.New("device: writing scaling_setspeed failed")
	errSpeedReadBack       = errors.New("device: scaling_setspeed read-back mismatch")
	errNoDeviceCache       = errors.New("device: no cache available")
	errTempFileFailed      = errors.New("device: failed to create device temp file")
)

// Battery describes the device battery as reported by dumpsys. Missing
// fields stay nil: the diagnostic output is inconsistent across OS builds.
type Battery struct {
	Power       []string
	Health      *int
	Level       *int
	Status      *int
	Temperature *int
	Voltage     *int
}

// DiskVolume is one volume of the diskstats report.
type DiskVolume struct {
	FreeMB float64
	SizeMB float64
}

// Disk groups the three volumes every device reports.
type Disk struct {
	Cache  DiskVolume
	Data   DiskVolume
	System DiskVolume
}

// CPUScale is a snapshot of the CPU frequency scaling state.
type CPUScale struct {
	Max      int
	Min      int
	Cur      string
	Governor string
}

// HighDevice composes a low-level handle with the device's static cache
// and exposes composite, semantically meaningful operations. It never
// touches the raw connection directly.
type HighDevice struct {
	low   *adb.LowDevice
	cache *Cache
	keys  *KeyStore
	log   logger.Logger
}

// NewHighDevice builds a HighDevice. cache may be nil when the device
// could not be probed; composite operations that need it fail cleanly.
func NewHighDevice(low *adb.LowDevice, cache *Cache, keys *KeyStore, log logger.Logger) *HighDevice {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &HighDevice{low: low, cache: cache, keys: keys, log: log}
}

// Cache returns the device's static facts, or nil when probing failed.
func (h *HighDevice) Cache() *Cache { return h.cache }

func (h *HighDevice) PortPath() string { return h.low.PortPath() }
func (h *HighDevice) Serial() string   { return h.low.Serial() }
func (h *HighDevice) IsValid() bool    { return h.low.IsValid() }
func (h *HighDevice) Close()           { h.low.Close() }

func (h *HighDevice) IsRoot() (bool, bool)    { return h.low.IsRoot() }
func (h *HighDevice) ResetADBDAsRoot() bool   { return h.low.ResetADBDAsRoot() }
func (h *HighDevice) ResetADBDAsUser() bool   { return h.low.ResetADBDAsUser() }
func (h *HighDevice) Reboot() bool            { return h.low.Reboot() }
func (h *HighDevice) Remount() bool           { return h.low.Remount() }
func (h *HighDevice) Listdir(dir string) []adb.DirEntry {
	return h.low.Listdir(dir)
}
func (h *HighDevice) Stat(p string) (adb.Stats, bool)      { return h.low.Stat(p) }
func (h *HighDevice) Pull(remote, dest string) bool        { return h.low.Pull(remote, dest) }
func (h *HighDevice) PullContent(remote string) (string, bool) {
	return h.low.PullContent(remote)
}
func (h *HighDevice) Push(local, dest string) bool { return h.low.Push(local, dest) }
func (h *HighDevice) PushContent(dest, content string) bool {
	return h.low.PushContent(dest, content)
}
func (h *HighDevice) Shell(cmd string) (string, int, error) { return h.low.Shell(cmd) }
func (h *HighDevice) ShellRaw(cmd string) (string, int, error) {
	return h.low.ShellRaw(cmd)
}

func (h *HighDevice) String() string { return h.low.String() }

// SetCPUScalingGovernor switches the CPU scaling governor, verifying the
// write by reading the value back. Governors the device does not support
// fall back through a fixed substitution table; a governor with no
// substitution fails without any write.
func (h *HighDevice) SetCPUScalingGovernor(governor string) error {
	if !slices.Contains(KnownCPUScalingGovernors, governor) {
		return fmt.Errorf("%w: %s", errUnknownGovernor, governor)
	}

	if h.cache == nil {
		return errNoDeviceCache
	}

	if !slices.Contains(h.cache.AvailableGovernors, governor) {
		switch governor {
		case "powersave":
			return h.SetCPUSpeed(h.cache.CPUInfoMinFreq)
		case "ondemand":
			governor = "interactive"
		case "interactive":
			governor = "ondemand"
		default:
			return fmt.Errorf("%w: %s", errUnsupportedGovernor, governor)
		}
	}

	governorPath := cpufreqDir + "/scaling_governor"

	// Only switch if the current value differs.
	if prev, ok := h.PullContent(governorPath); ok {
		current := strings.TrimSpace(prev)
		if current == governor {
			return nil
		}

		if !slices.Contains(h.cache.AvailableGovernors, current) {
			h.log.Error().Str("port_path", h.PortPath()).Str("governor", current).
				Msg("read invalid scaling_governor")
		}
	}

	// The direct write works on some devices and not others; fall back to
	// a shell redirect before giving up.
	if !h.PushContent(governorPath, governor+"\n") {
		_, exitCode, err := h.Shell(fmt.Sprintf("echo %q > %s", governor, governorPath))
		if err != nil || exitCode != 0 {
			return fmt.Errorf("%w: %s", errGovernorWriteFailed, governor)
		}
	}

	readBack, _ := h.PullContent(governorPath)
	if strings.TrimSpace(readBack) != governor {
		return fmt.Errorf("%w: wrote %s, got %q", errGovernorReadBack, governor, strings.TrimSpace(readBack))
	}

	return nil
}

// SetCPUSpeed pins the CPU to an exact frequency, disabling automatic
// scaling by forcing the userspace governor first.
func (h *HighDevice) SetCPUSpeed(speed int) error {
	if speed < minCPUSpeed || speed > maxCPUSpeed {
		return fmt.Errorf("%w: %d", errSpeedOutOfRange, speed)
	}

	govErr := h.SetCPUScalingGovernor("userspace")

	setSpeedPath := cpufreqDir + "/scaling_setspeed"

	if !h.PushContent(setSpeedPath, fmt.Sprintf("%d\n", speed)) {
		return fmt.Errorf("%w: %d", errSpeedWriteFailed, speed)
	}

	readBack, _ := h.PullContent(setSpeedPath)
	if strings.TrimSpace(readBack) != strconv.Itoa(speed) {
		return fmt.Errorf("%w: wrote %d, got %q", errSpeedReadBack, speed, strings.TrimSpace(readBack))
	}

	return govErr
}

// GetTemperatures reads the first two thermal zones. Not every device
// exports them; nil means unavailable.
func (h *HighDevice) GetTemperatures() []int {
	temps := make([]int, 0, 2)

	for i := 0; i < 2; i++ {
		out, ok := h.PullContent(fmt.Sprintf("/sys/class/thermal/thermal_zone%d/temp", i))
		if !ok {
			return nil
		}

		value, err := strconv.Atoi(strings.TrimSpace(out))
		if err != nil {
			return nil
		}

		temps = append(temps, value)
	}

	return temps
}

// GetBattery reports battery state parsed out of dumpsys, which returns
// semi-structured text that varies across OS builds. Unparseable fields
// degrade to nil.
func (h *HighDevice) GetBattery() *Battery {
	out, ok := h.Dumpsys("battery")
	if !ok {
		return nil
	}

	props := make(map[string]string)

	for _, line := range strings.Split(out, "\n") {
		if strings.HasSuffix(line, ":") {
			continue
		}

		// Older builds emit "voltage:123" without the space.
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		props[strings.TrimLeft(key, " ")] = strings.TrimSpace(value)
	}

	battery := &Battery{Power: []string{}}

	if props["AC powered"] == "true" {
		battery.Power = append(battery.Power, "AC")
	}

	if props["USB powered"] == "true" {
		battery.Power = append(battery.Power, "USB")
	}

	if props["Wireless powered"] == "true" {
		battery.Power = append(battery.Power, "Wireless")
	}

	battery.Health = intProp(props, "health")
	battery.Level = intProp(props, "level")
	battery.Status = intProp(props, "status")
	battery.Temperature = intProp(props, "temperature")
	battery.Voltage = intProp(props, "voltage")

	return battery
}

func intProp(props map[string]string, key string) *int {
	raw, ok := props[key]
	if !ok {
		return nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}

	return &value
}

var diskVolumePattern = regexp.MustCompile(`^(\d+)K / (\d+)K.*`)

// GetDisk reports free/total space of the cache, data and system volumes.
func (h *HighDevice) GetDisk() *Disk {
	out, ok := h.Dumpsys("diskstats")
	if !ok {
		return nil
	}

	volumes := make(map[string]DiskVolume)

	for _, line := range strings.Split(out, "\n") {
		if strings.HasSuffix(line, ":") {
			continue
		}

		key, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}

		match := diskVolumePattern.FindStringSubmatch(value)
		if match == nil {
			continue
		}

		free, _ := strconv.ParseFloat(match[1], 64)
		size, _ := strconv.ParseFloat(match[2], 64)

		volumes[strings.TrimLeft(key, " ")] = DiskVolume{
			FreeMB: roundMB(free),
			SizeMB: roundMB(size),
		}
	}

	cache, okCache := volumes["Cache-Free"]
	data, okData := volumes["Data-Free"]
	system, okSystem := volumes["System-Free"]

	if !okCache || !okData || !okSystem {
		return nil
	}

	return &Disk{Cache: cache, Data: data, System: system}
}

func roundMB(kb float64) float64 {
	mb := kb / 1024.

	return float64(int(mb*10+0.5)) / 10
}

// GetCPUScale snapshots the current CPU frequency scaling state.
func (h *HighDevice) GetCPUScale() *CPUScale {
	if h.cache == nil {
		return nil
	}

	scale := &CPUScale{
		Max: h.cache.CPUInfoMaxFreq,
		Min: h.cache.CPUInfoMinFreq,
	}

	if out, ok := h.PullContent(cpufreqDir + "/scaling_cur_freq"); ok {
		scale.Cur = strings.TrimSpace(out)
	}

	if out, ok := h.PullContent(cpufreqDir + "/scaling_governor"); ok {
		scale.Governor = strings.TrimSpace(out)
	}

	return scale
}

// GetUptime returns the device uptime in seconds.
func (h *HighDevice) GetUptime() (float64, bool) {
	out, ok := h.PullContent("/proc/uptime")
	if !ok {
		return 0, false
	}

	fields := strings.Fields(out)
	if len(fields) < 2 {
		return 0, false
	}

	uptime, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, false
	}

	return uptime, true
}

// GetIP returns the device's wifi IP address, or "".
func (h *HighDevice) GetIP() string {
	ip, exitCode, err := h.Shell("getprop dhcp.wlan0.ipaddress")
	if err != nil || exitCode != 0 {
		return ""
	}

	return strings.TrimSpace(ip)
}

var imeiPattern = regexp.MustCompile(`(?m)  Device ID = (.+)$`)

// GetIMEI returns the phone's IMEI, trying the legacy dumpsys report
// first and falling back to decoding the service-call parcel dump used by
// newer OS builds.
func (h *HighDevice) GetIMEI() string {
	if out, ok := h.Dumpsys("iphonesubinfo"); ok {
		if match := imeiPattern.FindStringSubmatch(out); match != nil {
			return match[1]
		}
	}

	out, exitCode, err := h.Shell("service call iphonesubinfo 1")
	if err != nil || exitCode != 0 || out == "" {
		return ""
	}

	lines := strings.Split(out, "\n")
	if len(lines) < 4 || lines[0] != "Result: Parcel(" {
		return ""
	}

	chars := parcelToList(lines[1:])
	if len(chars) <= 5 {
		return ""
	}

	// The first four units are the string length header; the last is the
	// terminator.
	var imei strings.Builder

	for _, c := range chars[4 : len(chars)-1] {
		value, err := strconv.ParseUint(c, 16, 32)
		if err != nil {
			return ""
		}

		imei.WriteRune(rune(value))
	}

	return imei.String()
}

var parcelPattern = regexp.MustCompile(
	`^  0x[0-9a-f]{8}: ([0-9a-f ]{8}) ([0-9a-f ]{8}) ([0-9a-f ]{8}) ([0-9a-f ]{8}) '.{16}'\)?`)

// parcelToList decodes 'service call' output into a list of 16-bit hex
// words. The parcel dumps little-endian 32-bit words, so within each word
// the high half-word comes second.
func parcelToList(lines []string) []string {
	var out []string

	for _, line := range lines {
		match := parcelPattern.FindStringSubmatch(line)
		if match == nil {
			break
		}

		for i := 1; i <= 4; i++ {
			group := match[i]

			if half := group[4:8]; half != "    " {
				out = append(out, half)
			}

			if half := group[0:4]; half != "    " {
				out = append(out, half)
			}
		}
	}

	return out
}

// GetLastUID returns the highest application UID on the device.
// Application UIDs are never reused, so a device that has seen too many
// installs becomes unusable; the fleet tracks this to retire devices.
func (h *HighDevice) GetLastUID() (int, bool) {
	out, ok := h.PullContent("/data/system/packages.list")
	if !ok {
		return 0, false
	}

	max := 0
	found := false

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		uid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}

		found = true

		if uid > max {
			max = uid
		}
	}

	return max, found
}

// ListPackages returns the installed packages, or nil on failure.
func (h *HighDevice) ListPackages() []string {
	out, exitCode, err := h.Shell("pm list packages")
	if err != nil || exitCode != 0 || out == "" {
		return nil
	}

	var packages []string

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if _, name, found := strings.Cut(line, ":"); found {
			packages = append(packages, name)
		}
	}

	return packages
}

// InstallAPK pushes an apk into destdir and installs it.
func (h *HighDevice) InstallAPK(destdir, apk string) bool {
	dest := path.Join(destdir, path.Base(apk))
	if !h.Push(apk, dest) {
		return false
	}

	_, exitCode, err := h.Shell("pm install -r " + shellQuote(dest))

	return err == nil && exitCode == 0
}

// UninstallAPK removes an installed package.
func (h *HighDevice) UninstallAPK(pkg string) bool {
	_, exitCode, err := h.Shell("pm uninstall " + shellQuote(pkg))

	return err == nil && exitCode == 0
}

// GetApplicationPath returns the install path of a package, or "".
func (h *HighDevice) GetApplicationPath(pkg string) string {
	out, exitCode, err := h.Shell("pm path " + shellQuote(pkg))
	if err != nil || exitCode != 0 {
		return ""
	}

	return strings.TrimSpace(out)
}

// GetApplicationVersion returns the dumpsys package report for a package.
func (h *HighDevice) GetApplicationVersion(pkg string) string {
	out, _, err := h.Shell("dumpsys package " + shellQuote(pkg))
	if err != nil {
		return ""
	}

	return out
}

// WaitForDevice polls until the device shell answers, or the timeout
// elapses.
func (h *HighDevice) WaitForDevice(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if _, exitCode, err := h.ShellRaw("echo 'hi'"); err == nil && exitCode == 0 {
			return true
		}

		time.Sleep(100 * time.Millisecond)
	}

	return false
}

const tmpNameChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Mkstemp creates a temporary file on the device with the given content.
// The random part of the name never needs quoting. Only this agent
// touches the device, so the stat-then-push race is acceptable.
func (h *HighDevice) Mkstemp(content, prefix, suffix string) (string, bool) {
	for i := 0; i < mkstempAttempts; i++ {
		var random strings.Builder
		for j := 0; j < 5; j++ {
			random.WriteByte(tmpNameChars[rand.Intn(len(tmpNameChars))])
		}

		name := deviceTmpDir + "/" + prefix + random.String() + suffix

		if stats, ok := h.Stat(name); ok && stats.Mode != 0 {
			continue
		}

		if h.PushContent(name, content) {
			return name, true
		}
	}

	return "", false
}

// RunShellWrapped runs a command sequence through a temporary script,
// capturing output through a temporary file. This sidesteps the remote
// shell's command-length and output-size limits. Both temporaries are
// removed regardless of outcome.
func (h *HighDevice) RunShellWrapped(commands []string) (string, int, error) {
	content := strings.Join(commands, "\n") + "\n"

	script, ok := h.Mkstemp(content, "fleetbot", ".sh")
	if !ok {
		return "", 0, errTempFileFailed
	}

	defer func() {
		_, _, _ = h.Shell("rm " + script)
	}()

	outfile, ok := h.Mkstemp("", "fleetbot", ".txt")
	if !ok {
		return "", 0, errTempFileFailed
	}

	defer func() {
		_, _, _ = h.Shell("rm " + outfile)
	}()

	_, exitCode, err := h.Shell(fmt.Sprintf("sh %s > %s 2>&1", script, outfile))
	if err != nil {
		return "", 0, err
	}

	out, _ := h.PullContent(outfile)

	return out, exitCode, nil
}

// GetProp reads an Android system property.
func (h *HighDevice) GetProp(prop string) (string, bool) {
	out, exitCode, err := h.Shell("getprop " + shellQuote(prop))
	if err != nil || exitCode != 0 {
		return "", false
	}

	return strings.TrimRight(out, "\n"), true
}

// Dumpsys queries the given service of the native directory service.
// Services return free-form text and happily report failure; ok is false
// when the service is missing or the query failed.
func (h *HighDevice) Dumpsys(arg string) (string, bool) {
	out, exitCode, err := h.Shell("dumpsys " + arg)
	if err != nil || exitCode != 0 || strings.HasPrefix(out, "Can't find service: ") {
		return "", false
	}

	return out, true
}

// PushKeys installs the agent's adb public keys on the device. A device
// that was wiped but is still authorized loses the authorization on its
// next reboot unless the keys are persisted. Previously trusted keys are
// kept; the write is skipped when ours are already present.
func (h *HighDevice) PushKeys() bool {
	if h.keys == nil || h.keys.Len() == 0 {
		return false
	}

	keys := make(map[string]bool)
	for _, pub := range h.keys.PublicKeys() {
		keys[pub] = true
	}

	const keysPath = "/data/misc/adb/adb_keys"

	if old, ok := h.PullContent(keysPath); ok && old != "" {
		oldKeys := strings.Split(strings.TrimSpace(old), "\n")

		missing := false

		for pub := range keys {
			if !slices.Contains(oldKeys, pub) {
				missing = true
				break
			}
		}

		if !missing {
			return true
		}

		for _, key := range oldKeys {
			keys[key] = true
		}
	}

	if _, exitCode, err := h.Shell("mkdir -p /data/misc/adb"); err != nil || exitCode != 0 {
		return false
	}

	if _, exitCode, err := h.Shell("restorecon /data/misc/adb"); err != nil || exitCode != 0 {
		return false
	}

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}

	slices.Sort(sorted)

	var content strings.Builder
	for _, key := range sorted {
		content.WriteString(key)
		content.WriteString("\n")
	}

	if !h.PushContent(keysPath, content.String()) {
		return false
	}

	if _, exitCode, err := h.Shell("restorecon " + keysPath); err != nil || exitCode != 0 {
		return false
	}

	return true
}

// shellQuote single-quotes s for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
