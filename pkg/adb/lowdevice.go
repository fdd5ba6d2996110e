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

package adb

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetbot/pkg/logger"
)

const (
	defaultRetries = 3

	// maxShellCommandLen is the remote shell's line-length limit, probe
	// included. Longer command sequences go through RunShellWrapped on the
	// high-level device.
	maxShellCommandLen = 512

	// exitCodeProbe is appended to every shell command because the adb
	// protocol does not report exit codes.
	exitCodeProbe = ` ; echo -e "\n$?"`
)

// ErrUnavailable is the sentinel failure returned by Shell when the retry
// budget is exhausted. It is a value, not a fault: callers degrade, they do
// not handle it per call.
var ErrUnavailable = errors.New("adb: device unavailable")

// OnErrorFunc receives a diagnostic message for every absorbed transport
// fault. It typically forwards to the bot's error reporting.
type OnErrorFunc func(msg string)

// LowDeviceConfig configures a LowDevice.
type LowDeviceConfig struct {
	// Retries bounds the attempts per operation; defaultRetries when zero.
	Retries int
	// OnError is invoked with call context on every absorbed fault.
	OnError OnErrorFunc
	Logger  logger.Logger
}

// LowDevice wraps a Conn so that transport faults never propagate: every
// operation retries against a bounded budget and returns a sentinel failure
// on exhaustion. Only contract violations are raised. Operations on one
// LowDevice are strictly sequential; callers must not overlap them.
type LowDevice struct {
	conn     Conn
	portPath string
	serial   string
	retries  int
	hasReset bool
	onError  OnErrorFunc
	log      logger.Logger
}

// NewLowDevice wraps conn. A nil conn produces a permanently invalid
// handle, which keeps client code free of nil checks after a failed open.
func NewLowDevice(conn Conn, info DeviceInfo, cfg LowDeviceConfig) *LowDevice {
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	serial := info.Serial
	if conn != nil && conn.Serial() != "" {
		serial = conn.Serial()
	}

	return &LowDevice{
		conn:     conn,
		portPath: info.PortPath,
		serial:   serial,
		retries:  retries,
		onError:  cfg.OnError,
		log:      log,
	}
}

// IsValid reports whether the handle still owns a connection.
func (d *LowDevice) IsValid() bool {
	return d.conn != nil
}

// PortPath returns the stable physical-port identity used as cache key.
func (d *LowDevice) PortPath() string {
	return d.portPath
}

// Serial returns the device serial number.
func (d *LowDevice) Serial() string {
	return d.serial
}

// Close releases the connection. The handle is permanently invalid after;
// a new one must come from discovery.
func (d *LowDevice) Close() {
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

func (d *LowDevice) String() string {
	if d.IsValid() {
		return fmt.Sprintf("<device %s %s>", d.portPath, d.serial)
	}

	return fmt.Sprintf("<device %s (broken)>", d.portPath)
}

// attempt runs fn under the retry template shared by every operation: a
// FAIL reply is definitive, a transport fault is reported and retried, and
// exhaustion yields failure.
func (d *LowDevice) attempt(op, detail string, fn func() error) bool {
	if d.conn == nil {
		return false
	}

	for i := 0; i < d.retries; i++ {
		err := fn()
		if err == nil {
			return true
		}

		var failErr *FailError
		if errors.As(err, &failErr) {
			break
		}

		if !IsTransportFault(err) {
			break
		}

		d.reportFault(op, detail, err)
	}

	return false
}

func (d *LowDevice) reportFault(op, detail string, err error) {
	msg := fmt.Sprintf("%s.%s(%s): %v", d.portPath, op, detail, err)

	d.log.Error().Str("port_path", d.portPath).Str("op", op).Err(err).Msg("device transport fault")

	if d.onError != nil {
		d.onError(msg)
	}

	// One reset budget per handle; repeated faults on a handle that was
	// already reset mean discovery has to rebuild it.
	d.hasReset = true
}

// Listdir lists a directory on the device. Returns nil on failure.
func (d *LowDevice) Listdir(dir string) []DirEntry {
	if !strings.HasPrefix(dir, "/") {
		d.log.Error().Str("dir", dir).Msg("listdir requires an absolute path")
		return nil
	}

	var entries []DirEntry

	if !d.attempt("listdir", dir, func() error {
		var err error
		entries, err = d.conn.Listdir(dir)

		return err
	}) {
		return nil
	}

	return entries
}

// Stat stats a file or directory on the device. It is cheaper than a
// shell round-trip.
func (d *LowDevice) Stat(path string) (Stats, bool) {
	if !strings.HasPrefix(path, "/") {
		d.log.Error().Str("path", path).Msg("stat requires an absolute path")
		return Stats{}, false
	}

	var stats Stats

	ok := d.attempt("stat", path, func() error {
		var err error
		stats, err = d.conn.Stat(path)

		return err
	})

	return stats, ok
}

// Pull retrieves a remote file to dest on the host.
func (d *LowDevice) Pull(remote, dest string) bool {
	if !strings.HasPrefix(remote, "/") {
		d.log.Error().Str("remote", remote).Msg("pull requires an absolute path")
		return false
	}

	return d.attempt("pull", remote, func() error {
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer f.Close()

		return d.conn.Pull(remote, f)
	})
}

// PullContent reads a remote file into memory. Returns "" and false on
// failure; a missing file and an I/O fault are not distinguished.
func (d *LowDevice) PullContent(remote string) (string, bool) {
	if !strings.HasPrefix(remote, "/") {
		d.log.Error().Str("remote", remote).Msg("pull requires an absolute path")
		return "", false
	}

	var buf strings.Builder

	ok := d.attempt("pull_content", remote, func() error {
		buf.Reset()
		return d.conn.Pull(remote, &buf)
	})

	if !ok {
		return "", false
	}

	return buf.String(), true
}

// Push copies a local file to dest on the device.
func (d *LowDevice) Push(local, dest string) bool {
	if !strings.HasPrefix(dest, "/") {
		d.log.Error().Str("dest", dest).Msg("push requires an absolute path")
		return false
	}

	return d.attempt("push", dest, func() error {
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()

		return d.conn.Push(f, dest, 0o644, time.Now())
	})
}

// PushContent writes content to dest on the device.
func (d *LowDevice) PushContent(dest, content string) bool {
	if !strings.HasPrefix(dest, "/") {
		d.log.Error().Str("dest", dest).Msg("push requires an absolute path")
		return false
	}

	return d.attempt("push_content", dest, func() error {
		return d.conn.Push(strings.NewReader(content), dest, 0o644, time.Now())
	})
}

// Reboot asks the device to reboot. It does not wait for it.
func (d *LowDevice) Reboot() bool {
	return d.attempt("reboot", "", func() error {
		return d.conn.Reboot()
	})
}

// Remount remounts / as read-write.
func (d *LowDevice) Remount() bool {
	return d.attempt("remount", "", func() error {
		out, err := d.conn.Remount()
		if err != nil {
			return err
		}

		d.log.Info().Str("port_path", d.portPath).Str("out", strings.TrimSpace(out)).Msg("remount")

		return nil
	})
}

// Shell runs a command while absorbing transport faults under the retry
// budget. On exhaustion it returns ErrUnavailable; the only other non-nil
// error is a contract violation, which callers must propagate.
func (d *LowDevice) Shell(cmd string) (string, int, error) {
	if d.conn == nil {
		return "", 0, ErrUnavailable
	}

	for i := 0; i < d.retries; i++ {
		out, exitCode, err := d.ShellRaw(cmd)
		if err == nil {
			return out, exitCode, nil
		}

		var contractErr *ContractViolationError
		if errors.As(err, &contractErr) {
			return "", 0, err
		}

		if errors.Is(err, ErrCommandTooLong) {
			return "", 0, err
		}

		if !IsTransportFault(err) {
			break
		}

		d.reportFault("shell", cmd, err)
	}

	return "", 0, ErrUnavailable
}

// ShellRaw runs a single attempt of cmd. The adb protocol does not report
// exit codes, so the command line is extended with an exit-code probe and
// the trailing line is parsed back out. A reply without the trailer means
// the stream is corrupt and is a contract violation, not a sentinel.
//
// The caller must quote cmd properly. Commands longer than the remote
// shell's limit fail with ErrCommandTooLong; use RunShellWrapped instead.
func (d *LowDevice) ShellRaw(cmd string) (string, int, error) {
	if d.conn == nil {
		return "", 0, ErrUnavailable
	}

	complete := cmd + exitCodeProbe
	if len(complete) > maxShellCommandLen {
		return "", 0, fmt.Errorf("%w: %d bytes", ErrCommandTooLong, len(complete))
	}

	out, err := d.conn.Shell(complete)
	if err != nil {
		return "", 0, err
	}

	// The remote shell uses CRLF line endings.
	out = strings.ReplaceAll(out, "\r\n", "\n")

	if !strings.HasSuffix(out, "\n") {
		return "", 0, &ContractViolationError{Op: "shell", Detail: "missing exit code trailer"}
	}

	trimmed := out[:len(out)-1]

	var body, codeStr string

	if idx := strings.LastIndex(trimmed, "\n"); idx >= 0 {
		body, codeStr = trimmed[:idx], trimmed[idx+1:]
	} else {
		body, codeStr = "", trimmed
	}

	exitCode, err := strconv.Atoi(strings.TrimSpace(codeStr))
	if err != nil {
		return "", 0, &ContractViolationError{Op: "shell", Detail: "unparseable exit code " + codeStr}
	}

	return body, exitCode, nil
}

// IsRoot reports whether adbd runs as root. The second return is false
// when the device cannot give a meaningful answer.
//
// The root toggles restart adbd asynchronously, and the outgoing daemon
// may still accept connections while shutting down, so callers re-query
// until the answer reflects the restarted daemon.
func (d *LowDevice) IsRoot() (root, ok bool) {
	out, exitCode, err := d.Shell("id")
	if err != nil || exitCode != 0 || out == "" {
		return false, false
	}

	return strings.HasPrefix(out, "uid=0(root)"), true
}

// ResetADBDAsRoot asks adbd to restart as root if it is not already.
func (d *LowDevice) ResetADBDAsRoot() bool {
	if d.conn == nil {
		return false
	}

	for i := 0; i < d.retries; i++ {
		out, err := d.conn.Root()
		if err != nil {
			if !IsTransportFault(err) {
				break
			}

			d.reportFault("reset_adbd_as_root", "", err)

			continue
		}

		d.log.Info().Str("port_path", d.portPath).Str("out", strings.TrimSpace(out)).Msg("reset_adbd_as_root")

		// Hardcoded replies from adbd.
		if out == "adbd is already running as root\n" {
			return true
		}

		if out == "adbd cannot run as root in production builds\n" {
			return false
		}

		root, known := d.IsRoot()
		if !known || !root {
			d.log.Error().Str("port_path", d.portPath).Msg("failed to verify root after restart")
			return false
		}

		return true
	}

	return false
}

// ResetADBDAsUser asks a root adbd to restart unprivileged.
func (d *LowDevice) ResetADBDAsUser() bool {
	if d.conn == nil {
		return false
	}

	out, exitCode, err := d.Shell("setprop service.adb.root 0; setprop ctl.restart adbd")
	if err != nil {
		return false
	}

	d.log.Info().Str("port_path", d.portPath).Int("exit_code", exitCode).
		Str("out", strings.TrimSpace(out)).Msg("reset_adbd_as_user")

	root, known := d.IsRoot()
	if !known || root {
		d.log.Error().Str("port_path", d.portPath).Msg("failed to verify non-root after restart")
		return false
	}

	return true
}
