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
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetbot/pkg/adb"
	"github.com/carverauto/fleetbot/pkg/logger"
)

// fakeConn is a scripted adb.Conn. Remote files live in files; pushes land
// in files so read-backs observe them and in pushed for assertions. Shell
// commands resolve against shellHandler first, then shellReplies.
type fakeConn struct {
	serial   string
	portPath string

	files        map[string]string
	pushed       map[string]string
	pushFailures map[string]bool

	// shellReplies maps the bare command, probe stripped, to its body and
	// exit code.
	shellReplies map[string]shellReply
	shellHandler func(cmd string) (string, bool)
	shellCalls   []string
	rootCalls    int

	closed bool
}

type shellReply struct {
	out  string
	code int
}

func newFakeConn(serial, portPath string) *fakeConn {
	return &fakeConn{
		serial:       serial,
		portPath:     portPath,
		files:        make(map[string]string),
		pushed:       make(map[string]string),
		pushFailures: make(map[string]bool),
		shellReplies: make(map[string]shellReply),
	}
}

func (f *fakeConn) Serial() string   { return f.serial }
func (f *fakeConn) PortPath() string { return f.portPath }

func (f *fakeConn) Listdir(string) ([]adb.DirEntry, error) {
	return nil, &adb.FailError{Reason: "not scripted"}
}

func (f *fakeConn) Stat(path string) (adb.Stats, error) {
	if _, ok := f.files[path]; ok {
		return adb.Stats{Mode: 0o100644, Size: 1}, nil
	}

	return adb.Stats{}, &adb.FailError{Reason: "No such file or directory"}
}

func (f *fakeConn) Pull(remote string, w io.Writer) error {
	content, ok := f.files[remote]
	if !ok {
		return &adb.FailError{Reason: "No such file or directory"}
	}

	_, err := io.WriteString(w, content)

	return err
}

func (f *fakeConn) Push(r io.Reader, remote string, _ uint32, _ time.Time) error {
	if f.pushFailures[remote] {
		return &adb.FailError{Reason: "Permission denied"}
	}

	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	f.files[remote] = string(content)
	f.pushed[remote] = string(content)

	return nil
}

func (f *fakeConn) Shell(cmd string) (string, error) {
	// The handle appends the exit-code probe to every command.
	bare := strings.TrimSuffix(cmd, ` ; echo -e "\n$?"`)

	f.shellCalls = append(f.shellCalls, bare)

	if f.shellHandler != nil {
		if out, handled := f.shellHandler(bare); handled {
			return out, nil
		}
	}

	if reply, ok := f.shellReplies[bare]; ok {
		return reply.out + "\n" + strconv.Itoa(reply.code) + "\n", nil
	}

	return "", &adb.FailError{Reason: "not scripted: " + bare}
}

func (f *fakeConn) Reboot() error { return nil }

func (f *fakeConn) Remount() (string, error) { return "remount succeeded\n", nil }

func (f *fakeConn) Root() (string, error) {
	f.rootCalls++

	return "adbd is already running as root\n", nil
}

func (f *fakeConn) Close() error {
	f.closed = true

	return nil
}

func (f *fakeConn) scriptShell(cmd, out string, code int) {
	f.shellReplies[cmd] = shellReply{out: out, code: code}
}

func (f *fakeConn) shellCallCount(cmd string) int {
	n := 0

	for _, call := range f.shellCalls {
		if call == cmd {
			n++
		}
	}

	return n
}

func newFakeHighDevice(conn *fakeConn, cache *Cache, keys *KeyStore) *HighDevice {
	low := adb.NewLowDevice(conn, adb.DeviceInfo{
		Serial:   conn.serial,
		State:    "device",
		PortPath: conn.portPath,
	}, adb.LowDeviceConfig{Logger: logger.NewTestLogger()})

	return NewHighDevice(low, cache, keys, logger.NewTestLogger())
}
