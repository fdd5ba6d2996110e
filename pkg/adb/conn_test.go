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
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHostServer speaks just enough of the adb host server protocol for the
// dialer tests. Each accepted socket serves one service request.
type fakeHostServer struct {
	listener net.Listener
	handle   func(service string, conn net.Conn)
}

func newFakeHostServer(t *testing.T, handle func(service string, conn net.Conn)) *fakeHostServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeHostServer{listener: listener, handle: handle}

	go s.serve()

	t.Cleanup(func() { _ = listener.Close() })

	return s
}

func (s *fakeHostServer) addr() string {
	return s.listener.Addr().String()
}

func (s *fakeHostServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		go func(conn net.Conn) {
			defer conn.Close()

			service, err := readRequestFrame(conn)
			if err != nil {
				return
			}

			// Transport binding is transparent to the test handlers.
			if strings.HasPrefix(service, "host:transport:") {
				_, _ = conn.Write([]byte("OKAY"))

				service, err = readRequestFrame(conn)
				if err != nil {
					return
				}
			}

			s.handle(service, conn)
		}(conn)
	}
}

func readRequestFrame(conn net.Conn) (string, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return "", err
	}

	var n uint32
	if _, err := fmt.Sscanf(string(lenBuf), "%04x", &n); err != nil {
		return "", err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return "", err
	}

	return string(payload), nil
}

func writeOkayPayload(conn net.Conn, payload string) {
	_, _ = fmt.Fprintf(conn, "OKAY%04x%s", len(payload), payload)
}

func TestDialerDevices(t *testing.T) {
	listing := "SER1  device usb:1-4.2 product:p model:m transport_id:3\n"

	server := newFakeHostServer(t, func(service string, conn net.Conn) {
		require.Equal(t, "host:devices-l", service)
		writeOkayPayload(conn, listing)
	})

	dialer := &Dialer{Addr: server.addr(), Timeout: time.Second}

	devices, err := dialer.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "SER1", devices[0].Serial)
	assert.Equal(t, "1-4.2", devices[0].PortPath)
}

func TestDialerDevicesFail(t *testing.T) {
	server := newFakeHostServer(t, func(_ string, conn net.Conn) {
		_, _ = fmt.Fprintf(conn, "FAIL%04x%s", len("device offline"), "device offline")
	})

	dialer := &Dialer{Addr: server.addr(), Timeout: time.Second}

	_, err := dialer.Devices(context.Background())

	var failErr *FailError

	require.ErrorAs(t, err, &failErr)
	assert.Equal(t, "device offline", failErr.Reason)
}

func TestHostConnShell(t *testing.T) {
	server := newFakeHostServer(t, func(service string, conn net.Conn) {
		require.Equal(t, "shell:echo hi", service)
		_, _ = conn.Write([]byte("OKAY"))
		_, _ = conn.Write([]byte("hi\n"))
	})

	dialer := &Dialer{Addr: server.addr(), Timeout: time.Second}
	conn := &hostConn{dialer: dialer, serial: "SER1", portPath: "1-4.2"}

	out, err := conn.Shell("echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)
}

func TestHostConnStat(t *testing.T) {
	server := newFakeHostServer(t, func(service string, conn net.Conn) {
		require.Equal(t, "sync:", service)
		_, _ = conn.Write([]byte("OKAY"))

		// STAT request: id + path length + path.
		id := make([]byte, 4)
		_, _ = io.ReadFull(conn, id)
		require.Equal(t, "STAT", string(id))

		lenBuf := make([]byte, 4)
		_, _ = io.ReadFull(conn, lenBuf)

		path := make([]byte, binary.LittleEndian.Uint32(lenBuf))
		_, _ = io.ReadFull(conn, path)
		require.Equal(t, "/system/build.prop", string(path))

		reply := make([]byte, 0, 16)
		reply = append(reply, []byte("STAT")...)
		reply = binary.LittleEndian.AppendUint32(reply, 0o100644)
		reply = binary.LittleEndian.AppendUint32(reply, 1234)
		reply = binary.LittleEndian.AppendUint32(reply, 1700000000)
		_, _ = conn.Write(reply)
	})

	dialer := &Dialer{Addr: server.addr(), Timeout: time.Second}
	conn := &hostConn{dialer: dialer, serial: "SER1", portPath: "1-4.2"}

	stats, err := conn.Stat("/system/build.prop")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o100644), stats.Mode)
	assert.Equal(t, uint32(1234), stats.Size)
	assert.Equal(t, time.Unix(1700000000, 0), stats.MTime)
}

func TestHostConnPull(t *testing.T) {
	content := "ro.build.id=ABC\n"

	server := newFakeHostServer(t, func(service string, conn net.Conn) {
		require.Equal(t, "sync:", service)
		_, _ = conn.Write([]byte("OKAY"))

		id := make([]byte, 4)
		_, _ = io.ReadFull(conn, id)
		require.Equal(t, "RECV", string(id))

		lenBuf := make([]byte, 4)
		_, _ = io.ReadFull(conn, lenBuf)

		path := make([]byte, binary.LittleEndian.Uint32(lenBuf))
		_, _ = io.ReadFull(conn, path)

		reply := make([]byte, 0, 64)
		reply = append(reply, []byte("DATA")...)
		reply = binary.LittleEndian.AppendUint32(reply, uint32(len(content)))
		reply = append(reply, []byte(content)...)
		reply = append(reply, []byte("DONE")...)
		reply = binary.LittleEndian.AppendUint32(reply, 0)
		_, _ = conn.Write(reply)
	})

	dialer := &Dialer{Addr: server.addr(), Timeout: time.Second}
	conn := &hostConn{dialer: dialer, serial: "SER1", portPath: "1-4.2"}

	var buf strings.Builder

	require.NoError(t, conn.Pull("/system/build.prop", &buf))
	assert.Equal(t, content, buf.String())
}

func TestHostConnClosedIsPermanent(t *testing.T) {
	dialer := &Dialer{Addr: "127.0.0.1:1", Timeout: time.Second}
	conn := &hostConn{dialer: dialer, serial: "SER1", portPath: "1-4.2"}

	require.NoError(t, conn.Close())

	_, err := conn.Shell("id")
	assert.ErrorIs(t, err, ErrClosed)
}
