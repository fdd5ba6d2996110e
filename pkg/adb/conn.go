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

// Package adb talks to attached Android devices through the adb host
// server's smart-socket protocol and wraps each device connection in a
// fault-absorbing handle.
package adb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// DefaultAddr is the adb host server's listen address.
	DefaultAddr = "127.0.0.1:5037"

	defaultDialTimeout = 10 * time.Second

	// syncChunkSize is the maximum DATA payload in the sync protocol.
	syncChunkSize = 64 * 1024
)

// Stats describes a remote file, as reported by the sync STAT request.
type Stats struct {
	Mode  uint32
	Size  uint32
	MTime time.Time
}

// DirEntry is one entry of a remote directory listing.
type DirEntry struct {
	Name  string
	Mode  uint32
	Size  uint32
	MTime time.Time
}

// DeviceInfo identifies one enumerated device. PortPath is the stable
// topological identity of the physical connection; it survives reconnects
// while the transport id does not.
type DeviceInfo struct {
	Serial   string
	State    string
	PortPath string
}

// Conn is one raw device connection. Implementations are not safe for
// concurrent use; LowDevice serializes access.
type Conn interface {
	// Serial returns the device serial number.
	Serial() string
	// PortPath returns the stable physical-port identity.
	PortPath() string
	// Listdir lists a remote directory.
	Listdir(dir string) ([]DirEntry, error)
	// Stat stats a remote file or directory.
	Stat(path string) (Stats, error)
	// Pull streams a remote file into w.
	Pull(remote string, w io.Writer) error
	// Push streams r to a remote file with the given mode and mtime.
	Push(r io.Reader, remote string, mode uint32, mtime time.Time) error
	// Shell runs a command and returns its raw combined output.
	Shell(cmd string) (string, error)
	// Reboot asks the device to reboot. Does not wait for it.
	Reboot() error
	// Remount remounts / as read-write and returns the daemon's reply.
	Remount() (string, error)
	// Root asks adbd to restart as root and returns the daemon's reply.
	Root() (string, error)
	// Close releases the connection; the Conn is permanently invalid after.
	Close() error
}

// Dialer opens connections to devices through an adb host server.
type Dialer struct {
	// Addr is the host server address; DefaultAddr when empty.
	Addr string
	// Timeout bounds each socket dial; defaultDialTimeout when zero.
	Timeout time.Duration
}

func (d *Dialer) addr() string {
	if d.Addr != "" {
		return d.Addr
	}

	return DefaultAddr
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout != 0 {
		return d.Timeout
	}

	return defaultDialTimeout
}

func (d *Dialer) dial(ctx context.Context) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout()}

	nc, err := nd.DialContext(ctx, "tcp", d.addr())
	if err != nil {
		return nil, fmt.Errorf("adb: dialing host server: %w", err)
	}

	return nc, nil
}

// Devices enumerates attached devices via host:devices-l.
func (d *Dialer) Devices(ctx context.Context) ([]DeviceInfo, error) {
	nc, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	if err := writeMessage(nc, "host:devices-l"); err != nil {
		return nil, err
	}

	if err := readStatus(nc, "host:devices-l"); err != nil {
		return nil, err
	}

	payload, err := readHexString(nc)
	if err != nil {
		return nil, err
	}

	return parseDeviceList(payload), nil
}

// Open binds a connection to the device described by info.
func (d *Dialer) Open(ctx context.Context, info DeviceInfo) (Conn, error) {
	c := &hostConn{
		dialer:   d,
		serial:   info.Serial,
		portPath: info.PortPath,
	}

	// Probe the transport once so a dead device fails at open time rather
	// than on the first operation.
	nc, err := c.dialService(ctx, "shell:echo fleetbot")
	if err != nil {
		return nil, err
	}

	_, _ = io.Copy(io.Discard, nc)
	_ = nc.Close()

	return c, nil
}

// parseDeviceList parses host:devices-l output. Each line looks like:
//
//	0123456789ABCDEF  device usb:1-4.2 product:foo model:bar transport_id:7
func parseDeviceList(payload string) []DeviceInfo {
	var out []DeviceInfo

	for _, line := range strings.Split(payload, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		info := DeviceInfo{
			Serial: fields[0],
			State:  fields[1],
		}

		for _, f := range fields[2:] {
			if path, ok := strings.CutPrefix(f, "usb:"); ok {
				info.PortPath = path
				break
			}
		}

		if info.PortPath == "" {
			// TCP devices have no physical port; the serial is the most
			// stable identity available.
			info.PortPath = info.Serial
		}

		out = append(out, info)
	}

	return out
}

// hostConn is a Conn backed by an adb host server. The smart-socket
// protocol binds one socket per service request, so each operation dials a
// fresh socket and routes it through host:transport:<serial>.
type hostConn struct {
	dialer   *Dialer
	serial   string
	portPath string
	closed   atomic.Bool
}

func (c *hostConn) Serial() string   { return c.serial }
func (c *hostConn) PortPath() string { return c.portPath }

func (c *hostConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *hostConn) dialService(ctx context.Context, service string) (net.Conn, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	nc, err := c.dialer.dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := writeMessage(nc, "host:transport:"+c.serial); err != nil {
		_ = nc.Close()
		return nil, err
	}

	if err := readStatus(nc, "host:transport"); err != nil {
		_ = nc.Close()
		return nil, err
	}

	if err := writeMessage(nc, service); err != nil {
		_ = nc.Close()
		return nil, err
	}

	if err := readStatus(nc, service); err != nil {
		_ = nc.Close()
		return nil, err
	}

	return nc, nil
}

func (c *hostConn) Shell(cmd string) (string, error) {
	nc, err := c.dialService(context.Background(), "shell:"+cmd)
	if err != nil {
		return "", err
	}
	defer nc.Close()

	out, err := io.ReadAll(nc)
	if err != nil {
		return "", fmt.Errorf("adb: reading shell output: %w", err)
	}

	return string(out), nil
}

func (c *hostConn) Reboot() error {
	nc, err := c.dialService(context.Background(), "reboot:")
	if err != nil {
		return err
	}
	defer nc.Close()

	_, _ = io.Copy(io.Discard, nc)

	return nil
}

func (c *hostConn) Remount() (string, error) {
	nc, err := c.dialService(context.Background(), "remount:")
	if err != nil {
		return "", err
	}
	defer nc.Close()

	out, err := io.ReadAll(nc)
	if err != nil {
		return "", fmt.Errorf("adb: reading remount reply: %w", err)
	}

	return string(out), nil
}

func (c *hostConn) Root() (string, error) {
	nc, err := c.dialService(context.Background(), "root:")
	if err != nil {
		return "", err
	}
	defer nc.Close()

	out, err := io.ReadAll(nc)
	if err != nil {
		return "", fmt.Errorf("adb: reading root reply: %w", err)
	}

	return string(out), nil
}

func (c *hostConn) Stat(path string) (Stats, error) {
	nc, err := c.dialService(context.Background(), "sync:")
	if err != nil {
		return Stats{}, err
	}
	defer nc.Close()

	if err := syncRequest(nc, "STAT", path); err != nil {
		return Stats{}, err
	}

	id, err := readSyncID(nc)
	if err != nil {
		return Stats{}, err
	}

	if id != "STAT" {
		return Stats{}, &ContractViolationError{Op: "stat", Detail: "unexpected sync id " + id}
	}

	var mode, size, mtime uint32

	for _, dst := range []*uint32{&mode, &size, &mtime} {
		if *dst, err = readUint32(nc); err != nil {
			return Stats{}, err
		}
	}

	return Stats{Mode: mode, Size: size, MTime: time.Unix(int64(mtime), 0)}, nil
}

func (c *hostConn) Listdir(dir string) ([]DirEntry, error) {
	nc, err := c.dialService(context.Background(), "sync:")
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	if err := syncRequest(nc, "LIST", dir); err != nil {
		return nil, err
	}

	var entries []DirEntry

	for {
		id, err := readSyncID(nc)
		if err != nil {
			return nil, err
		}

		switch id {
		case "DENT":
			var mode, size, mtime, nameLen uint32

			for _, dst := range []*uint32{&mode, &size, &mtime, &nameLen} {
				if *dst, err = readUint32(nc); err != nil {
					return nil, err
				}
			}

			name := make([]byte, nameLen)
			if _, err := io.ReadFull(nc, name); err != nil {
				return nil, fmt.Errorf("adb: reading dirent name: %w", err)
			}

			entries = append(entries, DirEntry{
				Name:  string(name),
				Mode:  mode,
				Size:  size,
				MTime: time.Unix(int64(mtime), 0),
			})
		case "DONE":
			// DONE carries the same 16-byte payload as a DENT; drain it.
			for i := 0; i < 4; i++ {
				if _, err := readUint32(nc); err != nil {
					return nil, err
				}
			}

			return entries, nil
		case "FAIL":
			return nil, readSyncFail(nc)
		default:
			return nil, &ContractViolationError{Op: "listdir", Detail: "unexpected sync id " + id}
		}
	}
}

func (c *hostConn) Pull(remote string, w io.Writer) error {
	nc, err := c.dialService(context.Background(), "sync:")
	if err != nil {
		return err
	}
	defer nc.Close()

	if err := syncRequest(nc, "RECV", remote); err != nil {
		return err
	}

	for {
		id, err := readSyncID(nc)
		if err != nil {
			return err
		}

		switch id {
		case "DATA":
			n, err := readUint32(nc)
			if err != nil {
				return err
			}

			if _, err := io.CopyN(w, nc, int64(n)); err != nil {
				return fmt.Errorf("adb: reading file data: %w", err)
			}
		case "DONE":
			if _, err := readUint32(nc); err != nil {
				return err
			}

			return nil
		case "FAIL":
			return readSyncFail(nc)
		default:
			return &ContractViolationError{Op: "pull", Detail: "unexpected sync id " + id}
		}
	}
}

func (c *hostConn) Push(r io.Reader, remote string, mode uint32, mtime time.Time) error {
	nc, err := c.dialService(context.Background(), "sync:")
	if err != nil {
		return err
	}
	defer nc.Close()

	spec := fmt.Sprintf("%s,%d", remote, mode)
	if err := syncRequest(nc, "SEND", spec); err != nil {
		return err
	}

	buf := make([]byte, syncChunkSize)

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := writeSyncChunk(nc, "DATA", uint32(n)); err != nil {
				return err
			}

			if _, err := nc.Write(buf[:n]); err != nil {
				return fmt.Errorf("adb: writing file data: %w", err)
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return fmt.Errorf("adb: reading push source: %w", readErr)
		}
	}

	if err := writeSyncChunk(nc, "DONE", uint32(mtime.Unix())); err != nil {
		return err
	}

	id, err := readSyncID(nc)
	if err != nil {
		return err
	}

	switch id {
	case "OKAY":
		_, _ = readUint32(nc)
		return nil
	case "FAIL":
		return readSyncFail(nc)
	default:
		return &ContractViolationError{Op: "push", Detail: "unexpected sync id " + id}
	}
}

// writeMessage frames msg with the 4-hex-digit length prefix.
func writeMessage(w io.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "%04x%s", len(msg), msg); err != nil {
		return fmt.Errorf("adb: writing request: %w", err)
	}

	return nil
}

// readStatus consumes an OKAY/FAIL status frame.
func readStatus(r io.Reader, op string) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(r, status); err != nil {
		return fmt.Errorf("adb: reading status for %s: %w", op, err)
	}

	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		reason, err := readHexString(r)
		if err != nil {
			return err
		}

		return &FailError{Reason: reason}
	default:
		return &ContractViolationError{Op: op, Detail: "unexpected status " + string(status)}
	}
}

// readHexString reads a 4-hex-digit length followed by that many bytes.
func readHexString(r io.Reader) (string, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return "", fmt.Errorf("adb: reading length: %w", err)
	}

	var n uint32
	if _, err := fmt.Sscanf(string(lenBuf), "%04x", &n); err != nil {
		return "", &ContractViolationError{Op: "read", Detail: "bad length prefix " + string(lenBuf)}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", fmt.Errorf("adb: reading payload: %w", err)
	}

	return string(payload), nil
}

func syncRequest(w io.Writer, id, path string) error {
	var buf bytes.Buffer

	buf.WriteString(id)

	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(path)))
	buf.Write(lenBuf[:])
	buf.WriteString(path)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("adb: writing sync %s request: %w", id, err)
	}

	return nil
}

func writeSyncChunk(w io.Writer, id string, value uint32) error {
	var buf [8]byte

	copy(buf[:4], id)
	binary.LittleEndian.PutUint32(buf[4:], value)

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("adb: writing sync %s chunk: %w", id, err)
	}

	return nil
}

func readSyncID(r io.Reader) (string, error) {
	id := make([]byte, 4)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", fmt.Errorf("adb: reading sync id: %w", err)
	}

	return string(id), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("adb: reading sync field: %w", err)
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readSyncFail(r io.Reader) error {
	n, err := readUint32(r)
	if err != nil {
		return err
	}

	reason := make([]byte, n)
	if _, err := io.ReadFull(r, reason); err != nil {
		return fmt.Errorf("adb: reading failure reason: %w", err)
	}

	return &FailError{Reason: string(reason)}
}
