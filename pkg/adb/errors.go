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
	"io"
	"net"
)

var (
	// ErrClosed indicates the connection was closed and the handle is
	// permanently invalid.
	ErrClosed = errors.New("adb: connection closed")

	// ErrCommandTooLong indicates a shell command exceeding the remote
	// shell's line-length limit.
	ErrCommandTooLong = errors.New("adb: shell command too long")
)

// FailError is a FAIL frame returned by the adb server or the device. The
// request was delivered and rejected, so retrying it is pointless.
type FailError struct {
	Reason string
}

func (e *FailError) Error() string {
	return fmt.Sprintf("adb: command failed: %s", e.Reason)
}

// ContractViolationError indicates a reply that breaks the adb framing or
// the exit-code trailer convention. It is raised rather than absorbed:
// silently continuing would corrupt exit-code-dependent logic downstream.
type ContractViolationError struct {
	Op     string
	Detail string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("adb: protocol contract violated in %s: %s", e.Op, e.Detail)
}

// IsTransportFault reports whether err is a bus/transport-level fault worth
// retrying, as opposed to a definitive FAIL reply or a contract violation.
func IsTransportFault(err error) bool {
	if err == nil {
		return false
	}

	var failErr *FailError
	if errors.As(err, &failErr) {
		return false
	}

	var contractErr *ContractViolationError
	if errors.As(err, &contractErr) {
		return false
	}

	if errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
