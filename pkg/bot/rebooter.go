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

package bot

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/carverauto/fleetbot/pkg/logger"
)

// ErrRebootUnsupported indicates the platform has no known reboot command.
var ErrRebootUnsupported = errors.New("bot: reboot not supported on this platform")

var errRebootStuck = errors.New("bot: reboot command issued but process still alive")

// Rebooter restarts the host OS. Reboot only returns on failure; on
// success the process dies with the host.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

type osRebooter struct {
	log logger.Logger
}

// NewRebooter returns the platform Rebooter.
func NewRebooter(log logger.Logger) Rebooter {
	return &osRebooter{log: log}
}

func (r *osRebooter) Reboot(ctx context.Context) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux", "darwin":
		cmd = exec.CommandContext(ctx, "sudo", "-n", "/sbin/shutdown", "-r", "now")
	case "windows":
		cmd = exec.CommandContext(ctx, "shutdown", "-r", "-f", "-t", "1")
	default:
		return ErrRebootUnsupported
	}

	r.log.Info().Str("cmd", cmd.String()).Msg("issuing host reboot")

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("bot: reboot command failed: %w: %s", err, out)
	}

	// The command succeeded; the OS will kill this process any moment.
	// Wait for that, or for the caller's timeout.
	<-ctx.Done()

	return errRebootStuck
}
