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
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/carverauto/fleetbot/pkg/logger"
	"github.com/carverauto/fleetbot/pkg/models"
)

// HostState snapshots the host health facts reported with every poll.
// Each probe that fails simply leaves its key absent: a degraded snapshot
// must never fail a poll.
func HostState(ctx context.Context, workDir string, log logger.Logger) models.State {
	state := models.State{
		"cpus": runtime.NumCPU(),
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		state["uptime"] = uptime
	} else {
		log.Debug().Err(err).Msg("uptime probe failed")
	}

	if bootTime, err := host.BootTimeWithContext(ctx); err == nil {
		state["boot_time"] = bootTime
	} else {
		log.Debug().Err(err).Msg("boot time probe failed")
	}

	if usage, err := disk.UsageWithContext(ctx, workDir); err == nil {
		state["disk"] = models.State{
			"free_mb":  float64(usage.Free) / 1024. / 1024.,
			"size_mb":  float64(usage.Total) / 1024. / 1024.,
			"used_pct": usage.UsedPercent,
		}
	} else {
		log.Debug().Err(err).Str("work_dir", workDir).Msg("disk probe failed")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		state["ram"] = models.State{
			"avail_mb": float64(vm.Available) / 1024. / 1024.,
			"size_mb":  float64(vm.Total) / 1024. / 1024.,
		}
	} else {
		log.Debug().Err(err).Msg("memory probe failed")
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		state["load"] = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else {
		log.Debug().Err(err).Msg("load average probe failed")
	}

	return state
}
