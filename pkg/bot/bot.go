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

// Package bot holds the agent's identity and drives its poll loop against
// the fleet controller.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/fleetbot/pkg/logger"
	"github.com/carverauto/fleetbot/pkg/models"
	"github.com/carverauto/fleetbot/pkg/remote"
)

const (
	unknownBotID = "unknown"

	rebootTimeout = 15 * time.Minute

	stackDepth = 32
)

// ShutdownHook runs before a restart, giving the embedder a chance to
// flush work. A failing hook is logged, never fatal: a bot that cannot
// shut down cleanly must still reboot.
type ShutdownHook func(ctx context.Context) error

// Config assembles a Bot.
type Config struct {
	// Version identifies the running agent code.
	Version string
	// Dimensions are the bot-supplied scheduling dimensions.
	Dimensions models.Dimensions
	// State is the initial free-form state.
	State models.State
	// WorkDir is where downloaded code and task data live; host disk
	// stats are reported for it.
	WorkDir string

	Client       remote.Client
	ShutdownHook ShutdownHook
	Rebooter     Rebooter
	Logger       logger.Logger
}

// Bot is the mutable identity of this agent: its dimensions, its free-form
// state, and the controller-assigned overrides. All accessors return
// copies; nothing hands out internal maps.
type Bot struct {
	mu sync.Mutex

	version    string
	dimensions models.Dimensions
	state      models.State
	workDir    string

	// serverDimensions are the controller-forced values applied on top of
	// the bot's own. Tracked separately so a config refresh replaces the
	// previous overrides instead of stacking on them.
	serverDimensions   models.Dimensions
	botGroupCfgVersion string

	client   remote.Client
	shutdown ShutdownHook
	rebooter Rebooter
	log      logger.Logger

	// hang blocks the calling goroutine forever. Overridden in tests only.
	hang func()
}

// New assembles a Bot from its configuration.
func New(cfg Config) *Bot {
	log := cfg.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	rebooter := cfg.Rebooter
	if rebooter == nil {
		rebooter = NewRebooter(log)
	}

	return &Bot{
		version:    cfg.Version,
		dimensions: cfg.Dimensions.Clone(),
		state:      cfg.State.Clone(),
		workDir:    cfg.WorkDir,
		client:     cfg.Client,
		shutdown:   cfg.ShutdownHook,
		rebooter:   rebooter,
		log:        log,
		hang:       func() { select {} },
	}
}

// ID returns the bot identifier: the first value of the "id" dimension.
func (b *Bot) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if values := b.dimensions["id"]; len(values) > 0 {
		return values[0]
	}

	return unknownBotID
}

// WorkDir returns the bot's working directory.
func (b *Bot) WorkDir() string {
	return b.workDir
}

// Version returns the running agent code version.
func (b *Bot) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.version
}

// Dimensions returns the effective dimensions: the bot's own with the
// controller-forced values layered on top. Forced values completely
// replace bot values; the controller relies on that as a security
// boundary, so this is never a union.
func (b *Bot) Dimensions() models.Dimensions {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dimensions.Merge(b.serverDimensions)
}

// State returns the reported state with the bot group config version
// stamped in.
func (b *Bot) State() models.State {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state.Clone()
	if state == nil {
		state = make(models.State)
	}

	state["bot_group_cfg_version"] = b.botGroupCfgVersion

	return state
}

// Attributes snapshots the identity sent on every handshake and poll.
func (b *Bot) Attributes() *models.Attributes {
	return &models.Attributes{
		Version:    b.Version(),
		Dimensions: b.Dimensions(),
		State:      b.State(),
	}
}

// SetStateValue updates one state entry.
func (b *Bot) SetStateValue(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == nil {
		b.state = make(models.State)
	}

	b.state[key] = value
}

// MergeState folds a snapshot into the reported state.
func (b *Bot) MergeState(snapshot models.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == nil {
		b.state = make(models.State, len(snapshot))
	}

	for k, v := range snapshot {
		b.state[k] = v
	}
}

// UpdateBotGroupCfg applies a controller-assigned configuration overlay.
// Called once per handshake or config refresh; the previous overrides are
// replaced wholesale.
func (b *Bot) UpdateBotGroupCfg(version string, cfg *models.BotGroupCfg) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.botGroupCfgVersion = version

	if cfg == nil {
		b.serverDimensions = nil
		return
	}

	b.serverDimensions = cfg.Dimensions.Clone()
}

// PostEvent sends a telemetry event with the current attributes attached.
func (b *Bot) PostEvent(ctx context.Context, eventType, message string) {
	b.client.PostBotEvent(ctx, eventType, message, b.Attributes())
}

// PostError reports an agent-level error to the controller with the call
// stack appended. The post itself is best effort: a bot that cannot reach
// the controller must keep running, so failures are logged and swallowed.
func (b *Bot) PostError(ctx context.Context, message string) {
	b.log.Error().Str("bot_id", b.ID()).Msg(message)

	full := message + "\n\nStack:\n" + callStack(2)

	b.client.PostBotEvent(ctx, "bot_error", full, b.Attributes())
}

// callStack formats the caller's stack, skipping the innermost skip
// frames.
func callStack(skip int) string {
	pcs := make([]uintptr, stackDepth)

	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return "(no stack)"
	}

	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder

	for {
		frame, more := frames.Next()

		fmt.Fprintf(&sb, "  %s\n    %s:%d\n", frame.Function, frame.File, frame.Line)

		if !more {
			break
		}
	}

	return sb.String()
}

// Restart reboots the host. It does not return on success: either the OS
// restart kills the process, or the bot is stuck and deliberately blocks
// so a human or the fleet controller notices, rather than continuing in an
// unknown state.
func (b *Bot) Restart(ctx context.Context, message string) {
	b.log.Info().Str("reason", message).Msg("restarting host")

	b.PostEvent(ctx, "bot_rebooting", message)

	if b.shutdown != nil {
		if err := b.shutdown(ctx); err != nil {
			b.log.Error().Err(err).Msg("shutdown hook failed")
		}
	}

	rebootCtx, cancel := context.WithTimeout(ctx, rebootTimeout)
	defer cancel()

	err := b.rebooter.Reboot(rebootCtx)
	if errors.Is(err, ErrRebootUnsupported) {
		b.PostError(ctx, "host restart not supported, blocking")
		b.hang()

		return
	}

	// The reboot call came back, so the process survived something that
	// should have killed it.
	b.PostError(ctx, fmt.Sprintf("host restart is stuck: %v", err))
	b.hang()
}
