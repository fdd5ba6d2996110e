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
	"sync"
	"time"

	"github.com/carverauto/fleetbot/pkg/logger"
	"github.com/carverauto/fleetbot/pkg/models"
	"github.com/carverauto/fleetbot/pkg/remote"
)

const defaultPollInterval = 10 * time.Second

// LoopState names where the poll loop currently is. Exposed for logging
// and tests.
type LoopState string

const (
	StateIdle       LoopState = "idle"
	StateSleeping   LoopState = "sleeping"
	StateUpdating   LoopState = "updating"
	StateTerminated LoopState = "terminated"
	StateRestarting LoopState = "restarting"
	StateRunning    LoopState = "running"
)

// TaskRunner executes one task manifest to completion. The sandboxing and
// I/O plumbing live behind this interface.
type TaskRunner interface {
	Run(ctx context.Context, manifest *models.TaskManifest) error
}

// LoopConfig assembles a Loop.
type LoopConfig struct {
	Bot    *Bot
	Client remote.Client
	Runner TaskRunner
	// Clock defaults to the real time package.
	Clock Clock
	// CodeDestination is where an update directive downloads the new
	// agent payload.
	CodeDestination string
	// PollInterval spaces cycles when the controller gives no sleep hint,
	// and paces transport-failure retries.
	PollInterval time.Duration
	// OnUpdate runs after a successful code download; the embedder
	// re-execs into the new payload.
	OnUpdate func(version string)
	Logger   logger.Logger
}

// Loop drives the bot's poll cycle: one poll per cycle, then whatever the
// directive demands. It runs until the controller terminates the bot, an
// update hands off to a new payload, or Stop is called.
type Loop struct {
	bot      *Bot
	client   remote.Client
	runner   TaskRunner
	clock    Clock
	codeDest string
	interval time.Duration
	onUpdate func(version string)
	log      logger.Logger

	mu    sync.Mutex
	state LoopState

	done      chan struct{}
	closeOnce sync.Once
}

var errNoTaskRunner = errors.New("bot: run directive received but no task runner configured")

// NewLoop assembles a poll loop.
func NewLoop(cfg LoopConfig) *Loop {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Loop{
		bot:      cfg.Bot,
		client:   cfg.Client,
		runner:   cfg.Runner,
		clock:    clock,
		codeDest: cfg.CodeDestination,
		interval: interval,
		onUpdate: cfg.OnUpdate,
		log:      log,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// State returns the loop's current state.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *Loop) setState(state LoopState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != state {
		l.log.Debug().Str("from", string(l.state)).Str("to", string(state)).Msg("loop state change")
	}

	l.state = state
}

// Stop asks the loop to exit after the current cycle.
func (l *Loop) Stop() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// Run handshakes with the controller and polls until told otherwise. A
// *remote.ProtocolError is fatal and returned; transport failures are
// retried at the poll interval forever.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.handshake(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		default:
		}

		l.bot.MergeState(HostState(ctx, l.bot.WorkDir(), l.log))
		l.bot.SetStateValue("last_poll_ts", l.clock.Now().Unix())

		outcome, err := l.client.Poll(ctx, l.bot.Attributes())
		if err != nil {
			var protoErr *remote.ProtocolError
			if errors.As(err, &protoErr) {
				// The controller speaks a dialect this agent does not.
				// Guessing would desynchronize the fleet.
				return err
			}

			l.log.Warn().Err(err).Msg("poll failed")

			if !l.wait(ctx, l.interval) {
				return nil
			}

			continue
		}

		stop, err := l.dispatch(ctx, outcome)
		if err != nil {
			return err
		}

		if stop {
			return nil
		}
	}
}

// handshake registers with the controller, retrying transport failures at
// the poll interval.
func (l *Loop) handshake(ctx context.Context) error {
	for {
		result, err := l.client.Handshake(ctx, l.bot.Attributes())
		if err == nil {
			l.bot.UpdateBotGroupCfg(result.BotGroupCfgVersion, &result.BotGroupCfg)

			return nil
		}

		l.log.Warn().Err(err).Msg("handshake failed")

		if !l.wait(ctx, l.interval) {
			return ctx.Err()
		}
	}
}

// dispatch acts on one poll outcome. stop reports a clean exit.
func (l *Loop) dispatch(ctx context.Context, outcome *models.PollOutcome) (stop bool, err error) {
	switch outcome.Directive {
	case models.DirectiveSleep:
		l.setState(StateSleeping)

		if !l.wait(ctx, outcome.SleepTime.AsDuration()) {
			return true, nil
		}

		l.setState(StateIdle)

		return false, nil

	case models.DirectiveUpdate:
		l.setState(StateUpdating)

		return true, l.update(ctx, outcome.Version)

	case models.DirectiveTerminate:
		l.setState(StateTerminated)

		// Acknowledge the termination task so the controller can close it.
		if outcome.TaskID != "" {
			exitCode := 0
			l.client.PostTaskUpdate(ctx, outcome.TaskID, l.bot.ID(), nil, "", &exitCode)
		}

		l.log.Info().Str("task_id", outcome.TaskID).Msg("terminated by controller")

		return true, nil

	case models.DirectiveRestart:
		l.setState(StateRestarting)

		// Does not return unless restarting is impossible.
		l.bot.Restart(ctx, outcome.Message)

		return true, nil

	case models.DirectiveRun:
		l.runTask(ctx, outcome.Manifest)

		return false, nil
	}

	return true, &remote.ProtocolError{Directive: string(outcome.Directive)}
}

// update downloads the new payload and hands off to the embedder.
func (l *Loop) update(ctx context.Context, version string) error {
	if err := l.client.GetBotCode(ctx, l.codeDest, version, l.bot.ID()); err != nil {
		l.bot.PostError(ctx, fmt.Sprintf("bot code download failed: %v", err))

		return err
	}

	l.log.Info().Str("version", version).Msg("update downloaded, handing off")

	if l.onUpdate != nil {
		l.onUpdate(version)
	}

	return nil
}

func (l *Loop) runTask(ctx context.Context, manifest *models.TaskManifest) {
	l.setState(StateRunning)

	defer func() {
		l.setState(StateIdle)

		// The next sleep streak should log its first line again.
		if r, ok := l.client.(interface{ Reset() }); ok {
			r.Reset()
		}
	}()

	if l.runner == nil {
		l.bot.PostError(ctx, errNoTaskRunner.Error())
		l.client.PostTaskError(ctx, manifest.TaskID, l.bot.ID(), errNoTaskRunner.Error())

		return
	}

	l.log.Info().Str("task_id", manifest.TaskID).Msg("task started")

	if err := l.runner.Run(ctx, manifest); err != nil {
		l.log.Error().Err(err).Str("task_id", manifest.TaskID).Msg("task failed")
		l.client.PostTaskError(ctx, manifest.TaskID, l.bot.ID(), err.Error())

		return
	}

	l.log.Info().Str("task_id", manifest.TaskID).Msg("task finished")
}

// wait sleeps for d, or the poll interval when the controller gave no
// hint. Returns false when the loop should exit instead.
func (l *Loop) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = l.interval
	}

	ticker := l.clock.Ticker(d)
	defer ticker.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-l.done:
		return false
	case <-ticker.Chan():
		return true
	}
}
