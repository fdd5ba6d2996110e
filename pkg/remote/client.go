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

// Package remote implements the bot's view of the fleet controller: a
// capability set served identically over REST and NATS request/reply.
package remote

import (
	"context"
	"sync"

	"github.com/carverauto/fleetbot/pkg/models"
)

// Client is the full capability set the bot needs from the controller.
// Implementations must be safe for concurrent use.
type Client interface {
	// Handshake registers the bot and returns the controller-assigned
	// configuration overlay.
	Handshake(ctx context.Context, attrs *models.Attributes) (*models.HandshakeResult, error)

	// Poll asks the controller what to do next. An unknown directive in
	// the reply is a *ProtocolError and fatal to the poll loop.
	Poll(ctx context.Context, attrs *models.Attributes) (*models.PollOutcome, error)

	// PostTaskUpdate reports task progress. Best effort: false on failure,
	// never an error.
	PostTaskUpdate(ctx context.Context, taskID, botID string, params models.TaskUpdateParams, output string, exitCode *int) bool

	// PostTaskError reports a task-level failure. Same contract as
	// PostTaskUpdate.
	PostTaskError(ctx context.Context, taskID, botID, message string) bool

	// PostBotEvent posts fire-and-forget telemetry; failures are logged
	// only.
	PostBotEvent(ctx context.Context, eventType, message string, attrs *models.Attributes)

	// GetBotCode downloads the agent payload for targetVersion into
	// destination. A partial download never replaces the destination.
	GetBotCode(ctx context.Context, destination, targetVersion, botID string) error

	// Ping is a liveness no-op.
	Ping(ctx context.Context) error
}

// sleepGate suppresses repeat logging of consecutive sleep outcomes. A
// fleet spends most of its life asleep; logging every sleep poll would
// drown everything else.
type sleepGate struct {
	mu          sync.Mutex
	suppressing bool
}

// shouldLog reports whether this outcome deserves a log line and advances
// the gate: the first sleep of a streak logs, the rest do not, and any
// non-sleep outcome both logs and re-arms the gate.
func (g *sleepGate) shouldLog(directive models.Directive) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if directive == models.DirectiveSleep {
		if g.suppressing {
			return false
		}

		g.suppressing = true

		return true
	}

	g.suppressing = false

	return true
}

// Reset clears suppression so the next sleep outcome logs again. The poll
// loop calls this when a task finishes.
func (g *sleepGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.suppressing = false
}
