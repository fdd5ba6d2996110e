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

package remote

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/carverauto/fleetbot/pkg/models"
)

// Request and response bodies shared by both transports. The REST client
// posts them as HTTP bodies, the NATS client as request payloads; the bytes
// on the wire are identical.

type handshakeRequest struct {
	Attributes *models.Attributes `json:"attributes"`
}

type pollRequest struct {
	Attributes *models.Attributes `json:"attributes"`
}

type pollResponse struct {
	Cmd       string               `json:"cmd"`
	SleepTime models.Duration      `json:"sleep_time,omitempty"`
	Version   string               `json:"version,omitempty"`
	TaskID    string               `json:"task_id,omitempty"`
	Message   string               `json:"message,omitempty"`
	Manifest  *models.TaskManifest `json:"manifest,omitempty"`
}

type taskUpdateRequest struct {
	TaskID   string                  `json:"task_id"`
	BotID    string                  `json:"bot_id"`
	Params   models.TaskUpdateParams `json:"params,omitempty"`
	Output   string                  `json:"output,omitempty"`
	ExitCode *int                    `json:"exit_code,omitempty"`
}

type taskErrorRequest struct {
	TaskID  string `json:"task_id"`
	BotID   string `json:"bot_id"`
	Message string `json:"message"`
}

type ackResponse struct {
	OK bool `json:"ok"`
}

// decodePoll turns a controller poll reply into a PollOutcome. Both
// transports decode through this one path so their externally observable
// semantics cannot diverge.
func decodePoll(data []byte) (*models.PollOutcome, error) {
	var resp pollResponse

	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed poll response: %w", ErrTransport, err)
	}

	outcome := &models.PollOutcome{}

	switch resp.Cmd {
	case string(models.DirectiveSleep):
		outcome.Directive = models.DirectiveSleep
		outcome.SleepTime = resp.SleepTime
	case string(models.DirectiveUpdate):
		outcome.Directive = models.DirectiveUpdate
		outcome.Version = resp.Version
	case string(models.DirectiveTerminate):
		outcome.Directive = models.DirectiveTerminate
		outcome.TaskID = resp.TaskID
	case string(models.DirectiveRestart):
		outcome.Directive = models.DirectiveRestart
		outcome.Message = resp.Message
	case string(models.DirectiveRun):
		if resp.Manifest == nil {
			return nil, &ProtocolError{Directive: "run without manifest"}
		}

		outcome.Directive = models.DirectiveRun
		outcome.Manifest = resp.Manifest
		outcome.TaskID = resp.Manifest.TaskID
	default:
		return nil, &ProtocolError{Directive: resp.Cmd}
	}

	return outcome, nil
}

// newBotEvent stamps a fresh event ID onto a telemetry record.
func newBotEvent(eventType, message string, attrs *models.Attributes) *models.BotEvent {
	event := &models.BotEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Message:   message,
	}

	if attrs != nil {
		event.Attributes = *attrs
	}

	return event
}
