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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/fleetbot/pkg/logger"
	"github.com/carverauto/fleetbot/pkg/models"
)

const (
	subjectHandshake  = "fleet.bot.handshake"
	subjectPoll       = "fleet.bot.poll"
	subjectTaskUpdate = "fleet.bot.task_update"
	subjectTaskError  = "fleet.bot.task_error"
	subjectEvent      = "fleet.bot.event"
	subjectPing       = "fleet.bot.ping"
	subjectCode       = "fleet.bot.code"

	// codeChunkSize keeps each code-download reply comfortably under the
	// default NATS message size cap.
	codeChunkSize = 512 * 1024
)

// Requester is the subset of *nats.Conn the client needs. Tests substitute
// an in-memory implementation.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSClient talks to the controller over NATS request/reply with the same
// JSON bodies as the REST transport.
type NATSClient struct {
	rc  Requester
	log logger.Logger

	*sleepGate
}

// NewNATSClient builds a NATS transport over an established connection.
func NewNATSClient(rc Requester, log logger.Logger) *NATSClient {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &NATSClient{
		rc:        rc,
		log:       log,
		sleepGate: &sleepGate{},
	}
}

// request marshals in, performs one request/reply round trip and returns
// the raw reply payload.
func (c *NATSClient) request(ctx context.Context, subject string, in any) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s request: %w", ErrTransport, subject, err)
	}

	msg, err := c.rc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, subject, err)
	}

	return msg.Data, nil
}

// requestJSON performs a round trip and decodes the reply into out.
func (c *NATSClient) requestJSON(ctx context.Context, subject string, in, out any) error {
	data, err := c.request(ctx, subject, in)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", ErrTransport, subject, err)
	}

	return nil
}

// Handshake registers the bot with the controller.
func (c *NATSClient) Handshake(ctx context.Context, attrs *models.Attributes) (*models.HandshakeResult, error) {
	var result models.HandshakeResult

	if err := c.requestJSON(ctx, subjectHandshake, handshakeRequest{Attributes: attrs}, &result); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("server_version", result.ServerVersion).
		Str("bot_group_cfg_version", result.BotGroupCfgVersion).
		Msg("handshake complete")

	return &result, nil
}

// Poll asks the controller for the next directive.
func (c *NATSClient) Poll(ctx context.Context, attrs *models.Attributes) (*models.PollOutcome, error) {
	data, err := c.request(ctx, subjectPoll, pollRequest{Attributes: attrs})
	if err != nil {
		return nil, err
	}

	outcome, err := decodePoll(data)
	if err != nil {
		return nil, err
	}

	if c.shouldLog(outcome.Directive) {
		c.log.Info().Str("directive", string(outcome.Directive)).Msg("poll outcome")
	}

	return outcome, nil
}

// PostTaskUpdate reports task progress. Best effort.
func (c *NATSClient) PostTaskUpdate(ctx context.Context, taskID, botID string, params models.TaskUpdateParams, output string, exitCode *int) bool {
	var ack ackResponse

	err := c.requestJSON(ctx, subjectTaskUpdate, taskUpdateRequest{
		TaskID:   taskID,
		BotID:    botID,
		Params:   params,
		Output:   output,
		ExitCode: exitCode,
	}, &ack)
	if err != nil {
		c.log.Warn().Err(err).Str("task_id", taskID).Msg("task update failed")

		return false
	}

	return ack.OK
}

// PostTaskError reports a task-level failure. Best effort.
func (c *NATSClient) PostTaskError(ctx context.Context, taskID, botID, message string) bool {
	var ack ackResponse

	err := c.requestJSON(ctx, subjectTaskError, taskErrorRequest{
		TaskID:  taskID,
		BotID:   botID,
		Message: message,
	}, &ack)
	if err != nil {
		c.log.Warn().Err(err).Str("task_id", taskID).Msg("task error report failed")

		return false
	}

	return ack.OK
}

// PostBotEvent posts fire-and-forget telemetry.
func (c *NATSClient) PostBotEvent(ctx context.Context, eventType, message string, attrs *models.Attributes) {
	event := newBotEvent(eventType, message, attrs)

	if err := c.requestJSON(ctx, subjectEvent, event, nil); err != nil {
		c.log.Warn().Err(err).Str("event_type", eventType).Msg("bot event post failed")
	}
}

type codeChunkRequest struct {
	Version string `json:"version"`
	BotID   string `json:"bot_id"`
	Offset  int64  `json:"offset"`
	Size    int    `json:"size"`
}

type codeChunkResponse struct {
	Chunk []byte `json:"chunk"`
	EOF   bool   `json:"eof"`
}

// GetBotCode downloads the agent payload in bounded-size chunks, staged in
// a sibling temp file and renamed into place so partial downloads never
// replace the destination.
func (c *NATSClient) GetBotCode(ctx context.Context, destination, targetVersion, botID string) error {
	tmp, err := os.CreateTemp(filepath.Dir(destination), ".botcode-*")
	if err != nil {
		return fmt.Errorf("remote: create temp file: %w", err)
	}

	discard := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return cause
	}

	var offset int64

	for {
		var chunk codeChunkResponse

		err := c.requestJSON(ctx, subjectCode, codeChunkRequest{
			Version: targetVersion,
			BotID:   botID,
			Offset:  offset,
			Size:    codeChunkSize,
		}, &chunk)
		if err != nil {
			return discard(err)
		}

		if _, err := tmp.Write(chunk.Chunk); err != nil {
			return discard(fmt.Errorf("remote: write temp file: %w", err))
		}

		offset += int64(len(chunk.Chunk))

		if chunk.EOF {
			break
		}

		if len(chunk.Chunk) == 0 {
			return discard(fmt.Errorf("%w: empty code chunk without EOF", ErrTransport))
		}
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("remote: close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), destination); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("remote: install downloaded code: %w", err)
	}

	c.log.Info().Str("version", targetVersion).Str("destination", destination).
		Int64("bytes", offset).Msg("bot code downloaded")

	return nil
}

// Ping is a liveness no-op against the controller.
func (c *NATSClient) Ping(ctx context.Context) error {
	return c.requestJSON(ctx, subjectPing, struct{}{}, nil)
}
