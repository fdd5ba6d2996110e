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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/carverauto/fleetbot/pkg/logger"
	"github.com/carverauto/fleetbot/pkg/models"
)

const (
	defaultRESTTimeout = 30 * time.Second

	restBasePath = "/fleet/api/v1/bot"
)

// RESTConfig controls the REST transport.
type RESTConfig struct {
	// BaseURL is the controller root, e.g. "https://fleet.example.com".
	BaseURL string
	// Timeout bounds each request; defaultRESTTimeout when zero. Ignored
	// when HTTP is supplied.
	Timeout time.Duration
	// HTTP overrides the underlying client, mainly for tests.
	HTTP   *http.Client
	Logger logger.Logger
}

// RESTClient talks to the controller over JSON HTTP.
type RESTClient struct {
	baseURL *url.URL
	client  *http.Client
	log     logger.Logger

	*sleepGate
}

var errBaseURLRequired = errors.New("remote: base url is required")

// NewRESTClient builds a REST transport for the given controller.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errBaseURLRequired
	}

	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRESTTimeout
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &RESTClient{
		baseURL:   parsed,
		client:    httpClient,
		log:       log,
		sleepGate: &sleepGate{},
	}, nil
}

func (c *RESTClient) endpoint(parts ...string) string {
	u := *c.baseURL
	u.Path = path.Join(append([]string{u.Path, restBasePath}, parts...)...)

	return u.String()
}

// postJSON posts in to the named endpoint and decodes the reply into out.
// All failures wrap ErrTransport; the caller branches on the sentinel.
func (c *RESTClient) postJSON(ctx context.Context, name string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: marshal %s request: %w", ErrTransport, name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(name), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build %s request: %w", ErrTransport, name, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransport, name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

		return fmt.Errorf("%w: %s status %d: %s", ErrTransport, name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", ErrTransport, name, err)
	}

	return nil
}

// Handshake registers the bot with the controller.
func (c *RESTClient) Handshake(ctx context.Context, attrs *models.Attributes) (*models.HandshakeResult, error) {
	var result models.HandshakeResult

	if err := c.postJSON(ctx, "handshake", handshakeRequest{Attributes: attrs}, &result); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("server_version", result.ServerVersion).
		Str("bot_group_cfg_version", result.BotGroupCfgVersion).
		Msg("handshake complete")

	return &result, nil
}

// Poll asks the controller for the next directive.
func (c *RESTClient) Poll(ctx context.Context, attrs *models.Attributes) (*models.PollOutcome, error) {
	payload, err := json.Marshal(pollRequest{Attributes: attrs})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal poll request: %w", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("poll"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build poll request: %w", ErrTransport, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: poll: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: poll status %d", ErrTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read poll response: %w", ErrTransport, err)
	}

	outcome, err := decodePoll(body)
	if err != nil {
		return nil, err
	}

	if c.shouldLog(outcome.Directive) {
		c.log.Info().Str("directive", string(outcome.Directive)).Msg("poll outcome")
	}

	return outcome, nil
}

// PostTaskUpdate reports task progress. Best effort.
func (c *RESTClient) PostTaskUpdate(ctx context.Context, taskID, botID string, params models.TaskUpdateParams, output string, exitCode *int) bool {
	var ack ackResponse

	err := c.postJSON(ctx, "task_update", taskUpdateRequest{
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
func (c *RESTClient) PostTaskError(ctx context.Context, taskID, botID, message string) bool {
	var ack ackResponse

	err := c.postJSON(ctx, "task_error", taskErrorRequest{
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
func (c *RESTClient) PostBotEvent(ctx context.Context, eventType, message string, attrs *models.Attributes) {
	event := newBotEvent(eventType, message, attrs)

	if err := c.postJSON(ctx, "event", event, nil); err != nil {
		c.log.Warn().Err(err).Str("event_type", eventType).Msg("bot event post failed")
	}
}

// GetBotCode streams the agent payload for targetVersion to destination.
// The body lands in a sibling temp file first and is renamed into place, so
// a connection dropped mid-download never leaves a truncated destination.
func (c *RESTClient) GetBotCode(ctx context.Context, destination, targetVersion, botID string) error {
	endpoint := c.endpoint("code", targetVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: build code request: %w", ErrTransport, err)
	}

	req.Header.Set("X-Bot-ID", botID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: code download: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: code download status %d", ErrTransport, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destination), ".botcode-*")
	if err != nil {
		return fmt.Errorf("remote: create temp file: %w", err)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("%w: code download: %w", ErrTransport, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("remote: close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), destination); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("remote: install downloaded code: %w", err)
	}

	c.log.Info().Str("version", targetVersion).Str("destination", destination).Msg("bot code downloaded")

	return nil
}

// Ping is a liveness no-op against the controller.
func (c *RESTClient) Ping(ctx context.Context) error {
	return c.postJSON(ctx, "ping", struct{}{}, nil)
}
