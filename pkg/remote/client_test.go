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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetbot/pkg/logger"
	"github.com/carverauto/fleetbot/pkg/models"
)

// fakeController is one controller implementation served through both
// transports, so the contract suite observes identical behavior from each.
type fakeController struct {
	mu sync.Mutex

	handshake models.HandshakeResult
	pollRaw   []byte
	code      []byte
	down      bool

	updates []taskUpdateRequest
	errors  []taskErrorRequest
	events  []models.BotEvent
	pings   int
}

var errControllerDown = errors.New("controller down")

func newFakeController() *fakeController {
	return &fakeController{
		handshake: models.HandshakeResult{
			ServerVersion:      "4000",
			BotVersion:         "abcdef",
			BotGroupCfgVersion: "v3",
			BotGroupCfg: models.BotGroupCfg{
				Dimensions: models.Dimensions{"pool": {"prod"}},
			},
		},
		pollRaw: mustMarshal(pollResponse{Cmd: "sleep", SleepTime: models.Duration(30 * time.Second)}),
		code:    []byte("new agent payload"),
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return data
}

func (f *fakeController) setPoll(resp pollResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pollRaw = mustMarshal(resp)
}

func (f *fakeController) setPollRaw(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pollRaw = []byte(raw)
}

// handle serves one named operation. Returns the reply body, or an error
// when the controller is down.
func (f *fakeController) handle(name string, body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		return nil, errControllerDown
	}

	switch name {
	case "handshake":
		return mustMarshal(f.handshake), nil
	case "poll":
		return f.pollRaw, nil
	case "task_update":
		var req taskUpdateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}

		f.updates = append(f.updates, req)

		return mustMarshal(ackResponse{OK: true}), nil
	case "task_error":
		var req taskErrorRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}

		f.errors = append(f.errors, req)

		return mustMarshal(ackResponse{OK: true}), nil
	case "event":
		var event models.BotEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return nil, err
		}

		f.events = append(f.events, event)

		return []byte("{}"), nil
	case "ping":
		f.pings++

		return []byte("{}"), nil
	}

	return nil, errors.New("unknown operation " + name)
}

func (f *fakeController) lastEvent(t *testing.T) models.BotEvent {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	require.NotEmpty(t, f.events)

	return f.events[len(f.events)-1]
}

// newRESTClient serves the fake controller through httptest.
func newRESTClient(t *testing.T, f *fakeController) Client {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, restBasePath+"/")

		if version, ok := strings.CutPrefix(rest, "code/"); ok {
			f.mu.Lock()
			down := f.down
			code := f.code
			f.mu.Unlock()

			if down || version == "" {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}

			_, _ = w.Write(code)

			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		reply, err := f.handle(rest, body)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write(reply)
	}))
	t.Cleanup(server.Close)

	client, err := NewRESTClient(RESTConfig{
		BaseURL: server.URL,
		Logger:  logger.NewTestLogger(),
	})
	require.NoError(t, err)

	return client
}

// fakeRequester serves the fake controller as an in-memory NATS peer,
// chunking code downloads the way the real responder does.
type fakeRequester struct {
	f *fakeController

	// chunkLimit caps each code reply below the client's requested size to
	// force multi-chunk reassembly.
	chunkLimit int
}

func (r *fakeRequester) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	name := strings.TrimPrefix(subj, "fleet.bot.")

	if name == "code" {
		return r.serveCode(data)
	}

	reply, err := r.f.handle(name, data)
	if err != nil {
		return nil, err
	}

	return &nats.Msg{Subject: subj, Data: reply}, nil
}

func (r *fakeRequester) serveCode(data []byte) (*nats.Msg, error) {
	r.f.mu.Lock()
	down := r.f.down
	code := r.f.code
	r.f.mu.Unlock()

	if down {
		return nil, errControllerDown
	}

	var req codeChunkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	size := req.Size
	if r.chunkLimit > 0 && size > r.chunkLimit {
		size = r.chunkLimit
	}

	remaining := code[req.Offset:]
	if len(remaining) > size {
		remaining = remaining[:size]
	}

	resp := codeChunkResponse{
		Chunk: remaining,
		EOF:   req.Offset+int64(len(remaining)) >= int64(len(code)),
	}

	return &nats.Msg{Subject: subjectCode, Data: mustMarshal(resp)}, nil
}

func newNATSTestClient(t *testing.T, f *fakeController) Client {
	t.Helper()

	return NewNATSClient(&fakeRequester{f: f, chunkLimit: 7}, logger.NewTestLogger())
}

// transports enumerates the implementations the contract suite runs over.
var transports = []struct {
	name string
	new  func(t *testing.T, f *fakeController) Client
}{
	{name: "rest", new: newRESTClient},
	{name: "nats", new: newNATSTestClient},
}

func testAttrs() *models.Attributes {
	return &models.Attributes{
		Version:    "abcdef",
		Dimensions: models.Dimensions{"id": {"bot1"}, "pool": {"dev"}},
		State:      models.State{"started_ts": 1234},
	}
}

func TestClientHandshake(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			client := tt.new(t, f)

			result, err := client.Handshake(context.Background(), testAttrs())
			require.NoError(t, err)

			assert.Equal(t, "4000", result.ServerVersion)
			assert.Equal(t, "v3", result.BotGroupCfgVersion)
			assert.Equal(t, []string{"prod"}, result.BotGroupCfg.Dimensions["pool"])
		})
	}
}

func TestClientHandshakeTransportFailure(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			f.down = true

			client := tt.new(t, f)

			_, err := client.Handshake(context.Background(), testAttrs())
			require.ErrorIs(t, err, ErrTransport)
		})
	}
}

func TestClientPollOutcomes(t *testing.T) {
	manifest := &models.TaskManifest{
		BotID:       "bot1",
		TaskID:      "123",
		Dimensions:  map[string]string{"pool": "prod"},
		Env:         map[string]string{"PATH": "/usr/bin"},
		GracePeriod: models.Duration(30 * time.Second),
		HardTimeout: models.Duration(time.Hour),
		IOTimeout:   models.Duration(20 * time.Minute),
		Isolated: models.IsolatedRef{
			Namespace: "default-gzip",
			Input:     "deadbeef",
			Server:    "https://isolate.example.com",
		},
	}

	cases := []struct {
		name   string
		resp   pollResponse
		verify func(t *testing.T, outcome *models.PollOutcome)
	}{
		{
			name: "sleep",
			resp: pollResponse{Cmd: "sleep", SleepTime: models.Duration(30 * time.Second)},
			verify: func(t *testing.T, outcome *models.PollOutcome) {
				assert.Equal(t, models.DirectiveSleep, outcome.Directive)
				assert.Equal(t, 30*time.Second, outcome.SleepTime.AsDuration())
			},
		},
		{
			name: "update",
			resp: pollResponse{Cmd: "update", Version: "fedcba"},
			verify: func(t *testing.T, outcome *models.PollOutcome) {
				assert.Equal(t, models.DirectiveUpdate, outcome.Directive)
				assert.Equal(t, "fedcba", outcome.Version)
			},
		},
		{
			name: "terminate",
			resp: pollResponse{Cmd: "terminate", TaskID: "t999"},
			verify: func(t *testing.T, outcome *models.PollOutcome) {
				assert.Equal(t, models.DirectiveTerminate, outcome.Directive)
				assert.Equal(t, "t999", outcome.TaskID)
			},
		},
		{
			name: "restart",
			resp: pollResponse{Cmd: "restart", Message: "scheduled maintenance"},
			verify: func(t *testing.T, outcome *models.PollOutcome) {
				assert.Equal(t, models.DirectiveRestart, outcome.Directive)
				assert.Equal(t, "scheduled maintenance", outcome.Message)
			},
		},
		{
			name: "run",
			resp: pollResponse{Cmd: "run", Manifest: manifest},
			verify: func(t *testing.T, outcome *models.PollOutcome) {
				assert.Equal(t, models.DirectiveRun, outcome.Directive)
				require.NotNil(t, outcome.Manifest)
				assert.Equal(t, "123", outcome.TaskID)
				assert.Equal(t, "123", outcome.Manifest.TaskID)
				assert.Equal(t, time.Hour, outcome.Manifest.HardTimeout.AsDuration())
				assert.Equal(t, "deadbeef", outcome.Manifest.Isolated.Input)
			},
		},
	}

	for _, tt := range transports {
		for _, tc := range cases {
			t.Run(tt.name+"/"+tc.name, func(t *testing.T) {
				f := newFakeController()
				f.setPoll(tc.resp)

				client := tt.new(t, f)

				outcome, err := client.Poll(context.Background(), testAttrs())
				require.NoError(t, err)

				tc.verify(t, outcome)
			})
		}
	}
}

func TestClientPollUnknownDirective(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			f.setPollRaw(`{"cmd": "self_destruct"}`)

			client := tt.new(t, f)

			_, err := client.Poll(context.Background(), testAttrs())

			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, "self_destruct", protoErr.Directive)
		})
	}
}

func TestClientPollRunWithoutManifest(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			f.setPollRaw(`{"cmd": "run"}`)

			client := tt.new(t, f)

			_, err := client.Poll(context.Background(), testAttrs())

			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
		})
	}
}

func TestClientPostTaskUpdate(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			client := tt.new(t, f)

			exitCode := 1
			ok := client.PostTaskUpdate(context.Background(), "123", "bot1",
				models.TaskUpdateParams{"cost_usd": 0.1}, "partial output", &exitCode)

			require.True(t, ok)
			require.Len(t, f.updates, 1)

			update := f.updates[0]
			assert.Equal(t, "123", update.TaskID)
			assert.Equal(t, "bot1", update.BotID)
			assert.Equal(t, "partial output", update.Output)
			require.NotNil(t, update.ExitCode)
			assert.Equal(t, 1, *update.ExitCode)
		})
	}
}

func TestClientPostTaskUpdateTransportFailure(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			f.down = true

			client := tt.new(t, f)

			// Best effort: no error surfaces, only false.
			assert.False(t, client.PostTaskUpdate(context.Background(), "123", "bot1", nil, "", nil))
		})
	}
}

func TestClientPostTaskError(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			client := tt.new(t, f)

			require.True(t, client.PostTaskError(context.Background(), "123", "bot1", "it broke"))
			require.Len(t, f.errors, 1)
			assert.Equal(t, "it broke", f.errors[0].Message)
		})
	}
}

func TestClientPostBotEvent(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			client := tt.new(t, f)

			client.PostBotEvent(context.Background(), "bot_rebooting", "maintenance", testAttrs())

			event := f.lastEvent(t)
			assert.Equal(t, "bot_rebooting", event.EventType)
			assert.Equal(t, "maintenance", event.Message)
			assert.Equal(t, []string{"bot1"}, event.Attributes.Dimensions["id"])

			_, err := uuid.Parse(event.EventID)
			assert.NoError(t, err)
		})
	}
}

func TestClientGetBotCode(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			client := tt.new(t, f)

			dest := filepath.Join(t.TempDir(), "bot.zip")

			require.NoError(t, client.GetBotCode(context.Background(), dest, "fedcba", "bot1"))

			content, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, "new agent payload", string(content))
		})
	}
}

func TestClientGetBotCodeFailureKeepsDestination(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			f.down = true

			client := tt.new(t, f)

			dir := t.TempDir()
			dest := filepath.Join(dir, "bot.zip")
			require.NoError(t, os.WriteFile(dest, []byte("current payload"), 0o644))

			require.Error(t, client.GetBotCode(context.Background(), dest, "fedcba", "bot1"))

			// The running payload survives, and no temp litter remains.
			content, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, "current payload", string(content))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestClientPing(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeController()
			client := tt.new(t, f)

			require.NoError(t, client.Ping(context.Background()))
			assert.Equal(t, 1, f.pings)
		})
	}
}

func TestSleepGateSuppression(t *testing.T) {
	gate := &sleepGate{}

	assert.True(t, gate.shouldLog(models.DirectiveSleep))
	assert.False(t, gate.shouldLog(models.DirectiveSleep))
	assert.False(t, gate.shouldLog(models.DirectiveSleep))

	// A non-sleep outcome logs and re-arms the gate.
	assert.True(t, gate.shouldLog(models.DirectiveRun))
	assert.True(t, gate.shouldLog(models.DirectiveSleep))
	assert.False(t, gate.shouldLog(models.DirectiveSleep))

	gate.Reset()
	assert.True(t, gate.shouldLog(models.DirectiveSleep))
}
