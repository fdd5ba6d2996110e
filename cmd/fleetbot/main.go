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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/fleetbot/pkg/adb"
	"github.com/carverauto/fleetbot/pkg/bot"
	"github.com/carverauto/fleetbot/pkg/config"
	"github.com/carverauto/fleetbot/pkg/device"
	"github.com/carverauto/fleetbot/pkg/logger"
	"github.com/carverauto/fleetbot/pkg/models"
	"github.com/carverauto/fleetbot/pkg/remote"
	"github.com/carverauto/fleetbot/pkg/version"
)

var (
	errFailedToLoadConfig = fmt.Errorf("failed to load config")
	errUnknownTransport   = errors.New("transport must be \"rest\" or \"nats\"")
	errControllerRequired = errors.New("controller_url is required for the rest transport")
	errNATSURLRequired    = errors.New("nats_url is required for the nats transport")
)

// Config is the agent's JSON configuration.
type Config struct {
	BotID         string            `json:"bot_id"`
	Dimensions    models.Dimensions `json:"dimensions"`
	WorkDir       string            `json:"work_dir"`
	Transport     string            `json:"transport"`
	ControllerURL string            `json:"controller_url"`
	NATSURL       string            `json:"nats_url"`
	PollInterval  models.Duration   `json:"poll_interval"`
	ADBAddr       string            `json:"adb_addr"`
	Logging       *logger.Config    `json:"logging"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	switch c.Transport {
	case "rest":
		if c.ControllerURL == "" {
			return errControllerRequired
		}
	case "nats":
		if c.NATSURL == "" {
			return errNATSURLRequired
		}
	default:
		return fmt.Errorf("%w: got %q", errUnknownTransport, c.Transport)
	}

	if c.WorkDir == "" {
		c.WorkDir = "/var/lib/fleetbot"
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/fleetbot/agent.json", "Path to agent config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgLoader := config.NewConfig(nil)

	var cfg Config

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	agentLogger, err := logger.NewComponentLogger("fleetbot", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	client, err := buildClient(&cfg, agentLogger)
	if err != nil {
		return err
	}

	dimensions := cfg.Dimensions.Clone()
	if dimensions == nil {
		dimensions = make(models.Dimensions)
	}

	if cfg.BotID != "" {
		dimensions["id"] = []string{cfg.BotID}
	}

	devices, deviceState := attachDevices(ctx, &cfg, agentLogger)
	defer device.CloseDevices(devices)

	b := bot.New(bot.Config{
		Version:    version.GetVersion(),
		Dimensions: dimensions,
		State: models.State{
			"started_ts": time.Now().Unix(),
			"devices":    deviceState,
		},
		WorkDir: cfg.WorkDir,
		Client:  client,
		Logger:  agentLogger,
	})

	loop := bot.NewLoop(bot.LoopConfig{
		Bot:             b,
		Client:          client,
		CodeDestination: filepath.Join(cfg.WorkDir, "fleetbot.zip"),
		PollInterval:    cfg.PollInterval.AsDuration(),
		OnUpdate: func(version string) {
			// Exit cleanly; the process supervisor restarts the agent
			// from the freshly downloaded payload.
			agentLogger.Info().Str("version", version).Msg("exiting for update")
		},
		Logger: agentLogger,
	})

	agentLogger.Info().
		Str("bot_id", b.ID()).
		Str("version", version.GetFullVersion()).
		Str("transport", cfg.Transport).
		Int("devices", len(devices)).
		Msg("fleetbot starting")

	return loop.Run(ctx)
}

// buildClient selects the controller transport.
func buildClient(cfg *Config, log logger.Logger) (remote.Client, error) {
	switch cfg.Transport {
	case "rest":
		return remote.NewRESTClient(remote.RESTConfig{
			BaseURL: cfg.ControllerURL,
			Logger:  log,
		})
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		return remote.NewNATSClient(nc, log), nil
	}

	return nil, fmt.Errorf("%w: got %q", errUnknownTransport, cfg.Transport)
}

// attachDevices discovers the hardware wired to this host. A host without
// devices still polls; it just has nothing to advertise.
func attachDevices(ctx context.Context, cfg *Config, log logger.Logger) ([]*device.HighDevice, []string) {
	keys := device.NewKeyStore()
	if err := keys.LoadLocal(); err != nil {
		log.Warn().Err(err).Msg("failed to load local adb keys")
	}

	dialer := &adb.Dialer{Addr: cfg.ADBAddr}

	discovery := device.NewDiscovery(dialer, keys, device.DiscoveryConfig{
		OnError: func(msg string) {
			log.Error().Str("fault", msg).Msg("device transport fault")
		},
		Logger: log,
	})

	devices, err := discovery.Devices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("device discovery failed, continuing without devices")

		return nil, nil
	}

	serials := make([]string, 0, len(devices))

	for _, dev := range devices {
		if !dev.IsValid() {
			log.Warn().Str("port_path", dev.PortPath()).Msg("device failed to open")
			continue
		}

		if keys.Len() > 0 && !dev.PushKeys() {
			log.Warn().Str("port_path", dev.PortPath()).Msg("failed to persist adb keys on device")
		}

		serials = append(serials, dev.Serial())
	}

	return devices, serials
}
