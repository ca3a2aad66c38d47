// Package di wires configuration, logging, the API gateway, and the
// application services together for the CLI commands.
package di

import (
	"fmt"
	"log/slog"

	"orafinite.ai/cli/internal/application/services"
	"orafinite.ai/cli/internal/config"
	"orafinite.ai/cli/internal/infrastructure/api"
	"orafinite.ai/cli/internal/infrastructure/sse"
	"orafinite.ai/cli/internal/logging"
)

// Container holds the shared dependencies for all commands.
type Container struct {
	Config  *config.Config
	Logger  *slog.Logger
	Gateway *api.Gateway
}

// NewContainer loads configuration, sets up file logging, and builds
// the API gateway.
func NewContainer() (*Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	return &Container{
		Config:  cfg,
		Logger:  logger,
		Gateway: api.NewGateway(cfg.APIURL, cfg.SessionToken, logger),
	}, nil
}

// ApplyAPIURLOverride replaces the backend URL, rebuilding the gateway.
func (c *Container) ApplyAPIURLOverride(apiURL string) {
	c.Config.APIURL = apiURL
	c.Gateway = api.NewGateway(apiURL, c.Config.SessionToken, c.Logger)
}

// ApplySessionTokenOverride replaces the session token, rebuilding the
// gateway.
func (c *Container) ApplySessionTokenOverride(token string) {
	c.Config.SessionToken = token
	c.Gateway = api.NewGateway(c.Config.APIURL, token, c.Logger)
}

// ApplyLogOverrides reconfigures logging from flag values.
func (c *Container) ApplyLogOverrides(logFile, level string) error {
	if logFile != "" {
		c.Config.LogFile = logFile
	}
	if level != "" {
		c.Config.LogLevel = level
	}
	logger, err := logging.Setup(c.Config.LogFile, c.Config.LogLevel)
	if err != nil {
		return err
	}
	c.Logger = logger
	c.Gateway = api.NewGateway(c.Config.APIURL, c.Config.SessionToken, logger)
	return nil
}

// LiveFeed builds the guard log feed service backing the dashboard and
// logs commands.
func (c *Container) LiveFeed() *services.LiveFeedService {
	streamURL := c.Config.APIURL + "/v1/guard/events"
	return services.NewLiveFeedService(c.Gateway, streamURL, c.Gateway, c.Config.PerPage, c.Config.MaxEvents, c.Logger)
}

// ScanMonitor builds a dual-transport monitor for one scan.
func (c *Container) ScanMonitor(scanID string, ev services.ScanMonitorEvents) *services.ScanMonitor {
	dialer := sse.NewScanStreamDialer(c.Config.APIURL, c.Gateway, c.Logger)
	return services.NewScanMonitor(scanID, c.Gateway, services.NewScanSubscriber(dialer), c.Config.PollInterval, ev, c.Logger)
}
