// File: cmd/factory.go
package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoattend/internal/browser/session"
	"github.com/xkilldash9x/autoattend/internal/captcha"
	"github.com/xkilldash9x/autoattend/internal/config"
	"github.com/xkilldash9x/autoattend/internal/metrics"
	"github.com/xkilldash9x/autoattend/internal/network"
	"github.com/xkilldash9x/autoattend/internal/observability"
	"github.com/xkilldash9x/autoattend/internal/portal"
	"github.com/xkilldash9x/autoattend/internal/scheduler"
)

// Components holds everything a command needs to talk to the portal.
type Components struct {
	// Puncher is the login flow. It is the only caller-facing handle on the session.
	Puncher  scheduler.Puncher
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	client *session.Client
}

// Shutdown releases the session's pooled connections.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	if c.client != nil {
		c.client.Close()
		logger.Debug("Session client closed.")
	}
	logger.Debug("Components shut down.")
}

// ComponentFactory builds Components from a loaded configuration. Commands
// depend on it so tests can substitute the portal.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory returns the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the network stack, session client, captcha solver and login flow.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config) (*Components, error) {
	logger := observability.GetLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	netCfg, err := network.ClientConfigFrom(cfg.Network, logger.Named("network"))
	if err != nil {
		return nil, fmt.Errorf("failed to build network config: %w", err)
	}

	client, err := session.NewClient(cfg.Portal.BaseURL, netCfg, cfg.Network.UserAgent, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("failed to create session client: %w", err)
	}
	components := &Components{Registry: reg, Metrics: m, client: client}

	flow, err := portal.NewFlow(client, captcha.New(logger.Named("captcha")), cfg.Portal, m, logger.Named("portal"))
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("failed to create login flow: %w", err)
	}
	components.Puncher = flow

	logger.Debug("Components initialized.",
		zap.String("base_url", cfg.Portal.BaseURL),
		zap.String("scratch_dir", cfg.Portal.ScratchDir),
	)
	return components, nil
}
