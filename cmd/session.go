package cmd

import (
	"context"
	"log/slog"

	"github.com/BioHazard786/Huddle/internal/config"
	"github.com/BioHazard786/Huddle/internal/signaling"
)

// ConnectionContext holds the relay connection of one session.
type ConnectionContext struct {
	Client  *signaling.Client
	Handler *signaling.Handler
	Config  *config.Config
}

func NewConnectionContext(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ConnectionContext, error) {
	client := signaling.NewClient(cfg.RelayURL, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, NewError("connect to relay", err)
	}

	return &ConnectionContext{
		Client: client,
		Config: cfg,
	}, nil
}

// Listen starts routing relay traffic, handing negotiation envelopes to d.
func (c *ConnectionContext) Listen(ctx context.Context, d signaling.Dispatcher, logger *slog.Logger) *signaling.Handler {
	c.Handler = signaling.NewHandler(c.Client, d, logger)
	go c.Handler.Start(ctx)
	return c.Handler
}

func (c *ConnectionContext) Close() {
	if c.Client != nil {
		c.Client.Close()
	}
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, NewError("load config", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, ErrNoTURN
	}

	return cfg, nil
}
