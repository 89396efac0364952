package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"slabscan/internal/config"
	"slabscan/internal/fieldparse"
	"slabscan/internal/gateway"
	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/pipeline"
)

type gatewayFactory func(cfg *config.Config, logger *slog.Logger) gateway.Gateway

func newHTTPGateway(cfg *config.Config, logger *slog.Logger) gateway.Gateway {
	return gateway.NewClient(gateway.ConfigFrom(cfg), gateway.WithLogger(logger))
}

type commandContext struct {
	configFlag string
	jsonOutput bool
	newGateway gatewayFactory
	newLogger  func(*config.Config) (*slog.Logger, error)

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext() *commandContext {
	return &commandContext{
		newGateway: newHTTPGateway,
		newLogger:  logging.NewFromConfig,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, exists, err := config.Load(strings.TrimSpace(c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
		c.configExists = exists
	})
	return c.config, c.configErr
}

// runtime is everything a stage command needs, opened once per invocation.
type runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *ledger.Store
	gateway     gateway.Gateway
	coordinator *invalidation.Coordinator
	pipeline    *pipeline.Pipeline
	closers     []func() error
}

func (c *commandContext) openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := ledger.Open(cfg)
	if err != nil {
		if errors.Is(err, ledger.ErrLocked) {
			return nil, fmt.Errorf("%w; another slabscan command (or `slabscan serve`) is using the ledger", err)
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, store: store, closers: []func() error{store.Close}}

	parsers := []fieldparse.Parser{fieldparse.RuleParser{}}
	gemini, err := fieldparse.NewGeminiParser(ctx, cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if gemini != nil {
		parsers = append(parsers, gemini)
		rt.closers = append(rt.closers, gemini.Close)
	}

	policy, err := invalidation.PolicyFrom(cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.gateway = c.newGateway(cfg, logger)
	rt.coordinator = invalidation.New(policy, logger)
	rt.pipeline = pipeline.New(cfg, store, rt.gateway, logger,
		pipeline.WithParser(fieldparse.NewChain(logger, parsers...)),
		pipeline.WithCoordinator(rt.coordinator),
	)
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *commandContext) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := c.openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}
