// Package server orchestrates the two halves of the bridge: embedded COMMS
// servers, key material, contract, transports, and the frontend HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/morezero/backend-bridge/internal/config"
	"github.com/morezero/backend-bridge/internal/logging"
	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/transport"
)

const logPrefix = "server:server"

// Modes accepted by Run.
const (
	ModeBackend  = "backend"
	ModeFrontend = "frontend"
	ModeDemo     = "demo"
)

// Run loads config, builds the logger, and runs the given mode until SIGINT or
// SIGTERM (or, for the backend, a stop request).
func Run(mode string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	log := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info(fmt.Sprintf("%s - Starting %s %s", logPrefix, cfg.ServiceName, mode))

	switch mode {
	case ModeBackend:
		return RunBackend(ctx, cfg, log)
	case ModeFrontend:
		return RunFrontend(ctx, cfg, log)
	case ModeDemo:
		return RunDemo(ctx, cfg, log, os.Stdout)
	default:
		return fmt.Errorf("%s - unknown mode %q", logPrefix, mode)
	}
}

// loadContract resolves the configured contract and checks it against the
// supported version range.
func loadContract(cfg *config.Config, log *slog.Logger) (*contract.Contract, error) {
	cc, err := contract.Load(log, cfg.ContractFile)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load contract: %w", logPrefix, err)
	}
	c, err := contract.Resolve(cc)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid contract: %w", logPrefix, err)
	}
	if err := c.CheckCompatible(cfg.ContractConstraint); err != nil {
		return nil, err
	}
	log.Info(fmt.Sprintf("%s - Contract %s %s: %d methods, %d signals",
		logPrefix, c.Name(), c.Version(), len(c.Methods()), len(c.Signals())))
	return c, nil
}

func callPolicy(cfg *config.Config) transport.RetryPolicy {
	return transport.RetryPolicy{PollTimeout: cfg.CallPollTimeout, Tries: cfg.CallPollTries}
}

func eventPolicy(cfg *config.Config) transport.RetryPolicy {
	return transport.RetryPolicy{PollTimeout: cfg.EventPollTimeout, Tries: cfg.EventPollTries}
}

// drainBudget bounds how long a worker may take to flush its last item.
func drainBudget(p transport.RetryPolicy) time.Duration {
	return time.Duration(p.Tries)*p.PollTimeout + time.Second
}

func waitOrTimeout(log *slog.Logger, what string, done <-chan struct{}, d time.Duration) {
	select {
	case <-done:
	case <-time.After(d):
		log.Warn(fmt.Sprintf("%s - %s did not finish within %v", logPrefix, what, d))
	}
}
