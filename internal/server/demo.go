package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/backend-bridge/internal/config"
	"github.com/morezero/backend-bridge/pkg/demo"
)

const demoLogPrefix = "server:demo"

// ScriptBlockingDelay is the delay requested by the scripted blocking_method call.
const ScriptBlockingDelay = 2 * time.Second

// RunDemo runs both halves in one process over the same transports, fires the
// scripted calls once, and prints every delivered signal to out.
func RunDemo(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer) error {
	b, err := NewBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	f, err := NewFrontend(cfg, log)
	if err != nil {
		b.router.Stop()
		b.Run(context.Background())
		return err
	}
	f.OnSignal(func(signal string, data interface{}) {
		if data == nil {
			fmt.Fprintf(out, "%s received.\n", signal)
			return
		}
		fmt.Fprintf(out, "%s received. Data: %v\n", signal, data)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		err := f.Run(gctx)
		b.Router().Stop()
		return err
	})
	g.Go(func() error {
		if err := RunScript(log, demo.NewClient(f.Proxy())); err != nil {
			log.Warn(fmt.Sprintf("%s - Script interrupted: %v", demoLogPrefix, err))
		}
		return nil
	})
	return g.Wait()
}

// RunScript issues the demo call sequence: every method once, blocking_method
// first so its signal arrives last.
func RunScript(log *slog.Logger, c *demo.Client) error {
	steps := []struct {
		name string
		call func() error
	}{
		{"blocking_method", func() error { return c.BlockingMethod("bláḩ", ScriptBlockingDelay) }},
		{"reset", c.Reset},
		{"add", func() error { return c.Add(2, 2) }},
		{"get_stored_data", c.GetStoredData},
		{"twice_01", c.Twice01},
		{"twice_02", c.Twice02},
	}
	for _, s := range steps {
		log.Debug(fmt.Sprintf("%s - calling: %s", demoLogPrefix, s.name))
		if err := s.call(); err != nil {
			return fmt.Errorf("%s - %s: %w", demoLogPrefix, s.name, err)
		}
	}
	return nil
}
