package coordinator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
)

const stopTimeout = 5 * time.Second

// Start brings up the transport endpoints without the tick loops, used by
// tests that drive Tick by hand.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.server.Start(ctx); err != nil {
		return errors.WrapRecoverable(err, "Coordinator", "Start", "start command endpoint")
	}
	if err := c.drain.Start(ctx); err != nil {
		_ = c.server.Stop()
		return errors.WrapRecoverable(err, "Coordinator", "Start", "start results drain")
	}
	return nil
}

// Stop tears down the transport endpoints.
func (c *Coordinator) Stop() error {
	var firstErr error
	if err := c.server.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.drain.Stop(stopTimeout); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Run starts every endpoint and tick loop and blocks until the context is
// cancelled. The kill-switch and heartbeat loops run as independent
// goroutines: a stalled request path can never delay a watchdog tick.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.guard.Run(gctx, c.cfg.KillTickPeriod)
		return nil
	})
	g.Go(func() error {
		c.monitor.Run(gctx, c.cfg.HeartbeatPeriod)
		return nil
	})

	err := g.Wait()

	if stopErr := c.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}
