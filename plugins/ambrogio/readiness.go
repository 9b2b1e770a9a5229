package ambrogio

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PrepareForCommand blocks until imei is reachable. A mower that reported
// connected within the freshness window is ready immediately; otherwise it is
// probed, woken if needed, and polled until the attempt budget runs out.
//
// Concurrent callers for the same mower share one probe. The probe runs under
// the coordinator lifetime, so a caller whose ctx ends stops waiting without
// cancelling the others.
func (c *Coordinator) PrepareForCommand(ctx context.Context, imei string) error {
	snap, ok := c.Device(imei)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, imei)
	}
	if snap.Connected && c.clock.Since(snap.LastPull) < c.opts.Freshness {
		return nil
	}

	ch := c.probes.DoChan(imei, func() (any, error) {
		return nil, c.tasks.Do(func(ctx context.Context) error {
			return c.awaitOnline(ctx, imei)
		})
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Coordinator) awaitOnline(ctx context.Context, imei string) error {
	logger := c.logger.With(zap.String("imei", imei))

	connected, err := c.RefreshDevice(ctx, imei)
	if err != nil {
		return err
	}
	if connected {
		return nil
	}

	if c.wakeDue(imei) {
		logger.Info("mower offline, sending wake signal")
		_, _ = c.WakeUp(ctx, imei)
	}

	if err := c.sleep(ctx, c.opts.SettleDelay); err != nil {
		return err
	}
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		connected, err := c.RefreshDevice(ctx, imei)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			logger.Warn("readiness probe failed", zap.Int("attempt", attempt), zap.Error(err))
		case connected:
			logger.Info("mower online", zap.Int("attempt", attempt))
			return nil
		default:
			logger.Info("waiting for mower", zap.Int("attempt", attempt))
		}

		if attempt < c.opts.MaxAttempts {
			if err := c.sleep(ctx, c.opts.RetryDelay); err != nil {
				return err
			}
		}
	}

	return &ReadinessTimeoutError{IMEI: imei, Attempts: c.opts.MaxAttempts}
}

func (c *Coordinator) wakeDue(imei string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[imei]
	if !ok {
		return false
	}
	return rec.lastWakeUp.IsZero() || c.clock.Since(rec.lastWakeUp) >= c.opts.WakeCooldown
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
