package ambrogio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestPrepareForCommandFastPath(t *testing.T) {
	cloud := newFakeCloud()
	cloud.set("123", mowerThing("123", int(StateCharging), true))
	c := newTestCoordinator(t, cloud, clockwork.NewFakeClockAt(testStart))

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if err := c.PrepareForCommand(context.Background(), "123"); err != nil {
		t.Fatalf("PrepareForCommand error: %v", err)
	}
	if n := cloud.count("thing.find"); n != 0 {
		t.Fatalf("expected no probe for a fresh connected mower, got %d", n)
	}
}

func TestPrepareForCommandProbesStaleMower(t *testing.T) {
	cloud := newFakeCloud()
	clock := clockwork.NewFakeClockAt(testStart)
	cloud.set("123", mowerThing("123", int(StateCharging), true))
	c := newTestCoordinator(t, cloud, clock)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	clock.Advance(DefaultFreshness + time.Second)

	if err := c.PrepareForCommand(context.Background(), "123"); err != nil {
		t.Fatalf("PrepareForCommand error: %v", err)
	}
	if n := cloud.count("thing.find"); n != 1 {
		t.Fatalf("expected 1 probe, got %d", n)
	}
	if n := cloud.count("sms.send"); n != 0 {
		t.Fatalf("expected no wake for a connected mower, got %d", n)
	}
}

func TestPrepareForCommandTimesOut(t *testing.T) {
	cloud := newFakeCloud()
	clock := clockwork.NewFakeClockAt(testStart)
	cloud.set("123", mowerThing("123", int(StateCharging), false))
	c := newTestCoordinator(t, cloud, clock)

	done := make(chan error, 1)
	go func() { done <- c.PrepareForCommand(context.Background(), "123") }()

	// Settle delay, then one retry delay between each of the attempts.
	for i := 0; i < DefaultMaxAttempts; i++ {
		clock.BlockUntil(1)
		clock.Advance(DefaultRetryDelay)
	}

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("PrepareForCommand did not return")
	}

	var timeout *ReadinessTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected ReadinessTimeoutError, got %v", err)
	}
	if timeout.IMEI != "123" || timeout.Attempts != DefaultMaxAttempts {
		t.Fatalf("unexpected timeout error: %+v", timeout)
	}
	if n := cloud.count("thing.find"); n != DefaultMaxAttempts+1 {
		t.Fatalf("expected %d probes, got %d", DefaultMaxAttempts+1, n)
	}
	if n := cloud.count("sms.send"); n != 1 {
		t.Fatalf("expected exactly one wake signal, got %d", n)
	}

	elapsed := clock.Since(testStart)
	want := DefaultSettleDelay + (DefaultMaxAttempts-1)*DefaultRetryDelay
	if elapsed != want {
		t.Fatalf("expected %s of waiting, got %s", want, elapsed)
	}
}

func TestPrepareForCommandSkipsWakeWithinCooldown(t *testing.T) {
	cloud := newFakeCloud()
	clock := clockwork.NewFakeClockAt(testStart)
	c := newTestCoordinator(t, cloud, clock)
	cloud.find = func(imei string, n int) map[string]any {
		return mowerThing(imei, int(StateCharging), n > 1)
	}

	if _, err := c.WakeUp(context.Background(), "123"); err != nil {
		t.Fatalf("WakeUp error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.PrepareForCommand(context.Background(), "123") }()
	clock.BlockUntil(1)
	clock.Advance(DefaultSettleDelay)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PrepareForCommand error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("PrepareForCommand did not return")
	}
	if n := cloud.count("sms.send"); n != 1 {
		t.Fatalf("expected only the explicit wake, got %d", n)
	}
	if n := cloud.count("thing.find"); n != 2 {
		t.Fatalf("expected 2 probes, got %d", n)
	}
}

func TestPrepareForCommandCoalescesCallers(t *testing.T) {
	cloud := newFakeCloud()
	c := newTestCoordinator(t, cloud, clockwork.NewFakeClockAt(testStart))

	entered := make(chan struct{})
	release := make(chan struct{})
	cloud.find = func(imei string, n int) map[string]any {
		if n == 1 {
			close(entered)
			<-release
		}
		return mowerThing(imei, int(StateCharging), true)
	}

	results := make(chan error, 2)
	go func() { results <- c.PrepareForCommand(context.Background(), "123") }()
	<-entered
	go func() { results <- c.PrepareForCommand(context.Background(), "123") }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("PrepareForCommand error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("PrepareForCommand did not return")
		}
	}
	if n := cloud.count("thing.find"); n != 1 {
		t.Fatalf("expected callers to share one probe, got %d", n)
	}
}

func TestPrepareForCommandHonoursCallerContext(t *testing.T) {
	cloud := newFakeCloud()
	clock := clockwork.NewFakeClockAt(testStart)
	cloud.set("123", mowerThing("123", int(StateCharging), false))
	c := newTestCoordinator(t, cloud, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.PrepareForCommand(ctx, "123") }()

	clock.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("PrepareForCommand ignored cancellation")
	}

	c.Close()
	if n := cloud.count("thing.find"); n != 1 {
		t.Fatalf("expected probing to stop, got %d probes", n)
	}
}

func TestPrepareForCommandUnknownDevice(t *testing.T) {
	c := newTestCoordinator(t, newFakeCloud(), clockwork.NewFakeClockAt(testStart))

	if err := c.PrepareForCommand(context.Background(), "999"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}
