package ambrogio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Options tune the coordinator cadence. Zero values take the defaults below.
type Options struct {
	IdleInterval   time.Duration
	ActiveInterval time.Duration
	// WakeInterval throttles keep-alive wake signals while a mower works.
	WakeInterval time.Duration
	// WakeCooldown throttles wake signals sent by the readiness protocol.
	WakeCooldown time.Duration
	Freshness    time.Duration
	SettleDelay  time.Duration
	RetryDelay   time.Duration
	MaxAttempts  int
	AckTimeout   time.Duration
	// Location is used for work_for and charge_for wall-clock conversion.
	Location *time.Location
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

const (
	DefaultIdleInterval   = 300 * time.Second
	DefaultActiveInterval = 60 * time.Second
	DefaultWakeInterval   = 300 * time.Second
	DefaultWakeCooldown   = 60 * time.Second
	DefaultFreshness      = 10 * time.Second
	DefaultSettleDelay    = 5 * time.Second
	DefaultRetryDelay     = 5 * time.Second
	DefaultMaxAttempts    = 6
	DefaultAckTimeout     = 30 * time.Second

	recentCommandLimit = 50
)

func (o Options) withDefaults() Options {
	if o.IdleInterval <= 0 {
		o.IdleInterval = DefaultIdleInterval
	}
	if o.ActiveInterval <= 0 {
		o.ActiveInterval = DefaultActiveInterval
	}
	if o.WakeInterval <= 0 {
		o.WakeInterval = DefaultWakeInterval
	}
	if o.WakeCooldown <= 0 {
		o.WakeCooldown = DefaultWakeCooldown
	}
	if o.Freshness <= 0 {
		o.Freshness = DefaultFreshness
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// pendingUpdate is a single-device payload the next refresh cycle applies
// instead of a fleet fetch.
type pendingUpdate struct {
	imei  string
	thing thing
}

// Coordinator owns the fleet state cache, refreshes it on an adaptive
// interval, and dispatches commands once a mower is reachable.
type Coordinator struct {
	transport Executor
	opts      Options
	clock     clockwork.Clock
	logger    *zap.Logger

	mu          sync.RWMutex
	records     map[string]*record
	order       []string
	interval    time.Duration
	lastErr     error
	lastSuccess time.Time

	// refreshMu admits one refresh cycle at a time; pending is guarded by it.
	refreshMu sync.Mutex
	pending   *pendingUpdate

	listenersMu  sync.Mutex
	listeners    map[int]func([]Snapshot)
	nextListener int

	probes   singleflight.Group
	tasks    *taskGroup
	commands *commandLog
}

func NewCoordinator(roster []Mower, transport Executor, opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		transport: transport,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		records:   make(map[string]*record, len(roster)),
		interval:  opts.IdleInterval,
		listeners: make(map[int]func([]Snapshot)),
		commands:  newCommandLog(recentCommandLimit),
	}
	c.tasks = newTaskGroup(c.logger)
	for _, mower := range roster {
		if _, ok := c.records[mower.IMEI]; ok {
			continue
		}
		c.records[mower.IMEI] = newRecord(mower)
		c.order = append(c.order, mower.IMEI)
	}
	return c
}

// Run refreshes immediately and then on every tick until ctx is done. The
// interval chosen after a cycle applies to the following tick.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.Close()

	_ = c.Refresh(ctx)

	timer := c.clock.NewTimer(c.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
			_ = c.Refresh(ctx)
			timer.Reset(c.Interval())
		}
	}
}

// Close cancels background wake and trace tasks and waits for them.
func (c *Coordinator) Close() {
	c.tasks.Close()
}

// Refresh runs one refresh cycle. Listeners run after the cycle has released
// the refresh lock.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	applied, err := c.refreshLocked(ctx)
	c.refreshMu.Unlock()
	if applied {
		c.notify(c.Devices())
	}
	return err
}

// RefreshDevice fetches one mower, applies it through a refresh cycle, and
// reports whether it is connected.
func (c *Coordinator) RefreshDevice(ctx context.Context, imei string) (bool, error) {
	if !c.known(imei) {
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, imei)
	}

	raw, err := c.transport.Execute(ctx, "thing.find", map[string]any{"imei": imei})
	if err != nil {
		return false, fmt.Errorf("find %s: %w", imei, err)
	}
	var found thing
	if err := json.Unmarshal(raw, &found); err != nil {
		return false, &CommunicationError{Command: "thing.find", Err: err}
	}
	found.Key = imei

	c.refreshMu.Lock()
	c.pending = &pendingUpdate{imei: imei, thing: found}
	applied, err := c.refreshLocked(ctx)
	c.refreshMu.Unlock()
	if err != nil {
		return false, err
	}
	if applied {
		c.notify(c.Devices())
	}

	snap, _ := c.Device(imei)
	return snap.Connected, nil
}

// refreshLocked reports whether a payload was applied. Only a fleet fetch
// settles the cycle outcome seen by LastError and LastSuccess.
func (c *Coordinator) refreshLocked(ctx context.Context) (bool, error) {
	var things []thing
	fleet := c.pending == nil
	if !fleet {
		things = []thing{c.pending.thing}
		c.logger.Debug("applying single-device update", zap.String("imei", c.pending.imei))
		c.pending = nil
	} else {
		imeis := c.imeis()
		if len(imeis) == 0 {
			return false, nil
		}
		raw, err := c.transport.Execute(ctx, "thing.list", map[string]any{
			"show":       thingListFields,
			"hideFields": true,
			"keys":       imeis,
		})
		if err != nil {
			return false, c.fail(err)
		}
		var list thingList
		if err := json.Unmarshal(raw, &list); err != nil {
			return false, c.fail(&CommunicationError{Command: "thing.list", Err: err})
		}
		things = list.Result
		c.logger.Debug("fleet refreshed", zap.Int("devices", len(things)))
	}

	for _, fx := range c.applyThings(things, fleet) {
		c.spawnEffects(fx)
	}
	return true, nil
}

func (c *Coordinator) applyThings(things []thing, fleet bool) []effects {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []effects
	for _, t := range things {
		rec, ok := c.records[t.Key]
		if !ok {
			continue
		}
		fx, errs := rec.apply(t, now, c.opts.WakeInterval)
		for _, err := range errs {
			c.logger.Warn("unparseable telemetry timestamp", zap.String("imei", rec.imei), zap.Error(err))
		}
		if fx.any() {
			out = append(out, fx)
		}
	}

	next := c.opts.IdleInterval
	for _, rec := range c.records {
		if rec.working {
			next = c.opts.ActiveInterval
			break
		}
	}
	if next != c.interval {
		c.logger.Info("poll interval changed", zap.Duration("interval", next))
		c.interval = next
	}
	if fleet {
		c.lastErr = nil
		c.lastSuccess = now
	}
	return out
}

func (c *Coordinator) spawnEffects(fx effects) {
	if fx.wake {
		c.tasks.Go("keep-alive wake", func(ctx context.Context) error {
			rec, err := c.WakeUp(ctx, fx.imei)
			if err != nil {
				return err
			}
			return rec.Err
		})
	}
	if fx.trace {
		c.tasks.Go("trace position", func(ctx context.Context) error {
			rec, err := c.TracePosition(ctx, fx.imei)
			if err != nil {
				return err
			}
			return rec.Err
		})
	}
}

func (c *Coordinator) fail(err error) error {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		err = fmt.Errorf("%w: %w", ErrAuthFailed, err)
		c.logger.Error("refresh rejected, credentials need attention", zap.Error(err))
	} else {
		err = fmt.Errorf("%w: %w", ErrUpdateFailed, err)
		c.logger.Warn("refresh failed, keeping cached state", zap.Error(err))
	}

	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}

// Device returns a snapshot of one mower.
func (c *Coordinator) Device(imei string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[imei]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// Devices returns snapshots in roster order.
func (c *Coordinator) Devices() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Snapshot, 0, len(c.order))
	for _, imei := range c.order {
		out = append(out, c.records[imei].snapshot())
	}
	return out
}

// Interval is the delay before the next scheduled refresh.
func (c *Coordinator) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// LastError is the error of the most recent failed fleet fetch, cleared by the
// next successful one.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Coordinator) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// Subscribe registers fn to run after every successful refresh cycle.
func (c *Coordinator) Subscribe(fn func([]Snapshot)) func() {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Coordinator) notify(snapshots []Snapshot) {
	c.listenersMu.Lock()
	fns := make([]func([]Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snapshots)
	}
}

func (c *Coordinator) known(imei string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.records[imei]
	return ok
}

func (c *Coordinator) imeis() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}
