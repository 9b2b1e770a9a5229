package ambrogio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	areaUnspecified    = 255
	maxDurationMinutes = 1439
)

// CommandRecord is the outcome of one dispatched command. Sent reports that
// the cloud accepted the RPC, not that the mower acted on it.
type CommandRecord struct {
	ID     string
	IMEI   string
	Method string
	Params map[string]any
	SentAt time.Time
	Sent   bool
	Err    error
}

// KeepOutZone is a temporary circular no-go area. Nil fields are not sent.
type KeepOutZone struct {
	Latitude  float64
	Longitude float64
	Radius    *int
	Hours     *int
	Minutes   *int
	Index     *int
}

// WakeUp sends the out-of-band SMS that brings a sleeping mower online.
func (c *Coordinator) WakeUp(ctx context.Context, imei string) (CommandRecord, error) {
	if !c.known(imei) {
		return CommandRecord{}, fmt.Errorf("%w: %s", ErrUnknownDevice, imei)
	}

	rec := c.newCommand(imei, "wake_up", nil)
	_, err := c.transport.Execute(ctx, "sms.send", map[string]any{
		"coding":  "SEVEN_BIT",
		"imei":    imei,
		"message": "UP",
	})
	if err == nil {
		c.mu.Lock()
		c.records[imei].lastWakeUp = c.clock.Now()
		c.mu.Unlock()
	}
	c.finish(&rec, err)
	return rec, nil
}

func (c *Coordinator) SetProfile(ctx context.Context, imei string, profile int) (CommandRecord, error) {
	if profile < 1 || profile > 3 {
		return CommandRecord{}, invalidArgument("profile %d outside 1..3", profile)
	}
	return c.dispatch(ctx, imei, "set_profile", map[string]any{"profile": profile - 1})
}

// WorkNow starts mowing. A nil area lets the mower pick.
func (c *Coordinator) WorkNow(ctx context.Context, imei string, area *int) (CommandRecord, error) {
	var params map[string]any
	if area != nil {
		if err := validateArea(*area); err != nil {
			return CommandRecord{}, err
		}
		params = map[string]any{"area": *area - 1}
	}
	return c.dispatch(ctx, imei, "work_now", params)
}

// WorkFor mows for minutes from now by converting to a work_until deadline.
func (c *Coordinator) WorkFor(ctx context.Context, imei string, minutes int, area *int) (CommandRecord, error) {
	if err := validateDuration(minutes); err != nil {
		return CommandRecord{}, err
	}
	until := c.localNow().Add(time.Duration(minutes) * time.Minute)
	return c.WorkUntil(ctx, imei, until.Hour(), until.Minute(), area)
}

func (c *Coordinator) WorkUntil(ctx context.Context, imei string, hours, minutes int, area *int) (CommandRecord, error) {
	if err := validateClock(hours, minutes); err != nil {
		return CommandRecord{}, err
	}
	encoded := areaUnspecified
	if area != nil {
		if err := validateArea(*area); err != nil {
			return CommandRecord{}, err
		}
		encoded = *area - 1
	}
	return c.dispatch(ctx, imei, "work_until", map[string]any{
		"area": encoded,
		"hh":   hours,
		"mm":   minutes,
	})
}

func (c *Coordinator) BorderCut(ctx context.Context, imei string) (CommandRecord, error) {
	return c.dispatch(ctx, imei, "border_cut", nil)
}

func (c *Coordinator) ChargeNow(ctx context.Context, imei string) (CommandRecord, error) {
	return c.dispatch(ctx, imei, "charge_now", nil)
}

// ChargeFor docks for minutes from now by converting to a charge_until deadline.
func (c *Coordinator) ChargeFor(ctx context.Context, imei string, minutes int) (CommandRecord, error) {
	if err := validateDuration(minutes); err != nil {
		return CommandRecord{}, err
	}
	until := c.localNow().Add(time.Duration(minutes) * time.Minute)
	return c.ChargeUntil(ctx, imei, until.Hour(), until.Minute(), isoWeekday(until))
}

// ChargeUntil docks until the given time on weekday, 1 = Monday.
func (c *Coordinator) ChargeUntil(ctx context.Context, imei string, hours, minutes, weekday int) (CommandRecord, error) {
	if err := validateClock(hours, minutes); err != nil {
		return CommandRecord{}, err
	}
	if weekday < 1 || weekday > 7 {
		return CommandRecord{}, invalidArgument("weekday %d outside 1..7", weekday)
	}
	return c.dispatch(ctx, imei, "charge_until", map[string]any{
		"hh":      hours,
		"mm":      minutes,
		"weekday": weekday - 1,
	})
}

func (c *Coordinator) TracePosition(ctx context.Context, imei string) (CommandRecord, error) {
	return c.dispatch(ctx, imei, "trace_position", nil)
}

func (c *Coordinator) KeepOut(ctx context.Context, imei string, zone KeepOutZone) (CommandRecord, error) {
	if zone.Latitude < -90 || zone.Latitude > 90 {
		return CommandRecord{}, invalidArgument("latitude %v outside -90..90", zone.Latitude)
	}
	if zone.Longitude < -180 || zone.Longitude > 180 {
		return CommandRecord{}, invalidArgument("longitude %v outside -180..180", zone.Longitude)
	}

	params := map[string]any{
		"latitude":  zone.Latitude,
		"longitude": zone.Longitude,
	}
	if zone.Radius != nil {
		if *zone.Radius <= 0 {
			return CommandRecord{}, invalidArgument("radius %d must be positive", *zone.Radius)
		}
		params["radius"] = *zone.Radius
	}
	if zone.Hours != nil {
		if *zone.Hours < 0 || *zone.Hours > 23 {
			return CommandRecord{}, invalidArgument("hours %d outside 0..23", *zone.Hours)
		}
		params["hh"] = *zone.Hours
	}
	if zone.Minutes != nil {
		if *zone.Minutes < 0 || *zone.Minutes > 59 {
			return CommandRecord{}, invalidArgument("minutes %d outside 0..59", *zone.Minutes)
		}
		params["mm"] = *zone.Minutes
	}
	if zone.Index != nil {
		if *zone.Index < 0 {
			return CommandRecord{}, invalidArgument("index %d must not be negative", *zone.Index)
		}
		params["index"] = *zone.Index
	}
	return c.dispatch(ctx, imei, "keep_out", params)
}

// CustomCommand sends method with params untouched.
func (c *Coordinator) CustomCommand(ctx context.Context, imei, method string, params map[string]any) (CommandRecord, error) {
	if method == "" {
		return CommandRecord{}, invalidArgument("method is required")
	}
	return c.dispatch(ctx, imei, method, params)
}

// RecentCommands returns the latest commands, newest first. An empty imei
// returns every mower.
func (c *Coordinator) RecentCommands(imei string) []CommandRecord {
	return c.commands.list(imei)
}

// dispatch runs the readiness protocol and then sends method.exec. Readiness
// failures are returned; send failures are recorded on the result.
func (c *Coordinator) dispatch(ctx context.Context, imei, method string, params map[string]any) (CommandRecord, error) {
	if err := c.PrepareForCommand(ctx, imei); err != nil {
		rec := c.newCommand(imei, method, params)
		rec.Err = err
		if c.known(imei) {
			c.logger.Warn("mower not ready, command dropped",
				zap.String("imei", imei),
				zap.String("command", method),
				zap.String("command_id", rec.ID),
				zap.Error(err))
			commandsTotal.WithLabelValues(method, "not_ready").Inc()
			c.commands.add(rec)
		}
		return rec, err
	}

	rec := c.newCommand(imei, method, params)
	payload := map[string]any{
		"method":     method,
		"imei":       imei,
		"ackTimeout": int(c.opts.AckTimeout / time.Second),
		"singleton":  true,
	}
	if params != nil {
		payload["params"] = params
	}
	_, err := c.transport.Execute(ctx, "method.exec", payload)
	c.finish(&rec, err)
	return rec, nil
}

func (c *Coordinator) newCommand(imei, method string, params map[string]any) CommandRecord {
	return CommandRecord{
		ID:     uuid.NewString(),
		IMEI:   imei,
		Method: method,
		Params: params,
		SentAt: c.clock.Now(),
	}
}

func (c *Coordinator) finish(rec *CommandRecord, err error) {
	logger := c.logger.With(
		zap.String("imei", rec.IMEI),
		zap.String("command", rec.Method),
		zap.String("command_id", rec.ID),
	)
	if err != nil {
		rec.Err = err
		logger.Warn("command send failed", zap.Error(err))
		commandsTotal.WithLabelValues(rec.Method, "failed").Inc()
	} else {
		rec.Sent = true
		logger.Debug("command sent")
		commandsTotal.WithLabelValues(rec.Method, "sent").Inc()
	}
	c.commands.add(*rec)
}

func (c *Coordinator) localNow() time.Time {
	return c.clock.Now().In(c.opts.Location)
}

func isoWeekday(t time.Time) int {
	if t.Weekday() == time.Sunday {
		return 7
	}
	return int(t.Weekday())
}

func validateArea(area int) error {
	if area < 1 || area > 9 {
		return invalidArgument("area %d outside 1..9", area)
	}
	return nil
}

func validateDuration(minutes int) error {
	if minutes < 1 || minutes > maxDurationMinutes {
		return invalidArgument("duration %d outside 1..%d minutes", minutes, maxDurationMinutes)
	}
	return nil
}

func validateClock(hours, minutes int) error {
	if hours < 0 || hours > 23 {
		return invalidArgument("hours %d outside 0..23", hours)
	}
	if minutes < 0 || minutes > 59 {
		return invalidArgument("minutes %d outside 0..59", minutes)
	}
	return nil
}

// commandLog keeps the most recent commands in memory.
type commandLog struct {
	mu      sync.Mutex
	size    int
	entries []CommandRecord
}

func newCommandLog(size int) *commandLog {
	return &commandLog{size: size}
}

func (l *commandLog) add(rec CommandRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, rec)
	if len(l.entries) > l.size {
		l.entries = append([]CommandRecord(nil), l.entries[len(l.entries)-l.size:]...)
	}
}

func (l *commandLog) list(imei string) []CommandRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CommandRecord, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		if imei != "" && l.entries[i].IMEI != imei {
			continue
		}
		out = append(out, l.entries[i])
	}
	return out
}
