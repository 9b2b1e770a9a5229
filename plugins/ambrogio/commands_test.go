package ambrogio

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

// readyCoordinator returns a coordinator whose mowers are connected and
// freshly refreshed, so commands take the readiness fast path.
func readyCoordinator(t *testing.T, at time.Time) (*Coordinator, *fakeCloud) {
	t.Helper()
	cloud := newFakeCloud()
	cloud.set("123", mowerThing("123", int(StateCharging), true))
	cloud.set("456", mowerThing("456", int(StateCharging), true))
	c := newTestCoordinator(t, cloud, clockwork.NewFakeClockAt(at))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	return c, cloud
}

func lastExec(t *testing.T, cloud *fakeCloud) cloudCall {
	t.Helper()
	execs := cloud.callsFor("method.exec")
	if len(execs) == 0 {
		t.Fatalf("expected a method.exec call")
	}
	return execs[len(execs)-1]
}

func TestChargeUntilSendsZeroBasedWeekday(t *testing.T) {
	c, cloud := readyCoordinator(t, testStart)

	rec, err := c.ChargeUntil(context.Background(), "123", 7, 30, 3)
	if err != nil {
		t.Fatalf("ChargeUntil error: %v", err)
	}
	if !rec.Sent || rec.Err != nil || rec.ID == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	execs := cloud.callsFor("method.exec")
	if len(execs) != 1 {
		t.Fatalf("expected exactly 1 method.exec, got %d", len(execs))
	}
	want := map[string]any{
		"method":     "charge_until",
		"imei":       "123",
		"ackTimeout": 30,
		"singleton":  true,
		"params":     map[string]any{"hh": 7, "mm": 30, "weekday": 2},
	}
	if diff := cmp.Diff(want, execs[0].params); diff != "" {
		t.Fatalf("method.exec payload mismatch (-want +got):\n%s", diff)
	}
	if n := cloud.count("sms.send"); n != 0 {
		t.Fatalf("expected no wake signal, got %d", n)
	}
	if n := cloud.count("thing.find"); n != 0 {
		t.Fatalf("expected fast-path readiness, got %d probes", n)
	}
}

func TestWorkForConvertsToWallClock(t *testing.T) {
	tests := []struct {
		name    string
		at      time.Time
		minutes int
		area    *int
		want    map[string]any
	}{
		{
			name:    "any area",
			at:      testStart,
			minutes: 90,
			want:    map[string]any{"area": 255, "hh": 11, "mm": 30},
		},
		{
			name:    "zero based area",
			at:      testStart,
			minutes: 90,
			area:    intPtr(3),
			want:    map[string]any{"area": 2, "hh": 11, "mm": 30},
		},
		{
			name:    "past midnight",
			at:      time.Date(2024, time.May, 1, 23, 30, 0, 0, time.UTC),
			minutes: 45,
			want:    map[string]any{"area": 255, "hh": 0, "mm": 15},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, cloud := readyCoordinator(t, tt.at)

			rec, err := c.WorkFor(context.Background(), "123", tt.minutes, tt.area)
			if err != nil {
				t.Fatalf("WorkFor error: %v", err)
			}
			if rec.Method != "work_until" {
				t.Fatalf("expected work_until, got %s", rec.Method)
			}
			got := lastExec(t, cloud)
			if diff := cmp.Diff(tt.want, got.params["params"]); diff != "" {
				t.Fatalf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestChargeForUsesISOWeekday(t *testing.T) {
	// Sunday 23:00 plus two hours lands on Monday.
	sunday := time.Date(2024, time.May, 5, 23, 0, 0, 0, time.UTC)
	c, cloud := readyCoordinator(t, sunday)

	if _, err := c.ChargeFor(context.Background(), "123", 120); err != nil {
		t.Fatalf("ChargeFor error: %v", err)
	}
	want := map[string]any{"hh": 1, "mm": 0, "weekday": 0}
	if diff := cmp.Diff(want, lastExec(t, cloud).params["params"]); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}

	if got := isoWeekday(sunday); got != 7 {
		t.Fatalf("expected Sunday to be 7, got %d", got)
	}
}

func TestKeepOutOmitsUnsetFields(t *testing.T) {
	c, cloud := readyCoordinator(t, testStart)

	_, err := c.KeepOut(context.Background(), "123", KeepOutZone{Latitude: 1.0, Longitude: 2.0, Radius: intPtr(5)})
	if err != nil {
		t.Fatalf("KeepOut error: %v", err)
	}
	want := map[string]any{"latitude": 1.0, "longitude": 2.0, "radius": 5}
	if diff := cmp.Diff(want, lastExec(t, cloud).params["params"]); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}

	_, err = c.KeepOut(context.Background(), "123", KeepOutZone{
		Latitude:  1.0,
		Longitude: 2.0,
		Hours:     intPtr(4),
		Minutes:   intPtr(15),
		Index:     intPtr(0),
	})
	if err != nil {
		t.Fatalf("KeepOut error: %v", err)
	}
	want = map[string]any{"latitude": 1.0, "longitude": 2.0, "hh": 4, "mm": 15, "index": 0}
	if diff := cmp.Diff(want, lastExec(t, cloud).params["params"]); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandEncoding(t *testing.T) {
	tests := []struct {
		name   string
		run    func(c *Coordinator) (CommandRecord, error)
		method string
		params map[string]any
	}{
		{"profile", func(c *Coordinator) (CommandRecord, error) {
			return c.SetProfile(context.Background(), "123", 2)
		}, "set_profile", map[string]any{"profile": 1}},
		{"work now", func(c *Coordinator) (CommandRecord, error) {
			return c.WorkNow(context.Background(), "123", nil)
		}, "work_now", nil},
		{"work now area", func(c *Coordinator) (CommandRecord, error) {
			return c.WorkNow(context.Background(), "123", intPtr(1))
		}, "work_now", map[string]any{"area": 0}},
		{"work until", func(c *Coordinator) (CommandRecord, error) {
			return c.WorkUntil(context.Background(), "123", 18, 45, nil)
		}, "work_until", map[string]any{"area": 255, "hh": 18, "mm": 45}},
		{"border cut", func(c *Coordinator) (CommandRecord, error) {
			return c.BorderCut(context.Background(), "123")
		}, "border_cut", nil},
		{"charge now", func(c *Coordinator) (CommandRecord, error) {
			return c.ChargeNow(context.Background(), "123")
		}, "charge_now", nil},
		{"trace position", func(c *Coordinator) (CommandRecord, error) {
			return c.TracePosition(context.Background(), "123")
		}, "trace_position", nil},
		{"custom", func(c *Coordinator) (CommandRecord, error) {
			return c.CustomCommand(context.Background(), "123", "set_blade", map[string]any{"height": 40})
		}, "set_blade", map[string]any{"height": 40}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, cloud := readyCoordinator(t, testStart)

			rec, err := tt.run(c)
			if err != nil {
				t.Fatalf("command error: %v", err)
			}
			if rec.Method != tt.method || !rec.Sent {
				t.Fatalf("unexpected record: %+v", rec)
			}
			got := lastExec(t, cloud)
			if got.params["method"] != tt.method || got.params["singleton"] != true {
				t.Fatalf("unexpected payload: %+v", got.params)
			}
			params, ok := got.params["params"]
			if tt.params == nil {
				if ok {
					t.Fatalf("expected params to be omitted, got %v", params)
				}
				return
			}
			if diff := cmp.Diff(tt.params, params); diff != "" {
				t.Fatalf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandValidation(t *testing.T) {
	c, cloud := readyCoordinator(t, testStart)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() (CommandRecord, error)
	}{
		{"profile low", func() (CommandRecord, error) { return c.SetProfile(ctx, "123", 0) }},
		{"profile high", func() (CommandRecord, error) { return c.SetProfile(ctx, "123", 4) }},
		{"area", func() (CommandRecord, error) { return c.WorkNow(ctx, "123", intPtr(10)) }},
		{"duration zero", func() (CommandRecord, error) { return c.WorkFor(ctx, "123", 0, nil) }},
		{"duration long", func() (CommandRecord, error) { return c.ChargeFor(ctx, "123", 1440) }},
		{"hours", func() (CommandRecord, error) { return c.WorkUntil(ctx, "123", 24, 0, nil) }},
		{"minutes", func() (CommandRecord, error) { return c.ChargeUntil(ctx, "123", 10, 60, 1) }},
		{"weekday", func() (CommandRecord, error) { return c.ChargeUntil(ctx, "123", 10, 0, 8) }},
		{"latitude", func() (CommandRecord, error) { return c.KeepOut(ctx, "123", KeepOutZone{Latitude: 91}) }},
		{"radius", func() (CommandRecord, error) {
			return c.KeepOut(ctx, "123", KeepOutZone{Radius: intPtr(0)})
		}},
		{"custom method", func() (CommandRecord, error) { return c.CustomCommand(ctx, "123", "", nil) }},
	}
	for _, tt := range tests {
		if _, err := tt.run(); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tt.name, err)
		}
	}
	if n := cloud.count("method.exec"); n != 0 {
		t.Fatalf("expected no commands sent, got %d", n)
	}
}

func TestSendFailureIsRecordedNotReturned(t *testing.T) {
	c, cloud := readyCoordinator(t, testStart)
	cloud.setFail("method.exec", &CommunicationError{Command: "method.exec", Messages: []string{"device busy"}})

	rec, err := c.ChargeNow(context.Background(), "123")
	if err != nil {
		t.Fatalf("expected send failure to be suppressed, got %v", err)
	}
	if rec.Sent || rec.Err == nil {
		t.Fatalf("expected failed record, got %+v", rec)
	}

	recent := c.RecentCommands("123")
	if len(recent) != 1 || recent[0].ID != rec.ID || recent[0].Err == nil {
		t.Fatalf("unexpected recent commands: %+v", recent)
	}
}

func TestReadinessFailureIsReturned(t *testing.T) {
	c, cloud := readyCoordinator(t, testStart)

	_, err := c.BorderCut(context.Background(), "999")
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if n := cloud.count("method.exec"); n != 0 {
		t.Fatalf("expected no command sent, got %d", n)
	}
	if _, err := c.WakeUp(context.Background(), "999"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice from WakeUp, got %v", err)
	}
}

func TestWakeUpSendsSMS(t *testing.T) {
	c, cloud := readyCoordinator(t, testStart)

	rec, err := c.WakeUp(context.Background(), "456")
	if err != nil {
		t.Fatalf("WakeUp error: %v", err)
	}
	if !rec.Sent {
		t.Fatalf("expected wake to be sent: %+v", rec)
	}
	calls := cloud.callsFor("sms.send")
	if len(calls) != 1 {
		t.Fatalf("expected 1 sms.send, got %d", len(calls))
	}
	want := map[string]any{"coding": "SEVEN_BIT", "imei": "456", "message": "UP"}
	if diff := cmp.Diff(want, calls[0].params); diff != "" {
		t.Fatalf("sms.send params mismatch (-want +got):\n%s", diff)
	}
	snap, _ := c.Device("456")
	if !snap.LastWakeUp.Equal(testStart) {
		t.Fatalf("expected last wake-up recorded, got %v", snap.LastWakeUp)
	}
	if n := cloud.count("thing.find"); n != 0 {
		t.Fatalf("wake must not run readiness, got %d probes", n)
	}
}

func TestRecentCommandsNewestFirstAndBounded(t *testing.T) {
	c, _ := readyCoordinator(t, testStart)
	ctx := context.Background()

	for i := 0; i < recentCommandLimit+5; i++ {
		if _, err := c.CustomCommand(ctx, "123", fmt.Sprintf("cmd_%d", i), nil); err != nil {
			t.Fatalf("CustomCommand error: %v", err)
		}
	}
	if _, err := c.ChargeNow(ctx, "456"); err != nil {
		t.Fatalf("ChargeNow error: %v", err)
	}

	all := c.RecentCommands("")
	if len(all) != recentCommandLimit {
		t.Fatalf("expected %d commands, got %d", recentCommandLimit, len(all))
	}
	if all[0].Method != "charge_now" {
		t.Fatalf("expected newest first, got %s", all[0].Method)
	}

	front := c.RecentCommands("123")
	if front[0].Method != fmt.Sprintf("cmd_%d", recentCommandLimit+4) {
		t.Fatalf("unexpected newest command: %s", front[0].Method)
	}
	if back := c.RecentCommands("456"); len(back) != 1 {
		t.Fatalf("expected 1 command for 456, got %d", len(back))
	}
}

func intPtr(v int) *int {
	return &v
}
