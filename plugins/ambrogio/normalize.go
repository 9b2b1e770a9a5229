package ambrogio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// thingListFields is the projection requested from thing.list.
var thingListFields = []string{
	"id",
	"key",
	"name",
	"connected",
	"lastSeen",
	"lastCommunication",
	"loc",
	"properties",
	"alarms",
	"attrs",
	"createdOn",
	"storage",
	"varBillingPlanCode",
}

// timestampLayouts are tried in order. The cloud normally sends millisecond
// precision with a bare offset; older firmware reports RFC 3339 offsets or none.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999Z0700",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// thing is one device object as returned by thing.list and thing.find.
type thing struct {
	Key               string                    `json:"key"`
	Name              string                    `json:"name"`
	Connected         *bool                     `json:"connected"`
	LastSeen          *string                   `json:"lastSeen"`
	LastCommunication *string                   `json:"lastCommunication"`
	Loc               map[string]any            `json:"loc"`
	Alarms            map[string]map[string]any `json:"alarms"`
	Attrs             map[string]map[string]any `json:"attrs"`
}

type thingList struct {
	Result []thing `json:"result"`
}

// effects are the asynchronous follow-ups requested by one normalization.
type effects struct {
	imei  string
	wake  bool
	trace bool
}

func (e effects) any() bool {
	return e.wake || e.trace
}

// apply folds one telemetry report into r. Fields absent from the report keep
// their previous values.
func (r *record) apply(t thing, now time.Time, wakeInterval time.Duration) (effects, []error) {
	var errs []error
	previous := r.prevState

	robotState := t.Alarms["robot_state"]
	if code, ok := intFrom(robotState["state"]); ok {
		r.state = StateCode(code)
	}
	if code, ok := intFrom(robotState["msg"]); ok {
		r.errorCode = code
	}
	loc, ok := locationFrom(robotState["lat"], robotState["lng"])
	if !ok {
		loc, ok = locationFrom(t.Loc["lat"], t.Loc["lng"])
	}
	if ok {
		r.location = &loc
	}
	r.working = r.state.Working()

	if value, ok := attrValue(t.Attrs, "robot_serial"); ok {
		r.serial = value
	}
	if value, ok := attrValue(t.Attrs, "program_version"); ok {
		r.softwareVersion = value
	}

	if t.Connected != nil {
		r.connected = *t.Connected
	}
	if t.LastCommunication != nil {
		ts, err := parseTimestamp(*t.LastCommunication)
		if err != nil {
			errs = append(errs, fmt.Errorf("lastCommunication: %w", err))
		} else {
			r.lastCommunication = ts
		}
	}
	if t.LastSeen != nil {
		ts, err := parseTimestamp(*t.LastSeen)
		if err != nil {
			errs = append(errs, fmt.Errorf("lastSeen: %w", err))
		} else {
			r.lastSeen = ts
		}
	}
	r.lastPull = now.UTC()

	fx := effects{imei: r.imei}
	if r.working && (r.lastWakeUp.IsZero() || now.Sub(r.lastWakeUp) > wakeInterval) {
		fx.wake = true
		r.lastWakeUp = now
	}
	if r.state != previous && r.working {
		fx.trace = true
	}
	r.prevState = r.state

	return fx, errs
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func attrValue(attrs map[string]map[string]any, key string) (string, bool) {
	attr, ok := attrs[key]
	if !ok {
		return "", false
	}
	value, ok := attr["value"]
	if !ok || value == nil {
		return "", false
	}
	return stringFrom(value), true
}

func locationFrom(lat, lng any) (Location, bool) {
	latitude, ok := floatFrom(lat)
	if !ok {
		return Location{}, false
	}
	longitude, ok := floatFrom(lng)
	if !ok {
		return Location{}, false
	}
	return Location{Latitude: latitude, Longitude: longitude}, true
}

func stringFrom(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func intFrom(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func floatFrom(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
