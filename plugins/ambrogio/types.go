package ambrogio

import (
	"time"
)

// Mower is one roster entry.
type Mower struct {
	IMEI string
	Name string
}

// Location is a GPS fix reported by the mower.
type Location struct {
	Latitude  float64
	Longitude float64
}

// record is the coordinator-owned state for one mower. Only the coordinator
// mutates it, under its lock.
type record struct {
	imei string
	name string

	serial          string
	softwareVersion string
	state           StateCode
	working         bool
	errorCode       int
	location        *Location

	connected         bool
	lastCommunication time.Time
	lastSeen          time.Time
	lastPull          time.Time

	prevState  StateCode
	lastWakeUp time.Time
}

func newRecord(m Mower) *record {
	return &record{imei: m.IMEI, name: m.Name}
}

// Snapshot is a read-only copy of a mower's cached state.
type Snapshot struct {
	IMEI            string
	Name            string
	Serial          string
	SoftwareVersion string
	// State is the display state; RawState keeps the reported code.
	State     StateCode
	RawState  int
	Working   bool
	ErrorCode int
	Location  *Location

	Connected         bool
	LastCommunication time.Time
	LastSeen          time.Time
	LastPull          time.Time
	LastWakeUp        time.Time
}

func (r *record) snapshot() Snapshot {
	s := Snapshot{
		IMEI:              r.imei,
		Name:              r.name,
		Serial:            r.serial,
		SoftwareVersion:   r.softwareVersion,
		State:             r.state.Display(),
		RawState:          int(r.state),
		Working:           r.working,
		ErrorCode:         r.errorCode,
		Connected:         r.connected,
		LastCommunication: r.lastCommunication,
		LastSeen:          r.lastSeen,
		LastPull:          r.lastPull,
		LastWakeUp:        r.lastWakeUp,
	}
	if r.location != nil {
		loc := *r.location
		s.Location = &loc
	}
	return s
}

// Model is derived from the serial number prefix.
func (s Snapshot) Model() string {
	if len(s.Serial) > 4 {
		return s.Serial[:5]
	}
	return ""
}

func (s Snapshot) Available() bool {
	return s.State > StateUnknown
}

func (s Snapshot) Problem() bool {
	return s.State == StateError
}

func (s Snapshot) Activity() Activity {
	return s.State.Activity()
}
