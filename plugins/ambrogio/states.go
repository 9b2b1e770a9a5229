package ambrogio

// StateCode is the discrete robot state reported under alarms.robot_state.
type StateCode int

const (
	StateUnknown StateCode = iota
	StateCharging
	StateWorking
	StateStop
	StateError
	StateNoSignal
	StateGoToStation
	StateGoToArea
	StateBorderCut
	StatePaused
	StateRainDelay
	StateReady
)

var stateNames = []string{
	"unknown",
	"charging",
	"working",
	"stop",
	"error",
	"nosignal",
	"gotostation",
	"gotoarea",
	"bordercut",
	"paused",
	"rain_delay",
	"ready",
}

// Known reports whether s is inside the state table.
func (s StateCode) Known() bool {
	return s >= 0 && int(s) < len(stateNames)
}

// Display folds codes outside the table into StateUnknown.
func (s StateCode) Display() StateCode {
	if !s.Known() {
		return StateUnknown
	}
	return s
}

func (s StateCode) String() string {
	return stateNames[s.Display()]
}

// Working reports whether the mower is out on the lawn in this state.
func (s StateCode) Working() bool {
	switch s {
	case StateWorking, StateGoToStation, StateGoToArea, StateBorderCut:
		return true
	default:
		return false
	}
}

// Activity is the coarse lawn-mower activity exposed to dashboards.
type Activity string

const (
	ActivityMowing    Activity = "mowing"
	ActivityDocked    Activity = "docked"
	ActivityPaused    Activity = "paused"
	ActivityReturning Activity = "returning"
	ActivityIdle      Activity = "idle"
	ActivityError     Activity = "error"
)

func (s StateCode) Activity() Activity {
	switch s {
	case StateWorking, StateGoToArea, StateBorderCut:
		return ActivityMowing
	case StateCharging:
		return ActivityDocked
	case StateStop:
		return ActivityPaused
	case StateGoToStation:
		return ActivityReturning
	case StateReady:
		return ActivityIdle
	default:
		return ActivityError
	}
}
