package ambrogio

import "time"

// AttributeSource resolves a named attribute of a mower.
type AttributeSource interface {
	Attribute(imei, key string) (any, bool)
}

// Attribute keys understood by Snapshot.Attribute.
const (
	AttrName              = "name"
	AttrIMEI              = "imei"
	AttrSerial            = "serial"
	AttrModel             = "model"
	AttrSoftwareVersion   = "sw_version"
	AttrState             = "state"
	AttrStateName         = "state_name"
	AttrActivity          = "activity"
	AttrWorking           = "working"
	AttrError             = "error"
	AttrProblem           = "problem"
	AttrAvailable         = "available"
	AttrLatitude          = "latitude"
	AttrLongitude         = "longitude"
	AttrConnected         = "connected"
	AttrLastCommunication = "last_communication"
	AttrLastSeen          = "last_seen"
	AttrLastPull          = "last_pull"
)

var attributeKeys = []string{
	AttrName,
	AttrIMEI,
	AttrSerial,
	AttrModel,
	AttrSoftwareVersion,
	AttrState,
	AttrStateName,
	AttrActivity,
	AttrWorking,
	AttrError,
	AttrProblem,
	AttrAvailable,
	AttrLatitude,
	AttrLongitude,
	AttrConnected,
	AttrLastCommunication,
	AttrLastSeen,
	AttrLastPull,
}

var _ AttributeSource = (*Coordinator)(nil)

// Attribute implements AttributeSource over the cached fleet state.
func (c *Coordinator) Attribute(imei, key string) (any, bool) {
	snap, ok := c.Device(imei)
	if !ok {
		return nil, false
	}
	return snap.Attribute(key)
}

// Attribute returns key's value. Unset optional values report false.
func (s Snapshot) Attribute(key string) (any, bool) {
	switch key {
	case AttrName:
		return s.Name, true
	case AttrIMEI:
		return s.IMEI, true
	case AttrSerial:
		return s.Serial, s.Serial != ""
	case AttrModel:
		model := s.Model()
		return model, model != ""
	case AttrSoftwareVersion:
		return s.SoftwareVersion, s.SoftwareVersion != ""
	case AttrState:
		return int(s.State), true
	case AttrStateName:
		return s.State.String(), true
	case AttrActivity:
		return string(s.Activity()), true
	case AttrWorking:
		return s.Working, true
	case AttrError:
		return s.ErrorCode, true
	case AttrProblem:
		return s.Problem(), true
	case AttrAvailable:
		return s.Available(), true
	case AttrLatitude:
		if s.Location == nil {
			return nil, false
		}
		return s.Location.Latitude, true
	case AttrLongitude:
		if s.Location == nil {
			return nil, false
		}
		return s.Location.Longitude, true
	case AttrConnected:
		return s.Connected, true
	case AttrLastCommunication:
		return timeAttr(s.LastCommunication)
	case AttrLastSeen:
		return timeAttr(s.LastSeen)
	case AttrLastPull:
		return timeAttr(s.LastPull)
	default:
		return nil, false
	}
}

// Attributes returns every set attribute, suitable for JSON or structpb.
func (s Snapshot) Attributes() map[string]any {
	out := make(map[string]any, len(attributeKeys))
	for _, key := range attributeKeys {
		if value, ok := s.Attribute(key); ok {
			out[key] = value
		}
	}
	return out
}

func timeAttr(t time.Time) (any, bool) {
	if t.IsZero() {
		return nil, false
	}
	return t.UTC().Format(time.RFC3339), true
}
