package ambrogio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/joshp123/gohome-ambrogio/internal/rpcdesc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceDescriptor is the mower control service.
var ServiceDescriptor = rpcdesc.Service{
	File:    "gohome/plugins/ambrogio/v1/ambrogio.proto",
	Package: "gohome.plugins.ambrogio.v1",
	Name:    "AmbrogioService",
	Methods: []string{
		"ListDevices",
		"GetDevice",
		"Refresh",
		"WakeUp",
		"SetProfile",
		"WorkNow",
		"WorkFor",
		"WorkUntil",
		"BorderCut",
		"ChargeNow",
		"ChargeFor",
		"ChargeUntil",
		"TracePosition",
		"KeepOut",
		"CustomCommand",
		"ListCommands",
	},
}

type service struct {
	coordinator *Coordinator
}

func RegisterAmbrogioService(server *grpc.Server, coordinator *Coordinator) error {
	s := &service{coordinator: coordinator}
	return rpcdesc.RegisterServer(server, ServiceDescriptor, s.handlers())
}

func (s *service) handlers() map[string]rpcdesc.Handler {
	return map[string]rpcdesc.Handler{
		"ListDevices":   s.ListDevices,
		"GetDevice":     s.GetDevice,
		"Refresh":       s.Refresh,
		"WakeUp":        s.WakeUp,
		"SetProfile":    s.SetProfile,
		"WorkNow":       s.WorkNow,
		"WorkFor":       s.WorkFor,
		"WorkUntil":     s.WorkUntil,
		"BorderCut":     s.BorderCut,
		"ChargeNow":     s.ChargeNow,
		"ChargeFor":     s.ChargeFor,
		"ChargeUntil":   s.ChargeUntil,
		"TracePosition": s.TracePosition,
		"KeepOut":       s.KeepOut,
		"CustomCommand": s.CustomCommand,
		"ListCommands":  s.ListCommands,
	}
}

func (s *service) ListDevices(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.coordinator == nil {
		return nil, status.Error(codes.FailedPrecondition, "ambrogio coordinator not configured")
	}
	return devicesStruct(s.coordinator.Devices())
}

func (s *service) GetDevice(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	imei, err := s.requireDevice(req)
	if err != nil {
		return nil, err
	}
	snap, ok := s.coordinator.Device(imei)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown mower %s", imei)
	}
	return structpb.NewStruct(map[string]any{"device": deviceMap(snap)})
}

// Refresh runs a fleet refresh, or a single-device fetch when imei is set.
func (s *service) Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coordinator == nil {
		return nil, status.Error(codes.FailedPrecondition, "ambrogio coordinator not configured")
	}
	if imei := stringField(req, "imei"); imei != "" {
		if _, err := s.coordinator.RefreshDevice(ctx, imei); err != nil {
			return nil, mapClientError("refresh", err)
		}
	} else if err := s.coordinator.Refresh(ctx); err != nil {
		return nil, mapClientError("refresh", err)
	}
	return devicesStruct(s.coordinator.Devices())
}

func (s *service) WakeUp(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.command(req, "wake up", func(imei string) (CommandRecord, error) {
		return s.coordinator.WakeUp(ctx, imei)
	})
}

func (s *service) SetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	profile, err := requiredInt(req, "profile")
	if err != nil {
		return nil, err
	}
	return s.command(req, "set profile", func(imei string) (CommandRecord, error) {
		return s.coordinator.SetProfile(ctx, imei, profile)
	})
}

func (s *service) WorkNow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	area, err := optionalInt(req, "area")
	if err != nil {
		return nil, err
	}
	return s.command(req, "work now", func(imei string) (CommandRecord, error) {
		return s.coordinator.WorkNow(ctx, imei, area)
	})
}

func (s *service) WorkFor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	minutes, err := requiredInt(req, "minutes")
	if err != nil {
		return nil, err
	}
	area, err := optionalInt(req, "area")
	if err != nil {
		return nil, err
	}
	return s.command(req, "work for", func(imei string) (CommandRecord, error) {
		return s.coordinator.WorkFor(ctx, imei, minutes, area)
	})
}

func (s *service) WorkUntil(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	hours, err := requiredInt(req, "hours")
	if err != nil {
		return nil, err
	}
	minutes, err := requiredInt(req, "minutes")
	if err != nil {
		return nil, err
	}
	area, err := optionalInt(req, "area")
	if err != nil {
		return nil, err
	}
	return s.command(req, "work until", func(imei string) (CommandRecord, error) {
		return s.coordinator.WorkUntil(ctx, imei, hours, minutes, area)
	})
}

func (s *service) BorderCut(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.command(req, "border cut", func(imei string) (CommandRecord, error) {
		return s.coordinator.BorderCut(ctx, imei)
	})
}

func (s *service) ChargeNow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.command(req, "charge now", func(imei string) (CommandRecord, error) {
		return s.coordinator.ChargeNow(ctx, imei)
	})
}

func (s *service) ChargeFor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	minutes, err := requiredInt(req, "minutes")
	if err != nil {
		return nil, err
	}
	return s.command(req, "charge for", func(imei string) (CommandRecord, error) {
		return s.coordinator.ChargeFor(ctx, imei, minutes)
	})
}

func (s *service) ChargeUntil(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	hours, err := requiredInt(req, "hours")
	if err != nil {
		return nil, err
	}
	minutes, err := requiredInt(req, "minutes")
	if err != nil {
		return nil, err
	}
	weekday, err := requiredInt(req, "weekday")
	if err != nil {
		return nil, err
	}
	return s.command(req, "charge until", func(imei string) (CommandRecord, error) {
		return s.coordinator.ChargeUntil(ctx, imei, hours, minutes, weekday)
	})
}

func (s *service) TracePosition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.command(req, "trace position", func(imei string) (CommandRecord, error) {
		return s.coordinator.TracePosition(ctx, imei)
	})
}

func (s *service) KeepOut(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var zone KeepOutZone
	var err error
	if zone.Latitude, err = requiredFloat(req, "latitude"); err != nil {
		return nil, err
	}
	if zone.Longitude, err = requiredFloat(req, "longitude"); err != nil {
		return nil, err
	}
	if zone.Radius, err = optionalInt(req, "radius"); err != nil {
		return nil, err
	}
	if zone.Hours, err = optionalInt(req, "hours"); err != nil {
		return nil, err
	}
	if zone.Minutes, err = optionalInt(req, "minutes"); err != nil {
		return nil, err
	}
	if zone.Index, err = optionalInt(req, "index"); err != nil {
		return nil, err
	}
	return s.command(req, "keep out", func(imei string) (CommandRecord, error) {
		return s.coordinator.KeepOut(ctx, imei, zone)
	})
}

func (s *service) CustomCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	method := stringField(req, "method")
	if method == "" {
		return nil, status.Error(codes.InvalidArgument, "method is required")
	}
	var params map[string]any
	if value, ok := req.GetFields()["params"]; ok {
		nested := value.GetStructValue()
		if nested == nil {
			return nil, status.Error(codes.InvalidArgument, "params must be an object")
		}
		params = nested.AsMap()
	}
	return s.command(req, "custom command", func(imei string) (CommandRecord, error) {
		return s.coordinator.CustomCommand(ctx, imei, method, params)
	})
}

func (s *service) ListCommands(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coordinator == nil {
		return nil, status.Error(codes.FailedPrecondition, "ambrogio coordinator not configured")
	}
	commands := make([]any, 0)
	for _, rec := range s.coordinator.RecentCommands(stringField(req, "imei")) {
		commands = append(commands, commandMap(rec))
	}
	return structpb.NewStruct(map[string]any{"commands": commands})
}

func (s *service) command(req *structpb.Struct, action string, fn func(imei string) (CommandRecord, error)) (*structpb.Struct, error) {
	imei, err := s.requireDevice(req)
	if err != nil {
		return nil, err
	}
	rec, err := fn(imei)
	if err != nil {
		return nil, mapClientError(action, err)
	}
	return structpb.NewStruct(map[string]any{"command": commandMap(rec)})
}

func (s *service) requireDevice(req *structpb.Struct) (string, error) {
	if s.coordinator == nil {
		return "", status.Error(codes.FailedPrecondition, "ambrogio coordinator not configured")
	}
	imei := stringField(req, "imei")
	if imei == "" {
		return "", status.Error(codes.InvalidArgument, "imei is required")
	}
	return imei, nil
}

func mapClientError(action string, err error) error {
	var timeout *ReadinessTimeoutError
	var authErr *AuthError
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return status.Errorf(codes.InvalidArgument, "%s: %v", action, err)
	case errors.Is(err, ErrUnknownDevice):
		return status.Errorf(codes.NotFound, "%s: %v", action, err)
	case errors.As(err, &timeout):
		return status.Errorf(codes.DeadlineExceeded, "%s: %v", action, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	case errors.Is(err, ErrAuthFailed), errors.As(err, &authErr):
		return status.Errorf(codes.Unauthenticated, "%s: %v", action, err)
	default:
		return status.Errorf(codes.Internal, "%s: %v", action, err)
	}
}

func devicesStruct(snapshots []Snapshot) (*structpb.Struct, error) {
	devices := make([]any, 0, len(snapshots))
	for _, snap := range snapshots {
		devices = append(devices, deviceMap(snap))
	}
	return structpb.NewStruct(map[string]any{"devices": devices})
}

func deviceMap(snap Snapshot) map[string]any {
	out := snap.Attributes()
	out["raw_state"] = snap.RawState
	return out
}

func commandMap(rec CommandRecord) map[string]any {
	out := map[string]any{
		"id":      rec.ID,
		"imei":    rec.IMEI,
		"method":  rec.Method,
		"sent":    rec.Sent,
		"sent_at": rec.SentAt.UTC().Format(time.RFC3339),
	}
	if rec.Params != nil {
		out["params"] = rec.Params
	}
	if rec.Err != nil {
		out["error"] = rec.Err.Error()
	}
	return out
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func requiredInt(req *structpb.Struct, key string) (int, error) {
	value, err := optionalInt(req, key)
	if err != nil {
		return 0, err
	}
	if value == nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return *value, nil
}

func optionalInt(req *structpb.Struct, key string) (*int, error) {
	value, ok := req.GetFields()[key]
	if !ok {
		return nil, nil
	}
	if _, isNull := value.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	number, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok || number.NumberValue != math.Trunc(number.NumberValue) {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
	}
	out := int(number.NumberValue)
	return &out, nil
}

func requiredFloat(req *structpb.Struct, key string) (float64, error) {
	value, ok := req.GetFields()[key]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	number, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Error(codes.InvalidArgument, fmt.Sprintf("%s must be a number", key))
	}
	return number.NumberValue, nil
}
