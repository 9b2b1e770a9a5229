package ambrogio

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/joshp123/gohome-ambrogio/internal/rpcdesc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct error: %v", err)
	}
	return s
}

func TestServiceCommandResponse(t *testing.T) {
	c, cloud := readyCoordinator(t, testStart)
	s := &service{coordinator: c}

	resp, err := s.ChargeUntil(context.Background(), mustStruct(t, map[string]any{
		"imei": "123", "hours": 7, "minutes": 30, "weekday": 3,
	}))
	if err != nil {
		t.Fatalf("ChargeUntil error: %v", err)
	}
	command := resp.GetFields()["command"].GetStructValue().AsMap()
	if command["method"] != "charge_until" || command["sent"] != true || command["id"] == "" {
		t.Fatalf("unexpected command response: %v", command)
	}
	if _, ok := command["error"]; ok {
		t.Fatalf("unexpected error field: %v", command)
	}

	want := map[string]any{"hh": 7, "mm": 30, "weekday": 2}
	if diff := cmp.Diff(want, lastExec(t, cloud).params["params"]); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceKeepOutOptionalFields(t *testing.T) {
	c, cloud := readyCoordinator(t, testStart)
	s := &service{coordinator: c}

	_, err := s.KeepOut(context.Background(), mustStruct(t, map[string]any{
		"imei": "123", "latitude": 1.0, "longitude": 2.0, "radius": 5,
	}))
	if err != nil {
		t.Fatalf("KeepOut error: %v", err)
	}
	want := map[string]any{"latitude": 1.0, "longitude": 2.0, "radius": 5}
	if diff := cmp.Diff(want, lastExec(t, cloud).params["params"]); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceErrorCodes(t *testing.T) {
	c, _ := readyCoordinator(t, testStart)
	s := &service{coordinator: c}
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"missing imei", func() error {
			_, err := s.ChargeNow(ctx, mustStruct(t, map[string]any{}))
			return err
		}, codes.InvalidArgument},
		{"unknown mower", func() error {
			_, err := s.GetDevice(ctx, mustStruct(t, map[string]any{"imei": "999"}))
			return err
		}, codes.NotFound},
		{"unknown mower command", func() error {
			_, err := s.BorderCut(ctx, mustStruct(t, map[string]any{"imei": "999"}))
			return err
		}, codes.NotFound},
		{"fractional minutes", func() error {
			_, err := s.WorkFor(ctx, mustStruct(t, map[string]any{"imei": "123", "minutes": 1.5}))
			return err
		}, codes.InvalidArgument},
		{"missing minutes", func() error {
			_, err := s.ChargeFor(ctx, mustStruct(t, map[string]any{"imei": "123"}))
			return err
		}, codes.InvalidArgument},
		{"profile out of range", func() error {
			_, err := s.SetProfile(ctx, mustStruct(t, map[string]any{"imei": "123", "profile": 9}))
			return err
		}, codes.InvalidArgument},
		{"params not an object", func() error {
			_, err := s.CustomCommand(ctx, mustStruct(t, map[string]any{"imei": "123", "method": "x", "params": "y"}))
			return err
		}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		if got := status.Code(tt.call()); got != tt.want {
			t.Fatalf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestMapClientError(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{invalidArgument("bad"), codes.InvalidArgument},
		{ErrUnknownDevice, codes.NotFound},
		{&ReadinessTimeoutError{IMEI: "123", Attempts: 6}, codes.DeadlineExceeded},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{errors.Join(ErrAuthFailed, &AuthError{Status: 401}), codes.Unauthenticated},
		{&CommunicationError{Command: "thing.list", Status: 500}, codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(mapClientError("test", tt.err)); got != tt.want {
			t.Fatalf("%v: expected %s, got %s", tt.err, tt.want, got)
		}
	}
}

func TestServiceOverGRPC(t *testing.T) {
	c, _ := readyCoordinator(t, testStart)

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	if err := RegisterAmbrogioService(server, c); err != nil {
		t.Fatalf("RegisterAmbrogioService error: %v", err)
	}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	resp, err := rpcdesc.Invoke(context.Background(), conn, ServiceDescriptor, "ListDevices", nil)
	if err != nil {
		t.Fatalf("ListDevices error: %v", err)
	}
	devices := resp.GetFields()["devices"].GetListValue().GetValues()
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	first := devices[0].GetStructValue().AsMap()
	if first["imei"] != "123" || first["state_name"] != "charging" || first["raw_state"] != float64(1) {
		t.Fatalf("unexpected device: %v", first)
	}

	if _, err := rpcdesc.Invoke(context.Background(), conn, ServiceDescriptor, "WorkNow", mustStruct(t, map[string]any{"imei": "123"})); err != nil {
		t.Fatalf("WorkNow error: %v", err)
	}
	resp, err = rpcdesc.Invoke(context.Background(), conn, ServiceDescriptor, "ListCommands", mustStruct(t, map[string]any{"imei": "123"}))
	if err != nil {
		t.Fatalf("ListCommands error: %v", err)
	}
	commands := resp.GetFields()["commands"].GetListValue().GetValues()
	if len(commands) != 1 || commands[0].GetStructValue().GetFields()["method"].GetStringValue() != "work_now" {
		t.Fatalf("unexpected commands: %v", commands)
	}
}
