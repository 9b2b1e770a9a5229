// Package rpcdesc describes unary gRPC services whose messages are all
// google.protobuf.Struct. Descriptors are registered with the global proto
// registry so server reflection and grpcurl can resolve them.
package rpcdesc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const structType = ".google.protobuf.Struct"

// Service names a gRPC service and its unary methods.
type Service struct {
	File    string
	Package string
	Name    string
	Methods []string
}

// FullName returns the fully qualified service name.
func (s Service) FullName() string {
	return s.Package + "." + s.Name
}

// MethodPath returns the wire path for a method, e.g. /pkg.Svc/Method.
func (s Service) MethodPath(method string) string {
	return "/" + s.FullName() + "/" + method
}

// Handler serves one unary method.
type Handler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

var registerMu sync.Mutex

// Register adds the service file descriptor to the global registry. It is
// safe to call more than once.
func Register(svc Service) error {
	registerMu.Lock()
	defer registerMu.Unlock()

	if _, err := protoregistry.GlobalFiles.FindFileByPath(svc.File); err == nil {
		return nil
	}

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(svc.Methods))
	for _, name := range svc.Methods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		})
	}

	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(svc.File),
		Package:    proto.String(svc.Package),
		Dependency: []string{(&structpb.Struct{}).ProtoReflect().Descriptor().ParentFile().Path()},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String(svc.Name),
			Method: methods,
		}},
	}

	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		return fmt.Errorf("build descriptor %s: %w", svc.File, err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		return fmt.Errorf("register descriptor %s: %w", svc.File, err)
	}
	return nil
}

// ServiceDesc builds a grpc.ServiceDesc for svc. Methods without a handler
// are left out.
func ServiceDesc(svc Service, handlers map[string]Handler) grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: svc.FullName(),
		HandlerType: (*any)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    svc.File,
	}
	for _, name := range svc.Methods {
		handler, ok := handlers[name]
		if !ok {
			continue
		}
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unary(svc.MethodPath(name), handler),
		})
	}
	return desc
}

// RegisterServer registers the descriptor and the service on server.
func RegisterServer(server *grpc.Server, svc Service, handlers map[string]Handler) error {
	if err := Register(svc); err != nil {
		return err
	}
	desc := ServiceDesc(svc, handlers)
	server.RegisterService(&desc, struct{}{})
	return nil
}

// Invoke calls a unary method on conn.
func Invoke(ctx context.Context, conn grpc.ClientConnInterface, svc Service, method string, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, svc.MethodPath(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func unary(fullMethod string, h Handler) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return h(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h(ctx, req.(*structpb.Struct))
		})
	}
}
