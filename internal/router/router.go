package router

import (
	"google.golang.org/grpc"

	"github.com/joshp123/gohome-ambrogio/internal/core"
)

// RegisterPlugins registers plugin services and core services on the gRPC server.
func RegisterPlugins(server *grpc.Server, plugins []core.Plugin) error {
	if err := core.NewRegistryService(plugins).Register(server); err != nil {
		return err
	}

	for _, p := range plugins {
		p.RegisterGRPC(server)
	}
	return nil
}
