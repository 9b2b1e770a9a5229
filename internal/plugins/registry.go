package plugins

import (
	"github.com/joshp123/gohome-ambrogio/internal/config"
	"github.com/joshp123/gohome-ambrogio/internal/core"
	"go.uber.org/zap"
)

// Factory builds a plugin instance from the loaded config. The logger is
// already named for the plugin.
type Factory func(*config.Config, *zap.Logger) (core.Plugin, bool)

type entry struct {
	id      string
	factory Factory
}

var compiled []entry

// Register adds a compiled-in plugin factory to the registry.
func Register(id string, factory Factory) {
	compiled = append(compiled, entry{id: id, factory: factory})
}

// IDs lists the plugin ids compiled into this build.
func IDs() []string {
	out := make([]string, 0, len(compiled))
	for _, e := range compiled {
		out = append(out, e.id)
	}
	return out
}

// Compiled returns the configured plugin instances for this build.
func Compiled(cfg *config.Config, logger *zap.Logger) []core.Plugin {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]core.Plugin, 0, len(compiled))
	for _, e := range compiled {
		plugin, ok := e.factory(cfg, logger.Named(e.id))
		if !ok {
			continue
		}
		out = append(out, plugin)
	}
	return out
}
