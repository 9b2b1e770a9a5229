package plugins

import (
	"github.com/joshp123/gohome-ambrogio/internal/config"
	"github.com/joshp123/gohome-ambrogio/internal/core"
	"github.com/joshp123/gohome-ambrogio/plugins/ambrogio"
	"go.uber.org/zap"
)

func init() {
	Register("ambrogio", func(cfg *config.Config, logger *zap.Logger) (core.Plugin, bool) {
		return ambrogio.NewPlugin(cfg.Ambrogio, logger)
	})
}
