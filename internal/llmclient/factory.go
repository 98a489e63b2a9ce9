package llmclient

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/internal/config"
)

// NewClient builds a Router with the stock locators for every source kind.
func NewClient(cfg config.RouterConfig, logger *zap.Logger) (*Router, error) {
	return NewRouter(logger, cfg,
		NewDaemonLocator(logger, cfg.Daemon),
		NewWeightsLocator(logger, cfg.Weights, nil),
		NewCloudLocator(logger, cfg.Cloud),
	)
}
