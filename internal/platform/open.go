package platform

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/internal/config"
)

// Open selects the binding named by cfg.Device. With DryRun set the chosen
// binding only observes and a DryRunDevice takes the input side.
func Open(logger *zap.Logger, cfg config.ActuatorConfig) (Device, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Device))
	switch name {
	case "", "auto":
		if os.Getenv("DISPLAY") == "" {
			logger.Warn("No DISPLAY set, falling back to the dry-run device.")
			return NewDryRunDevice(logger, nil), nil
		}
		name = "x11"
	}

	switch name {
	case "x11":
		x := NewX11Device(logger, ExecRunner{}, cfg.ActivateSettle)
		if cfg.DryRun {
			return NewDryRunDevice(logger, x), nil
		}
		return x, nil
	case "dryrun", "dry-run", "none":
		return NewDryRunDevice(logger, nil), nil
	default:
		return nil, fmt.Errorf("unknown actuator device %q", cfg.Device)
	}
}
