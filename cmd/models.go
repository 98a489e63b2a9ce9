package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/internal/observability"
)

// newModelsCmd creates the `models` command, which resolves roles and prints
// the physical backend each one binds to.
func newModelsCmd() *cobra.Command {
	var timeout time.Duration

	modelsCmd := &cobra.Command{
		Use:   "models [roles...]",
		Short: "Resolve model roles and show which backend serves each",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			router, err := newModelRouter(cfg.Router(), logger)
			if err != nil {
				return fmt.Errorf("failed to create model router: %w", err)
			}
			defer func() {
				if err := router.Close(); err != nil {
					logger.Warn("Error closing model backends", zap.Error(err))
				}
			}()

			roles := args
			if len(roles) == 0 {
				roles = router.Roles()
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, role := range roles {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				res, err := router.Resolve(ctx, role)
				cancel()
				if err != nil {
					failed++
					fmt.Fprintf(out, "%-14s unavailable: %v\n", role, err)
					continue
				}
				line := fmt.Sprintf("%-14s %s (%s)", role, res.Backend.Identity(), res.Source.Kind)
				if res.FallbackFrom != "" {
					line += " via " + res.FallbackFrom
				}
				if res.Backend.SupportsImages() {
					line += " [vision]"
				}
				fmt.Fprintln(out, line)
			}
			if failed == len(roles) && failed > 0 {
				return fmt.Errorf("no role could be resolved")
			}
			return nil
		},
	}

	modelsCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-role resolution timeout.")
	return modelsCmd
}
