package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/agent"
	"github.com/xkilldash9x/deskpilot/internal/capture"
	"github.com/xkilldash9x/deskpilot/internal/observability"
)

// newWindowsCmd creates the `windows` command, which lists candidate targets.
func newWindowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "windows",
		Short: "List the windows that can be targeted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			device, err := openDevice(observability.GetLogger(), cfg.Actuator())
			if err != nil {
				return fmt.Errorf("failed to open actuator device: %w", err)
			}
			wins, err := device.ListWindows(cmd.Context())
			if err != nil {
				return err
			}
			for i, w := range wins {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d. %s\n", i+1, w)
			}
			return nil
		},
	}
}

// newScanCmd creates the `scan` command: a tiled sweep of one window, with
// an optional vision description of every distinct tile.
func newScanCmd(v *viper.Viper) *cobra.Command {
	var describe bool

	scanCmd := &cobra.Command{
		Use:   "scan <window>",
		Short: "Sweep a window in tiles and print a digest, or a description, per tile",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlag("capture.tile_size", cmd.Flags().Lookup("tile-size")); err != nil {
				return err
			}
			return v.BindPFlag("capture.tile_concurrency", cmd.Flags().Lookup("concurrency"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			captureCfg := cfg.Capture()
			if cmd.Flags().Changed("tile-size") {
				captureCfg.TileSize = v.GetInt("capture.tile_size")
			}
			if cmd.Flags().Changed("concurrency") {
				captureCfg.TileConcurrency = v.GetInt("capture.tile_concurrency")
			}

			device, err := openDevice(logger, cfg.Actuator())
			if err != nil {
				return fmt.Errorf("failed to open actuator device: %w", err)
			}
			region, err := pickWindow(ctx, device, args[0])
			if err != nil {
				return err
			}

			var fn capture.TileFunc
			if describe {
				router, err := newModelRouter(cfg.Router(), logger)
				if err != nil {
					return fmt.Errorf("failed to create model router: %w", err)
				}
				defer func() {
					if err := router.Close(); err != nil {
						logger.Warn("Error closing model backends", zap.Error(err))
					}
				}()
				fn = agent.DescribeTile(router)
			}

			// No capture loop runs in this process, so the sweep owns its lock.
			scanner := capture.NewTiledScanner(logger, captureCfg, device, capture.NewPerceptionLock())
			results, err := scanner.Scan(ctx, region, fn)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			printTiles(cmd.OutOrStdout(), region, results)
			return nil
		},
	}

	scanCmd.Flags().BoolVar(&describe, "describe", false, "Ask the vision role to describe each distinct tile.")
	scanCmd.Flags().Int("tile-size", 0, "Tile edge in pixels. (Overrides config/env)")
	scanCmd.Flags().Int("concurrency", 0, "Tiles analysed in parallel. (Overrides config/env)")
	return scanCmd
}

// pickWindow resolves a 1-based window index.
func pickWindow(ctx context.Context, lister schemas.WindowLister, arg string) (schemas.TargetRegion, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return schemas.TargetRegion{}, fmt.Errorf("window must be a number from the windows command, got %q", arg)
	}
	wins, err := lister.ListWindows(ctx)
	if err != nil {
		return schemas.TargetRegion{}, err
	}
	if n < 1 || n > len(wins) {
		return schemas.TargetRegion{}, fmt.Errorf("no window %d (%d available)", n, len(wins))
	}
	return wins[n-1], nil
}

func printTiles(out io.Writer, region schemas.TargetRegion, results []capture.TileResult) {
	fmt.Fprintf(out, "%s: %d tiles\n", region, len(results))
	for _, r := range results {
		t := r.Tile
		fmt.Fprintf(out, "#%-3d r%d c%d %dx%d+%d+%d %s",
			t.Index, t.Row, t.Col, t.Region.Width, t.Region.Height, t.Region.Left, t.Region.Top, t.Frame.Digest)
		switch {
		case r.Err != nil:
			fmt.Fprintf(out, "  error: %v\n", r.Err)
		case r.Output != "":
			fmt.Fprintf(out, "\n    %s\n", r.Output)
		default:
			fmt.Fprintln(out)
		}
	}
}
