package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/agent"
	"github.com/xkilldash9x/deskpilot/internal/observability"
)

const promptText = "deskpilot > "

// newRunCmd creates the `run` command: the capture loop, autonomy loop and
// pointer telemetry in the background, with an operator prompt in front.
func newRunCmd(v *viper.Viper) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the desktop agent with an interactive operator prompt",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlag("actuator.dry_run", cmd.Flags().Lookup("dry-run")); err != nil {
				return err
			}
			if err := v.BindPFlag("actuator.device", cmd.Flags().Lookup("device")); err != nil {
				return err
			}
			if err := v.BindPFlag("capture.fps", cmd.Flags().Lookup("fps")); err != nil {
				return err
			}
			return v.BindPFlag("knowledge.enabled", cmd.Flags().Lookup("knowledge"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			// Flags are bound after PersistentPreRunE decoded the config.
			if cmd.Flags().Changed("dry-run") {
				cfg.SetActuatorDryRun(v.GetBool("actuator.dry_run"))
			}
			if cmd.Flags().Changed("device") {
				cfg.SetActuatorDevice(v.GetString("actuator.device"))
			}
			if cmd.Flags().Changed("fps") {
				cfg.SetCaptureFPS(v.GetFloat64("capture.fps"))
			}
			if cmd.Flags().Changed("knowledge") {
				cfg.SetKnowledgeEnabled(v.GetBool("knowledge.enabled"))
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger := observability.GetLogger()
			rc, err := initializeRuntime(cmd.Context(), cfg, logger)
			defer rc.Shutdown(logger)
			if err != nil {
				return fmt.Errorf("failed to initialize runtime: %w", err)
			}

			return serve(cmd.Context(), rc, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}

	runCmd.Flags().Bool("dry-run", false, "Log input actions instead of performing them. (Overrides config/env)")
	runCmd.Flags().String("device", "", "Desktop binding: x11, dryrun or auto. (Overrides config/env)")
	runCmd.Flags().Float64("fps", 0, "Capture frame rate. (Overrides config/env)")
	runCmd.Flags().Bool("knowledge", false, "Persist rewarded actions to the knowledge store. (Overrides config/env)")
	return runCmd
}

// console serializes writes from the prompt and the event printer.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, promptText)
}

// serve runs the background loops and the operator prompt until the input
// ends, the operator types exit, or ctx is cancelled.
func serve(ctx context.Context, rc *runtimeComponents, in io.Reader, out io.Writer, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	con := &console{out: out}
	events, unsubscribe := rc.Bus.Subscribe(consoleEvents...)
	defer unsubscribe()

	if err := rc.Capture.Start(ctx); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rc.Controller.Run(gctx) })
	g.Go(func() error {
		rc.Pointer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if line := formatEvent(ev); line != "" {
					con.println(line)
				}
			}
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("Error reading operator input", zap.Error(err))
		}
	}()

	con.println("Type /help for commands, exit to quit.")
	con.prompt()
loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			line = strings.TrimSpace(line)
			if line == "exit" || line == "quit" {
				break loop
			}
			if line != "" {
				con.println(rc.Commander.Handle(gctx, line))
			}
			con.prompt()
		}
	}

	cancel()
	rc.Capture.Stop()
	err := g.Wait()
	flushEvents(con, events)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// flushEvents prints whatever the printer had not consumed before shutdown.
func flushEvents(con *console, events <-chan agent.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if line := formatEvent(ev); line != "" {
				con.println(line)
			}
		default:
			return
		}
	}
}

// formatEvent renders a bus event as one console line.
func formatEvent(ev agent.Event) string {
	p := ev.Payload
	switch ev.Type {
	case schemas.EventThoughtLog:
		return fmt.Sprintf("[thought] %v", p["text"])
	case schemas.EventVisualLog:
		return fmt.Sprintf("[vision] %v", p["text"])
	case schemas.EventStateChange:
		return fmt.Sprintf("[state] %v -> %v (%v)", p["from"], p["to"], p["reason"])
	case schemas.EventSessionSummary:
		return fmt.Sprintf("[session] %v ended (%v): %v actions, %v rewarded, %v throttled",
			p["session_id"], p["reason"], p["action_count"], p["rewards"], p["throttled"])
	case schemas.EventBackpressure:
		return fmt.Sprintf("[budget] %v: dropped %v actions", p["code"], p["dropped"])
	case schemas.EventActionOutcome:
		return fmt.Sprintf("[action] %v -> %v", p["action"], p["outcome"])
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return fmt.Sprintf("[%s] %s", ev.Type, strings.Join(parts, " "))
}
