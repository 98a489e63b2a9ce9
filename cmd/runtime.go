package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/agent"
	"github.com/xkilldash9x/deskpilot/internal/capture"
	"github.com/xkilldash9x/deskpilot/internal/config"
	"github.com/xkilldash9x/deskpilot/internal/humanoid"
	"github.com/xkilldash9x/deskpilot/internal/llmclient"
	"github.com/xkilldash9x/deskpilot/internal/platform"
	"github.com/xkilldash9x/deskpilot/internal/store"
)

// Function variables so tests can substitute the desktop and the store.
var (
	openDevice     = platform.Open
	connectStore   = store.Connect
	newModelRouter = llmclient.NewClient
)

// runtimeComponents holds the initialized services of one deskpilot process.
type runtimeComponents struct {
	Device     platform.Device
	Router     *llmclient.Router
	Bus        *agent.EventBus
	Capture    *capture.Service
	Actuator   *agent.Actuator
	Controller *agent.Controller
	Commander  *agent.Commander
	Pointer    *agent.PointerTelemetry
	Transcript *agent.Transcript
	Store      *store.Store

	closeStore func()
}

// Shutdown releases every component in reverse order of construction.
func (rc *runtimeComponents) Shutdown(logger *zap.Logger) {
	if rc.Controller != nil {
		rc.Controller.Shutdown()
	}
	if rc.Capture != nil {
		rc.Capture.Stop()
	}
	if rc.Router != nil {
		if err := rc.Router.Close(); err != nil {
			logger.Warn("Error closing model backends", zap.Error(err))
		}
	}
	if rc.Transcript != nil {
		if err := rc.Transcript.Close(); err != nil {
			logger.Warn("Error closing transcript", zap.Error(err))
		}
	}
	if rc.closeStore != nil {
		rc.closeStore()
	}
	if rc.Bus != nil {
		rc.Bus.Shutdown()
	}
}

func humanoidConfig(cfg config.ActuatorConfig) humanoid.Config {
	h := humanoid.DefaultConfig()
	if cfg.FittsA > 0 {
		h.FittsA = cfg.FittsA
	}
	if cfg.FittsB > 0 {
		h.FittsB = cfg.FittsB
	}
	return h
}

// initializeRuntime handles dependency injection for the run command.
func initializeRuntime(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*runtimeComponents, error) {
	rc := &runtimeComponents{}

	device, err := openDevice(logger, cfg.Actuator())
	if err != nil {
		return rc, fmt.Errorf("failed to open actuator device: %w", err)
	}
	rc.Device = device

	router, err := newModelRouter(cfg.Router(), logger)
	if err != nil {
		return rc, fmt.Errorf("failed to create model router: %w", err)
	}
	rc.Router = router

	rc.Bus = agent.NewEventBus(logger, cfg.Events().BufferSize)
	rc.Capture = capture.NewService(logger, cfg.Capture(), device, capture.NewPerceptionLock(), rc.Bus)

	var h *humanoid.Humanoid
	if cfg.Actuator().Humanize {
		h = humanoid.New(humanoidConfig(cfg.Actuator()), logger)
	}
	rc.Actuator = agent.NewActuator(logger, cfg.Actuator(), device, h, device.Strategies()...)

	auto := cfg.Autonomy()
	rc.Transcript = agent.NewTranscript(logger, auto.TranscriptFile)

	deps := agent.Dependencies{
		Frames:     rc.Capture,
		Router:     router,
		Executor:   rc.Actuator,
		State:      agent.NewStateStore(logger, auto.StateFile, agent.DefaultCognitiveState(auto.DefaultPower, auto.Budget.Aggressiveness)),
		Memory:     agent.NewWindowMemory(logger, auto.KnowledgeFile),
		Sink:       rc.Bus,
		Transcript: rc.Transcript,
		Windows:    device,
		Scanner:    capture.NewTiledScanner(logger, cfg.Capture(), device, rc.Capture.Lock()),
	}

	if kc := cfg.Knowledge(); kc.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		s, closeFn, err := connectStore(connectCtx, kc.DSN, kc.Table, logger)
		cancel()
		if err != nil {
			return rc, fmt.Errorf("failed to connect knowledge store: %w", err)
		}
		rc.Store, rc.closeStore = s, closeFn
		if err := s.EnsureSchema(ctx); err != nil {
			return rc, err
		}
		deps.Knowledge = s
	}

	scrollStep := cfg.Actuator().ScrollStep
	rc.Controller = agent.NewController(logger, auto, scrollStep, deps)
	rc.Commander = agent.NewCommander(logger, auto, scrollStep, rc.Controller, deps)
	rc.Pointer = agent.NewPointerTelemetry(logger, device, rc.Bus, cfg.Actuator().PointerHz)
	return rc, nil
}

// consoleEvents lists the bus events echoed to the operator's terminal.
var consoleEvents = []schemas.EventType{
	schemas.EventThoughtLog,
	schemas.EventVisualLog,
	schemas.EventStateChange,
	schemas.EventSessionSummary,
	schemas.EventBackpressure,
	schemas.EventActionOutcome,
}
