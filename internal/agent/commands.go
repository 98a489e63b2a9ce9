package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/capture"
	"github.com/xkilldash9x/deskpilot/internal/config"
	"github.com/xkilldash9x/deskpilot/internal/llmclient"
)

// maxFileChars bounds what /leer injects into the chat context.
const maxFileChars = 4000

const helpText = `Commands:
  /ventana [N]        list windows, or select window N as the target
  /actua [secs|stop]  start autonomy (default 30s, 5..300) or stop it
  /gamer              toggle gamer mode (forced frames, short interval)
  /cortex <order>     one-shot vision command executed immediately
  /scan [describe]    tiled sweep of the target, optionally described by vision
  /status             show state, session, budget and capture stats
  /power <1-10>       set the power level (tick pacing)
  /aggr <1-5>         set aggressiveness (action budget refill)
  /mood <text>        set the mood used in decision prompts
  /strategy <text>    set the strategy used in decision prompts
  /leer <file>        read a file into the chat context
  anything else       chat (vision-assisted when a target is set)`

// Commander handles operator input: slash commands and chat turns.
type Commander struct {
	logger     *zap.Logger
	cfg        config.AutonomyConfig
	ctrl       *Controller
	router     ModelRouter
	executor   ActionExecutor
	frames     FrameSource
	windows    schemas.WindowLister
	scanner    TileScanner
	decoder    *Decoder
	transcript *Transcript
	readFile   func(string) ([]byte, error)

	mu      sync.Mutex
	history []schemas.Message
	listed  []schemas.TargetRegion
}

// NewCommander creates the operator input handler on top of ctrl.
func NewCommander(logger *zap.Logger, cfg config.AutonomyConfig, scrollStep int, ctrl *Controller, deps Dependencies) *Commander {
	if cfg.ChatHistory <= 0 {
		cfg.ChatHistory = 10
	}
	return &Commander{
		logger:     logger.Named("commander"),
		cfg:        cfg,
		ctrl:       ctrl,
		router:     deps.Router,
		executor:   deps.Executor,
		frames:     deps.Frames,
		windows:    deps.Windows,
		scanner:    deps.Scanner,
		decoder:    NewDecoder(logger, scrollStep),
		transcript: deps.Transcript,
		readFile:   os.ReadFile,
	}
}

// Handle processes one line of operator input and returns the reply.
func (c *Commander) Handle(ctx context.Context, input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	c.transcript.Log("user", input)
	reply := c.handle(ctx, input)
	if reply != "" {
		c.transcript.Log("assistant", reply)
	}
	return reply
}

func (c *Commander) handle(ctx context.Context, input string) string {
	name, arg := splitCommand(input)

	// Stopping never waits for a running tick.
	if name == "/actua" && strings.EqualFold(arg, "stop") {
		c.ctrl.Stop("stopped by operator")
		return "Autonomy stopped."
	}

	if c.ctrl.State() == StatePaused {
		if name == "" {
			c.ctrl.Resume(input)
			return "Resuming autonomy with your guidance."
		}
		c.ctrl.Resume("")
	}

	switch name {
	case "":
		return c.chat(ctx, input)
	case "/help", "/ayuda":
		return helpText
	case "/actua":
		return c.activate(arg)
	case "/gamer":
		st := c.ctrl.Cognitive().Update("gamer", func(s *CognitiveState) { s.GamerMode = !s.GamerMode })
		if st.GamerMode {
			return fmt.Sprintf("Gamer mode ON: frames forced every tick, interval %s.", c.ctrl.Interval())
		}
		return fmt.Sprintf("Gamer mode OFF: interval %s.", c.ctrl.Interval())
	case "/cortex":
		return c.cortex(ctx, arg)
	case "/scan":
		return c.scan(ctx, arg)
	case "/ventana":
		return c.window(ctx, arg)
	case "/status":
		return FormatStatus(c.ctrl.Status())
	case "/power":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > 10 {
			return "Usage: /power <1-10>"
		}
		c.ctrl.Cognitive().Update("power", func(s *CognitiveState) { s.PowerLevel = n })
		return fmt.Sprintf("Power level %d, tick interval %s.", n, c.ctrl.Interval())
	case "/aggr":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > 5 {
			return "Usage: /aggr <1-5>"
		}
		c.ctrl.Cognitive().Update("aggressiveness", func(s *CognitiveState) { s.Aggressiveness = n })
		c.ctrl.Budget().SetAggressiveness(n)
		return fmt.Sprintf("Aggressiveness %d, refill %.2f actions/s.", n, c.ctrl.Budget().RefillRate())
	case "/mood":
		if arg == "" {
			return "Mood: " + c.ctrl.Cognitive().Get().Mood
		}
		c.ctrl.Cognitive().Update("mood", func(s *CognitiveState) { s.Mood = arg })
		return "Mood set to " + arg + "."
	case "/strategy":
		if arg == "" {
			return "Strategy: " + c.ctrl.Cognitive().Get().Strategy
		}
		c.ctrl.Cognitive().Update("strategy", func(s *CognitiveState) { s.Strategy = arg })
		return "Strategy set to " + arg + "."
	case "/leer":
		return c.read(arg)
	}
	return fmt.Sprintf("Unknown command %s. Try /help.", name)
}

func splitCommand(input string) (string, string) {
	if !strings.HasPrefix(input, "/") {
		return "", input
	}
	name, arg, _ := strings.Cut(input, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

func (c *Commander) activate(arg string) string {
	var d time.Duration
	if arg != "" {
		secs, err := strconv.Atoi(strings.TrimSuffix(arg, "s"))
		if err != nil {
			return "Usage: /actua [seconds|stop]"
		}
		d = time.Duration(secs) * time.Second
	}
	sess, err := c.ctrl.Activate(d, "")
	if err != nil {
		if errors.Is(err, ErrNoTarget) {
			return "No target selected. Use /ventana first."
		}
		return "Could not start autonomy: " + err.Error()
	}
	return fmt.Sprintf("Autonomy active for %s (session %s).", sess.Deadline.Sub(sess.StartedAt), sess.ID)
}

func (c *Commander) window(ctx context.Context, arg string) string {
	if c.windows == nil {
		return "Window listing is not available on this platform."
	}
	if arg == "" {
		wins, err := c.windows.ListWindows(ctx)
		if err != nil {
			return "Could not list windows: " + err.Error()
		}
		c.mu.Lock()
		c.listed = wins
		c.mu.Unlock()
		if len(wins) == 0 {
			return "No windows found."
		}
		var b strings.Builder
		b.WriteString("Windows:")
		for i, w := range wins {
			fmt.Fprintf(&b, "\n  %d. %s", i+1, w)
		}
		return b.String()
	}

	n, err := strconv.Atoi(arg)
	if err != nil {
		return "Usage: /ventana [N]"
	}
	c.mu.Lock()
	listed := c.listed
	c.mu.Unlock()
	if len(listed) == 0 {
		if listed, err = c.windows.ListWindows(ctx); err != nil {
			return "Could not list windows: " + err.Error()
		}
	}
	if n < 1 || n > len(listed) {
		return fmt.Sprintf("No window %d. Use /ventana to list them.", n)
	}
	if err := c.ctrl.SetTarget(listed[n-1]); err != nil {
		return "Could not select window: " + err.Error()
	}
	return "Target set to " + listed[n-1].String() + "."
}

func (c *Commander) read(arg string) string {
	if arg == "" {
		return "Usage: /leer <file>"
	}
	raw, err := c.readFile(arg)
	if err != nil {
		return "Could not read file: " + err.Error()
	}
	content := string(raw)
	if r := []rune(content); len(r) > maxFileChars {
		content = string(r[:maxFileChars])
	}
	c.remember(schemas.Message{
		Role:    schemas.RoleUser,
		Content: fmt.Sprintf("[SYSTEM] Contents of %s:\n%s", filepath.Base(arg), content),
	})
	return fmt.Sprintf("Read %d characters from %s into the conversation.", len([]rune(content)), filepath.Base(arg))
}

// scan sweeps the target in tiles. The capture loop skips its ticks while the
// sweep holds the perception lock.
func (c *Commander) scan(ctx context.Context, arg string) string {
	if c.scanner == nil {
		return "Tiled scanning is not available."
	}
	var fn capture.TileFunc
	switch strings.ToLower(arg) {
	case "":
	case "describe", "describir":
		fn = DescribeTile(c.router)
	default:
		return "Usage: /scan [describe]"
	}
	target, ok := c.ctrl.Target()
	if !ok {
		return "No target selected. Use /ventana first."
	}

	results, err := c.scanner.Scan(ctx, target, fn)
	if err != nil {
		return fmt.Sprintf("Scan failed: %v", err)
	}
	distinct := make(map[capture.Digest]struct{}, len(results))
	for _, r := range results {
		distinct[r.Tile.Frame.Digest] = struct{}{}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Scanned %s: %d tiles, %d distinct.", target.Label, len(results), len(distinct))
	for _, r := range results {
		t := r.Tile
		switch {
		case r.Err != nil:
			fmt.Fprintf(&b, "\n#%d r%d c%d error: %v", t.Index, t.Row, t.Col, r.Err)
		case r.Output != "":
			fmt.Fprintf(&b, "\n#%d r%d c%d %s", t.Index, t.Row, t.Col, strings.TrimSpace(r.Output))
		}
	}
	return b.String()
}

// DescribeTile sends each tile to the vision role. Tagged router output is
// reported as a tile error.
func DescribeTile(router ModelRouter) capture.TileFunc {
	return func(ctx context.Context, tile capture.Tile, image string) (string, error) {
		out := router.Dispatch(ctx, llmclient.DispatchRequest{
			Role:   router.VisionRole(),
			Prompt: tilePrompt,
			Images: []string{image},
		})
		if llmclient.IsTagged(out) {
			return "", fmt.Errorf("tile %d: %s", tile.Index, out)
		}
		return out, nil
	}
}

// cortex sends a one-shot order with the current frame and executes whatever
// actions come back.
func (c *Commander) cortex(ctx context.Context, order string) string {
	if order == "" {
		return "Usage: /cortex <order>"
	}
	target, ok := c.ctrl.Target()
	if !ok {
		return "No target selected. Use /ventana first."
	}
	frame, _ := c.frames.LatestFrame(true)
	if frame == nil {
		return "No frame captured yet."
	}

	var reply string
	c.ctrl.Exclusive(func() {
		c.ctrl.rearm()
		out := c.router.Dispatch(ctx, llmclient.DispatchRequest{
			Role:         c.router.VisionRole(),
			Prompt:       cortexPrompt(order, frame.Width, frame.Height),
			SystemPrompt: cortexSystemPrompt,
			Images:       []string{frame.Base64()},
			Interrupt:    c.ctrl,
		})
		if llmclient.IsTagged(out) {
			reply = out
			return
		}
		actions := c.decoder.Decode(out)
		if len(actions) == 0 {
			reply = "No action decoded from: " + out
			return
		}
		reply = c.execute(ctx, actions, target)
	})
	return reply
}

// chat runs a conversational turn over the recent history.
func (c *Commander) chat(ctx context.Context, text string) string {
	target, hasTarget := c.ctrl.Target()
	req := llmclient.DispatchRequest{
		Role:         c.router.DefaultRole(),
		Prompt:       text,
		SystemPrompt: chatSystemPrompt,
		Context:      c.recent(),
		Interrupt:    c.ctrl,
	}
	if hasTarget && c.frames != nil {
		if frame, _ := c.frames.LatestFrame(true); frame != nil {
			req.Role = c.router.VisionRole()
			req.SystemPrompt = visionChatSystem
			req.Images = []string{frame.Base64()}
		}
	}

	var reply string
	c.ctrl.Exclusive(func() {
		c.ctrl.rearm()
		reply = c.router.Dispatch(ctx, req)
		if llmclient.IsTagged(reply) {
			return
		}
		var actions []schemas.ActionCommand
		if hasTarget {
			actions = c.decoder.Decode(reply)
		}
		if len(actions) > 0 {
			executed := c.execute(ctx, actions, target)
			reply += "\n\n[SYSTEM] Executed: " + executed
		}
	})

	c.remember(schemas.Message{Role: schemas.RoleUser, Content: text})
	if !llmclient.IsTagged(reply) {
		c.remember(schemas.Message{Role: schemas.RoleAssistant, Content: reply})
	}
	return reply
}

// execute runs actions in order, stopping at the first interrupt.
func (c *Commander) execute(ctx context.Context, actions []schemas.ActionCommand, target schemas.TargetRegion) string {
	parts := make([]string, 0, len(actions))
	for _, cmd := range actions {
		if c.ctrl.Interrupted() {
			parts = append(parts, cmd.String()+" -> skipped: interrupted")
			break
		}
		parts = append(parts, cmd.String()+" -> "+c.executor.Execute(ctx, cmd, target))
	}
	c.logger.Debug("Foreground actions executed.", zap.Strings("outcomes", parts))
	return strings.Join(parts, "; ")
}

func (c *Commander) remember(m schemas.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
	if over := len(c.history) - c.cfg.ChatHistory; over > 0 {
		c.history = append([]schemas.Message(nil), c.history[over:]...)
	}
}

func (c *Commander) recent() []schemas.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schemas.Message(nil), c.history...)
}

// History returns a copy of the chat context window.
func (c *Commander) History() []schemas.Message { return c.recent() }

// FormatStatus renders a status snapshot for the operator.
func FormatStatus(st Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", st.State)
	if st.Target.IsZero() {
		b.WriteString("Target: none\n")
	} else {
		fmt.Fprintf(&b, "Target: %s\n", st.Target)
	}
	if st.Session != nil {
		fmt.Fprintf(&b, "Session: %s, %d actions, %d rewards, %d throttled, deadline %s\n",
			st.Session.ID, st.Session.ActionCount, st.Session.Rewards, st.Session.Throttled,
			st.Session.Deadline.Format(time.TimeOnly))
		if st.Session.LastAction != "" {
			fmt.Fprintf(&b, "Last action: %s\n", st.Session.LastAction)
		}
	}
	if st.Question != "" {
		fmt.Fprintf(&b, "Waiting for you: %s\n", st.Question)
	}
	cs := st.Cognitive
	fmt.Fprintf(&b, "Power %d, aggressiveness %d, gamer %t, interval %s\n", cs.PowerLevel, cs.Aggressiveness, cs.GamerMode, st.Interval)
	fmt.Fprintf(&b, "Mood: %s | Strategy: %s\n", cs.Mood, cs.Strategy)
	fmt.Fprintf(&b, "Budget: %.1f/%d tokens\n", st.Tokens, st.Capacity)
	stats := st.Capture
	fmt.Fprintf(&b, "Capture: running %t, %.1f fps, last score %.4f, animated %t, skipped %d, errors %d",
		stats.Running, stats.FPS, stats.LastScore, stats.Animated, stats.Skipped, stats.Errors)
	for _, bnd := range st.Bindings {
		fmt.Fprintf(&b, "\nRole %s -> %s", bnd.Role, bnd.Identity)
		if bnd.FallbackFrom != "" {
			fmt.Fprintf(&b, " (via %s)", bnd.FallbackFrom)
		}
	}
	return b.String()
}
