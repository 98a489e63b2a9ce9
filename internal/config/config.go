// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Capture() CaptureConfig
	Router() RouterConfig
	Autonomy() AutonomyConfig
	Actuator() ActuatorConfig
	Knowledge() KnowledgeConfig
	Events() EventsConfig

	// Capture Setters
	SetCaptureFPS(fps float64)

	// Actuator Setters
	SetActuatorDryRun(bool)
	SetActuatorDevice(device string)

	// Knowledge Setters
	SetKnowledgeEnabled(bool)
}

// Config holds the entire application configuration.
// It uses private fields to enforce access through the Interface's getter methods.
type Config struct {
	logger    LoggerConfig
	capture   CaptureConfig
	router    RouterConfig
	autonomy  AutonomyConfig
	actuator  ActuatorConfig
	knowledge KnowledgeConfig
	events    EventsConfig
}

// fileConfig mirrors Config with exported fields so viper can decode into it.
type fileConfig struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Autonomy  AutonomyConfig  `mapstructure:"autonomy" yaml:"autonomy"`
	Actuator  ActuatorConfig  `mapstructure:"actuator" yaml:"actuator"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge" yaml:"knowledge"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.logger }
func (c *Config) Capture() CaptureConfig     { return c.capture }
func (c *Config) Router() RouterConfig       { return c.router }
func (c *Config) Autonomy() AutonomyConfig   { return c.autonomy }
func (c *Config) Actuator() ActuatorConfig   { return c.actuator }
func (c *Config) Knowledge() KnowledgeConfig { return c.knowledge }
func (c *Config) Events() EventsConfig       { return c.events }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetCaptureFPS(fps float64)       { c.capture.FPS = fps }
func (c *Config) SetActuatorDryRun(b bool)        { c.actuator.DryRun = b }
func (c *Config) SetActuatorDevice(device string) { c.actuator.Device = device }
func (c *Config) SetKnowledgeEnabled(b bool)      { c.knowledge.Enabled = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// CaptureConfig configures the differential frame-capture loop.
type CaptureConfig struct {
	FPS               float64 `mapstructure:"fps" yaml:"fps"`
	Threshold         float64 `mapstructure:"threshold" yaml:"threshold"`
	AnimatedThreshold float64 `mapstructure:"animated_threshold" yaml:"animated_threshold"`
	JPEGQuality       int     `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	PreviewMaxWidth   int     `mapstructure:"preview_max_width" yaml:"preview_max_width"`
	PreviewQuality    int     `mapstructure:"preview_quality" yaml:"preview_quality"`
	TileSize          int     `mapstructure:"tile_size" yaml:"tile_size"`
	TileConcurrency   int     `mapstructure:"tile_concurrency" yaml:"tile_concurrency"`
}

// Interval is the capture tick period derived from FPS.
func (c CaptureConfig) Interval() time.Duration {
	if c.FPS <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / c.FPS)
}

// SourceKind identifies where a backend may be loaded from. An empty kind
// tries every kind in priority order: daemon, weights file, cloud API.
type SourceKind string

const (
	SourceAny         SourceKind = ""
	SourceDaemon      SourceKind = "daemon"
	SourceWeightsFile SourceKind = "weights-file"
	SourceCloudAPI    SourceKind = "cloud-api"
)

// BackendParams are the sampling parameters attached to a source entry.
type BackendParams struct {
	Temperature   float64 `mapstructure:"temperature" yaml:"temperature"`
	ContextLength int     `mapstructure:"context_length" yaml:"context_length"`
	MaxTokens     int     `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// BackendSource is one candidate in a role's ordered resolution list.
type BackendSource struct {
	Kind   SourceKind    `mapstructure:"source" yaml:"source"`
	Match  string        `mapstructure:"match" yaml:"match"`
	Vision bool          `mapstructure:"vision" yaml:"vision"`
	Params BackendParams `mapstructure:"params" yaml:"params"`
}

// RoleDescriptor is the configuration-level intent for one logical role.
type RoleDescriptor struct {
	Role    string
	Sources []BackendSource
}

// DaemonConfig points at the managed inference daemon.
type DaemonConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// WeightsConfig controls discovery and serving of local weights files.
type WeightsConfig struct {
	Dir            string        `mapstructure:"dir" yaml:"dir"`
	Pattern        string        `mapstructure:"pattern" yaml:"pattern"`
	ServerBinary   string        `mapstructure:"server_binary" yaml:"server_binary"`
	Host           string        `mapstructure:"host" yaml:"host"`
	BasePort       int           `mapstructure:"base_port" yaml:"base_port"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// CloudConfig holds the cloud-API credentials.
type CloudConfig struct {
	APIKeyEnv      string        `mapstructure:"api_key_env" yaml:"api_key_env"`
	APIKey         string        `mapstructure:"api_key" yaml:"-"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// RouterConfig configures role resolution across backend sources.
type RouterConfig struct {
	DefaultRole string                     `mapstructure:"default_role" yaml:"default_role"`
	VisionRole  string                     `mapstructure:"vision_role" yaml:"vision_role"`
	Daemon      DaemonConfig               `mapstructure:"daemon" yaml:"daemon"`
	Weights     WeightsConfig              `mapstructure:"weights" yaml:"weights"`
	Cloud       CloudConfig                `mapstructure:"cloud" yaml:"cloud"`
	Roles       map[string][]BackendSource `mapstructure:"roles" yaml:"roles"`
}

// Descriptor returns the ordered descriptor for a role.
func (r RouterConfig) Descriptor(role string) (RoleDescriptor, bool) {
	sources, ok := r.Roles[role]
	if !ok {
		return RoleDescriptor{}, false
	}
	return RoleDescriptor{Role: role, Sources: append([]BackendSource(nil), sources...)}, true
}

// AutonomyConfig configures sessions, tick pacing and the action budget.
type AutonomyConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration" yaml:"default_duration"`
	MinDuration     time.Duration `mapstructure:"min_duration" yaml:"min_duration"`
	MaxDuration     time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	BaseInterval    time.Duration `mapstructure:"base_interval" yaml:"base_interval"`
	MinInterval     time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	GamerInterval   time.Duration `mapstructure:"gamer_interval" yaml:"gamer_interval"`
	DefaultPower    int           `mapstructure:"default_power" yaml:"default_power"`
	Reasoning       string        `mapstructure:"reasoning" yaml:"reasoning"`
	ConsultMarkers  []string      `mapstructure:"consult_markers" yaml:"consult_markers"`
	RewardSettle    time.Duration `mapstructure:"reward_settle" yaml:"reward_settle"`
	ChatHistory     int           `mapstructure:"chat_history" yaml:"chat_history"`
	StateFile       string        `mapstructure:"state_file" yaml:"state_file"`
	KnowledgeFile   string        `mapstructure:"knowledge_file" yaml:"knowledge_file"`
	TranscriptFile  string        `mapstructure:"transcript_file" yaml:"transcript_file"`
	Budget          BudgetConfig  `mapstructure:"budget" yaml:"budget"`
}

// BudgetConfig configures the token-bucket action limiter.
type BudgetConfig struct {
	Capacity        int     `mapstructure:"capacity" yaml:"capacity"`
	RefillPerSecond float64 `mapstructure:"refill_per_second" yaml:"refill_per_second"`
	Aggressiveness  int     `mapstructure:"aggressiveness" yaml:"aggressiveness"`
}

// ActuatorConfig configures device execution.
type ActuatorConfig struct {
	Device         string        `mapstructure:"device" yaml:"device"`
	DryRun         bool          `mapstructure:"dry_run" yaml:"dry_run"`
	ScrollStep     int           `mapstructure:"scroll_step" yaml:"scroll_step"`
	DefaultWait    time.Duration `mapstructure:"default_wait" yaml:"default_wait"`
	MaxWait        time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	ActivateSettle time.Duration `mapstructure:"activate_settle" yaml:"activate_settle"`
	Humanize       bool          `mapstructure:"humanize" yaml:"humanize"`
	PointerHz      float64       `mapstructure:"pointer_hz" yaml:"pointer_hz"`
	FittsA         float64       `mapstructure:"fitts_a" yaml:"fitts_a"`
	FittsB         float64       `mapstructure:"fitts_b" yaml:"fitts_b"`
}

// KnowledgeConfig specifies the long-term experience store.
type KnowledgeConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"-"`
	Table   string `mapstructure:"table" yaml:"table"`
}

// EventsConfig configures the in-process event bus.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := decode(v)
	if err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "deskpilot")
	v.SetDefault("logger.log_file", "deskpilot.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Capture --
	v.SetDefault("capture.fps", 5.0)
	v.SetDefault("capture.threshold", 0.001)
	v.SetDefault("capture.animated_threshold", 0.05)
	v.SetDefault("capture.jpeg_quality", 80)
	v.SetDefault("capture.preview_max_width", 1024)
	v.SetDefault("capture.preview_quality", 40)
	v.SetDefault("capture.tile_size", 500)
	v.SetDefault("capture.tile_concurrency", 4)

	// -- Router --
	v.SetDefault("router.default_role", "chat")
	v.SetDefault("router.vision_role", "vision")
	v.SetDefault("router.daemon.host", "http://localhost:11434")
	v.SetDefault("router.daemon.probe_timeout", "2s")
	v.SetDefault("router.daemon.request_timeout", "120s")
	v.SetDefault("router.weights.dir", "~/models")
	v.SetDefault("router.weights.pattern", "*.gguf")
	v.SetDefault("router.weights.server_binary", "llama-server")
	v.SetDefault("router.weights.host", "127.0.0.1")
	v.SetDefault("router.weights.base_port", 8090)
	v.SetDefault("router.weights.startup_timeout", "90s")
	v.SetDefault("router.weights.request_timeout", "300s")
	v.SetDefault("router.cloud.api_key_env", "GEMINI_API_KEY")
	v.SetDefault("router.cloud.request_timeout", "60s")
	v.SetDefault("router.roles", defaultRoles())

	// -- Autonomy --
	v.SetDefault("autonomy.default_duration", "30s")
	v.SetDefault("autonomy.min_duration", "5s")
	v.SetDefault("autonomy.max_duration", "300s")
	v.SetDefault("autonomy.base_interval", "5s")
	v.SetDefault("autonomy.min_interval", "1s")
	v.SetDefault("autonomy.gamer_interval", "3s")
	v.SetDefault("autonomy.default_power", 5)
	v.SetDefault("autonomy.reasoning", "auto")
	v.SetDefault("autonomy.consult_markers", []string{"[[CONSULT]]", "CONSULT:"})
	v.SetDefault("autonomy.reward_settle", "1s")
	v.SetDefault("autonomy.chat_history", 10)
	v.SetDefault("autonomy.state_file", "~/.deskpilot/cognitive_state.json")
	v.SetDefault("autonomy.knowledge_file", "~/.deskpilot/window_knowledge.json")
	v.SetDefault("autonomy.transcript_file", "~/.deskpilot/sessions/transcript.jsonl")
	v.SetDefault("autonomy.budget.capacity", 5)
	v.SetDefault("autonomy.budget.refill_per_second", 0.5)
	v.SetDefault("autonomy.budget.aggressiveness", 1)

	// -- Actuator --
	v.SetDefault("actuator.device", "x11")
	v.SetDefault("actuator.dry_run", false)
	v.SetDefault("actuator.scroll_step", 500)
	v.SetDefault("actuator.default_wait", "2s")
	v.SetDefault("actuator.max_wait", "30s")
	v.SetDefault("actuator.activate_settle", "150ms")
	v.SetDefault("actuator.humanize", true)
	v.SetDefault("actuator.pointer_hz", 25.0)
	v.SetDefault("actuator.fitts_a", 80.0)
	v.SetDefault("actuator.fitts_b", 120.0)

	// -- Knowledge --
	v.SetDefault("knowledge.enabled", false)
	v.SetDefault("knowledge.dsn", "") // Should be set via env var
	v.SetDefault("knowledge.table", "experiences")

	// -- Events --
	v.SetDefault("events.buffer_size", 256)
}

// defaultRoles mirrors the stock model layout: a local daemon first, then
// weights files, then the cloud API.
func defaultRoles() map[string]interface{} {
	entry := func(kind SourceKind, match string, temp float64, ctxLen int, vision bool) map[string]interface{} {
		return map[string]interface{}{
			"source": string(kind),
			"match":  match,
			"vision": vision,
			"params": map[string]interface{}{
				"temperature":    temp,
				"context_length": ctxLen,
				"max_tokens":     2048,
			},
		}
	}
	return map[string]interface{}{
		"chat": []interface{}{
			entry(SourceDaemon, "mistral", 0.7, 4096, false),
			entry(SourceWeightsFile, "mistral", 0.7, 4096, false),
			entry(SourceCloudAPI, "gemini-2.5-flash", 0.7, 0, true),
		},
		"vision": []interface{}{
			entry(SourceDaemon, "llava", 0.2, 4096, true),
			entry(SourceCloudAPI, "gemini-2.5-flash", 0.2, 0, true),
		},
		"deep_thought": []interface{}{
			entry(SourceDaemon, "deepseek", 0.4, 8192, false),
			entry(SourceWeightsFile, "deepseek", 0.4, 8192, false),
		},
		"reflexion": []interface{}{
			entry(SourceDaemon, "phi", 0.9, 2048, false),
		},
	}
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data
	_ = v.BindEnv("knowledge.dsn", "DESKPILOT_KNOWLEDGE_DSN")
	_ = v.BindEnv("router.cloud.api_key", "DESKPILOT_CLOUD_API_KEY")

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	// Fall back to the provider's conventional variable.
	if cfg.router.Cloud.APIKey == "" && cfg.router.Cloud.APIKeyEnv != "" {
		cfg.router.Cloud.APIKey = os.Getenv(cfg.router.Cloud.APIKeyEnv)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &Config{
		logger:    fc.Logger,
		capture:   fc.Capture,
		router:    fc.Router,
		autonomy:  fc.Autonomy,
		actuator:  fc.Actuator,
		knowledge: fc.Knowledge,
		events:    fc.Events,
	}, nil
}

// expandPaths resolves "~" in every filesystem path.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.router.Weights.Dir,
		&c.autonomy.StateFile,
		&c.autonomy.KnowledgeFile,
		&c.autonomy.TranscriptFile,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.capture.FPS <= 0 {
		return fmt.Errorf("capture.fps must be positive")
	}
	if c.capture.Threshold < 0 || c.capture.Threshold >= 1 {
		return fmt.Errorf("capture.threshold must be in [0, 1)")
	}
	if c.capture.TileSize <= 0 {
		return fmt.Errorf("capture.tile_size must be a positive integer")
	}
	if err := c.router.Validate(); err != nil {
		return fmt.Errorf("router configuration invalid: %w", err)
	}
	if err := c.autonomy.Validate(); err != nil {
		return fmt.Errorf("autonomy configuration invalid: %w", err)
	}
	if c.knowledge.Enabled && c.knowledge.DSN == "" {
		return fmt.Errorf("knowledge.dsn is required when the knowledge store is enabled. Ensure DESKPILOT_KNOWLEDGE_DSN is set")
	}
	return nil
}

// Validate checks the RouterConfig settings.
func (r *RouterConfig) Validate() error {
	if r.DefaultRole == "" {
		return fmt.Errorf("default_role is required")
	}
	if _, ok := r.Roles[r.DefaultRole]; !ok {
		return fmt.Errorf("default role %q has no descriptor", r.DefaultRole)
	}
	for role, sources := range r.Roles {
		if len(sources) == 0 {
			return fmt.Errorf("role %q has no sources", role)
		}
		for i, src := range sources {
			switch src.Kind {
			case SourceAny, SourceDaemon, SourceWeightsFile, SourceCloudAPI:
			default:
				return fmt.Errorf("role %q source %d: unknown kind %q", role, i, src.Kind)
			}
			if strings.TrimSpace(src.Match) == "" {
				return fmt.Errorf("role %q source %d: match pattern is required", role, i)
			}
		}
	}
	if r.Daemon.ProbeTimeout <= 0 {
		return fmt.Errorf("daemon.probe_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the AutonomyConfig settings.
func (a *AutonomyConfig) Validate() error {
	if a.MinDuration <= 0 || a.MaxDuration < a.MinDuration {
		return fmt.Errorf("min_duration must be positive and not exceed max_duration")
	}
	if a.MinInterval <= 0 || a.BaseInterval < a.MinInterval {
		return fmt.Errorf("base_interval must be at least min_interval, which must be positive")
	}
	if a.DefaultPower < 1 || a.DefaultPower > 10 {
		return fmt.Errorf("default_power must be between 1 and 10")
	}
	switch a.Reasoning {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("reasoning must be one of auto, always, never")
	}
	if a.Budget.Capacity <= 0 {
		return fmt.Errorf("budget.capacity must be a positive integer")
	}
	if a.Budget.RefillPerSecond <= 0 {
		return fmt.Errorf("budget.refill_per_second must be positive")
	}
	if a.Budget.Aggressiveness < 1 || a.Budget.Aggressiveness > 5 {
		return fmt.Errorf("budget.aggressiveness must be between 1 and 5")
	}
	return nil
}
