// internal/humanoid/humanoid.go
package humanoid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
	"go.uber.org/zap"
)

// Config shapes pointer movement.
type Config struct {
	// Fitts's law coefficients in milliseconds.
	FittsA float64
	FittsB float64
	// TargetWidth is the assumed target size used for the index of difficulty.
	TargetWidth float64
	// StepsPerSecond is the sampling rate of a planned path.
	StepsPerSecond float64
	// Curvature scales the sideways offset of the Bezier control points
	// as a fraction of the travel distance.
	Curvature float64
	// PerlinAmplitude is the slow drift, in pixels, applied along the path.
	PerlinAmplitude float64
	// GaussianStrength is the high-frequency tremor, in pixels.
	GaussianStrength float64
	// MaxDuration caps a single movement.
	MaxDuration time.Duration
	// Rng overrides the random source, for deterministic tests.
	Rng *rand.Rand
}

// DefaultConfig returns a calm desktop persona.
func DefaultConfig() Config {
	return Config{
		FittsA:           80,
		FittsB:           120,
		TargetWidth:      30,
		StepsPerSecond:   60,
		Curvature:        0.15,
		PerlinAmplitude:  2.0,
		GaussianStrength: 0.6,
		MaxDuration:      1500 * time.Millisecond,
	}
}

// Humanoid plans human-like pointer trajectories. It is safe for concurrent use.
type Humanoid struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	noiseX *perlin.Perlin
	noiseY *perlin.Perlin
}

// New creates a Humanoid with the given configuration.
func New(cfg Config, logger *zap.Logger) *Humanoid {
	seed := time.Now().UnixNano()
	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(seed))
	}
	if cfg.StepsPerSecond <= 0 {
		cfg.StepsPerSecond = DefaultConfig().StepsPerSecond
	}
	if cfg.TargetWidth <= 0 {
		cfg.TargetWidth = DefaultConfig().TargetWidth
	}

	// Standard Perlin parameters.
	alpha, beta, n := 2.0, 2.0, int32(3)
	return &Humanoid{
		cfg:    cfg,
		logger: logger.Named("humanoid"),
		rng:    rng,
		noiseX: perlin.NewPerlin(alpha, beta, n, seed),
		noiseY: perlin.NewPerlin(alpha, beta, n, seed+1),
	}
}
