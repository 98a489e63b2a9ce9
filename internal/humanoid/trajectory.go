package humanoid

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// Mover is the device capability a trajectory is replayed through.
type Mover interface {
	Move(ctx context.Context, x, y int) error
	Wait(ctx context.Context, d time.Duration) error
}

// Waypoint is one sample of a planned path, relative to the movement start.
type Waypoint struct {
	X, Y int
	At   time.Duration
}

// Trajectory is a planned pointer movement. The last waypoint is always the
// exact destination.
type Trajectory struct {
	Waypoints []Waypoint
	Duration  time.Duration
}

// computeEaseInOutCubic provides a smooth acceleration and deceleration profile for movement.
func computeEaseInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// MovementDuration estimates how long a person takes to cover the distance
// using Fitts's law, with +/- 15% jitter.
func (h *Humanoid) MovementDuration(distance float64) time.Duration {
	if distance < 1 {
		return 0
	}
	id := math.Log2(1.0 + distance/h.cfg.TargetWidth)
	mt := h.cfg.FittsA + h.cfg.FittsB*id

	h.mu.Lock()
	mt += mt * (h.rng.Float64()*0.3 - 0.15)
	h.mu.Unlock()

	d := time.Duration(mt * float64(time.Millisecond))
	if h.cfg.MaxDuration > 0 && d > h.cfg.MaxDuration {
		d = h.cfg.MaxDuration
	}
	return d
}

// bezier samples a cubic Bezier from start to end whose control points bow
// sideways by a random share of the distance.
func (h *Humanoid) bezier(start, end Vector2D, steps int) []Vector2D {
	mainVec := end.Sub(start)
	dist := mainVec.Mag()
	if dist < 1.0 || steps <= 1 {
		return []Vector2D{end}
	}
	dir := mainVec.Normalize()
	side := dir.Perp()

	h.mu.Lock()
	bow1 := (h.rng.Float64()*2 - 1) * h.cfg.Curvature * dist
	bow2 := (h.rng.Float64()*2 - 1) * h.cfg.Curvature * dist
	h.mu.Unlock()

	p0, p3 := start, end
	p1 := start.Add(dir.Mul(dist / 3.0)).Add(side.Mul(bow1))
	p2 := start.Add(dir.Mul(dist * 2.0 / 3.0)).Add(side.Mul(bow2))

	path := make([]Vector2D, steps)
	for i := 0; i < steps; i++ {
		t := float64(i) / float64(steps-1)
		omt := 1.0 - t
		omt2 := omt * omt
		t2 := t * t
		path[i] = p0.Mul(omt2 * omt).Add(p1.Mul(3 * omt2 * t)).Add(p2.Mul(3 * omt * t2)).Add(p3.Mul(t2 * t))
	}
	return path
}

// perturb applies Perlin drift and Gaussian tremor to an intermediate point.
func (h *Humanoid) perturb(p Vector2D, elapsed float64) Vector2D {
	const perlinFrequency = 0.8
	h.mu.Lock()
	defer h.mu.Unlock()
	drift := Vector2D{
		X: h.noiseX.Noise1D(elapsed*perlinFrequency) * h.cfg.PerlinAmplitude,
		Y: h.noiseY.Noise1D(elapsed*perlinFrequency) * h.cfg.PerlinAmplitude,
	}
	strength := h.cfg.GaussianStrength * (0.5 + h.rng.Float64())
	tremor := Vector2D{X: h.rng.NormFloat64() * strength, Y: h.rng.NormFloat64() * strength}
	return p.Add(drift).Add(tremor)
}

// Plan builds a trajectory from start to end with eased timing.
func (h *Humanoid) Plan(start, end Vector2D) Trajectory {
	duration := h.MovementDuration(start.Dist(end))
	steps := int(duration.Seconds() * h.cfg.StepsPerSecond)
	if steps < 2 {
		steps = 2
	}
	ideal := h.bezier(start, end, steps)
	if len(ideal) == 1 {
		x, y := end.Round()
		return Trajectory{Waypoints: []Waypoint{{X: x, Y: y}}}
	}

	waypoints := make([]Waypoint, 0, len(ideal))
	for i := range ideal {
		t := float64(i) / float64(len(ideal)-1)
		eased := computeEaseInOutCubic(t)
		idx := int(eased * float64(len(ideal)-1))
		if idx >= len(ideal) {
			idx = len(ideal) - 1
		}
		at := time.Duration(t * float64(duration))
		p := ideal[idx]
		if i > 0 && i < len(ideal)-1 {
			p = h.perturb(p, at.Seconds())
		}
		x, y := p.Round()
		if i == len(ideal)-1 {
			x, y = end.Round()
		}
		// Collapse consecutive duplicates produced by the easing curve.
		if n := len(waypoints); n > 0 && waypoints[n-1].X == x && waypoints[n-1].Y == y && i < len(ideal)-1 {
			continue
		}
		waypoints = append(waypoints, Waypoint{X: x, Y: y, At: at})
	}
	return Trajectory{Waypoints: waypoints, Duration: duration}
}

// Replay drives the trajectory through the mover, pacing each waypoint
// against its offset. Cancellation stops the movement at the next waypoint.
func (h *Humanoid) Replay(ctx context.Context, m Mover, traj Trajectory) error {
	startTime := time.Now()
	for _, wp := range traj.Waypoints {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sleep := wp.At - time.Since(startTime); sleep > 0 {
			if err := m.Wait(ctx, sleep); err != nil {
				return err
			}
		}
		if err := m.Move(ctx, wp.X, wp.Y); err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("Failed to dispatch pointer move", zap.Int("x", wp.X), zap.Int("y", wp.Y), zap.Error(err))
			}
			return err
		}
	}
	return nil
}

// MoveTo plans and replays a movement from start to end.
func (h *Humanoid) MoveTo(ctx context.Context, m Mover, start, end Vector2D) error {
	return h.Replay(ctx, m, h.Plan(start, end))
}
