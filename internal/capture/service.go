package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/config"
)

// ErrAlreadyRunning is returned by Start when the capture loop is active.
var ErrAlreadyRunning = errors.New("capture service already running")

// Screen grabs pixels from the display. A zero region means the whole
// primary screen.
type Screen interface {
	Grab(ctx context.Context, region schemas.TargetRegion) (image.Image, error)
}

// Stats is a point-in-time view of the capture loop counters.
type Stats struct {
	Running    bool
	Ticks      uint64
	Captures   uint64
	Skipped    uint64
	Errors     uint64
	Deliveries uint64
	LastScore  float64
	FPS        float64
	Animated   bool
	Region     schemas.TargetRegion
}

const fpsWindow = 10

// Service runs the periodic capture loop and hands out changed frames to
// the decision loop. LatestFrame is edge triggered: a frame is returned once
// per change event unless the caller forces it.
type Service struct {
	logger   *zap.Logger
	cfg      config.CaptureConfig
	screen   Screen
	detector *Detector
	lock     *PerceptionLock
	sink     schemas.EventSink
	now      func() time.Time

	mu        sync.Mutex
	region    schemas.TargetRegion
	current   *Frame
	lastScore float64
	pending   bool
	seq       uint64
	stats     Stats
	recent    []time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService wires a capture service. sink may be nil.
func NewService(logger *zap.Logger, cfg config.CaptureConfig, screen Screen, lock *PerceptionLock, sink schemas.EventSink) *Service {
	if lock == nil {
		lock = NewPerceptionLock()
	}
	return &Service{
		logger:   logger.Named("capture"),
		cfg:      cfg,
		screen:   screen,
		detector: NewDetector(cfg.Threshold),
		lock:     lock,
		sink:     sink,
		now:      time.Now,
	}
}

// Lock exposes the perception lock shared with scanners.
func (s *Service) Lock() *PerceptionLock { return s.lock }

// Start launches the capture loop. It runs until Stop or ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	interval := s.cfg.Interval()
	s.logger.Info("Capture loop starting.", zap.Duration("interval", interval), zap.Float64("threshold", s.detector.Threshold))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.tick(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				s.logger.Info("Capture loop stopped.")
				return
			case <-ticker.C:
				s.tick(loopCtx)
			}
		}
	}()
	return nil
}

// Stop halts the loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SetRegion changes the capture area. A zero region captures the full screen.
func (s *Service) SetRegion(region schemas.TargetRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.region = region
}

// Region returns the current capture area.
func (s *Service) Region() schemas.TargetRegion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// tick performs one capture and comparison. It reports false when the tick
// was skipped because perception was busy or the grab failed.
func (s *Service) tick(ctx context.Context) (Comparison, bool) {
	s.mu.Lock()
	s.stats.Ticks++
	region := s.region
	s.mu.Unlock()

	if !s.lock.TryAcquire() {
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		return Comparison{}, false
	}
	defer s.lock.Release()

	img, err := s.screen.Grab(ctx, region)
	if err != nil {
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		if ctx.Err() == nil {
			s.logger.Debug("Screen grab failed.", zap.Error(err))
		}
		return Comparison{}, false
	}

	rgba := toRGBA(img)
	frame := &Frame{Image: rgba, CapturedAt: s.now(), Digest: Fingerprint(rgba)}

	s.mu.Lock()
	cmp := s.detector.CompareFrames(s.current, frame)
	s.seq++
	frame.Seq = s.seq
	s.current = frame
	s.lastScore = cmp.Score
	if cmp.Changed {
		s.pending = true
	}
	s.recordCaptureLocked(frame.CapturedAt, cmp.Score)
	s.mu.Unlock()

	if cmp.Changed {
		s.publishPreview(frame, cmp.Score)
	}
	return cmp, true
}

func (s *Service) recordCaptureLocked(at time.Time, score float64) {
	s.stats.Captures++
	s.stats.LastScore = score
	s.stats.Animated = s.cfg.AnimatedThreshold > 0 && score > s.cfg.AnimatedThreshold
	s.recent = append(s.recent, at)
	if len(s.recent) > fpsWindow {
		s.recent = s.recent[len(s.recent)-fpsWindow:]
	}
}

func (s *Service) publishPreview(frame *Frame, score float64) {
	if s.sink == nil {
		return
	}
	data, err := EncodeJPEG(Downscale(frame.Image, s.cfg.PreviewMaxWidth), s.cfg.PreviewQuality)
	if err != nil {
		s.logger.Debug("Preview encode failed.", zap.Error(err))
		return
	}
	encoded := &EncodedFrame{Data: data}
	s.sink.Emit(schemas.EventVisionFrame, map[string]interface{}{
		"image": encoded.Base64(),
		"score": score,
		"seq":   frame.Seq,
	})
}

// LatestFrame returns the current frame encoded as JPEG when a change has
// been observed since the last delivery, or unconditionally when force is
// set, along with whether that change was pending. The frame is nil when
// nothing is delivered. A delivery clears the pending change.
func (s *Service) LatestFrame(force bool) (*EncodedFrame, bool) {
	s.mu.Lock()
	changed := s.pending
	if s.current == nil || (!force && !changed) {
		s.mu.Unlock()
		return nil, changed
	}
	frame := s.current
	score := s.lastScore
	s.pending = false
	s.stats.Deliveries++
	s.mu.Unlock()

	data, err := EncodeJPEG(frame.Image, s.cfg.JPEGQuality)
	if err != nil {
		s.logger.Warn("Frame encode failed; change re-armed.", zap.Error(err))
		s.mu.Lock()
		s.pending = s.pending || changed
		s.mu.Unlock()
		return nil, changed
	}
	return &EncodedFrame{
		Data:       data,
		MimeType:   "image/jpeg",
		Width:      frame.Width(),
		Height:     frame.Height(),
		CapturedAt: frame.CapturedAt,
		Seq:        frame.Seq,
		Score:      score,
	}, changed
}

// Snapshot returns a copy of the most recent frame, or nil before the first
// capture.
func (s *Service) Snapshot() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// CheckImpact compares a reference frame taken before an action with the
// current frame and reports whether the screen visibly reacted.
func (s *Service) CheckImpact(reference *Frame) (bool, float64) {
	if reference == nil {
		return false, 0
	}
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == nil || current.Seq == reference.Seq {
		return false, 0
	}
	cmp := s.detector.CompareFrames(reference, current)
	return cmp.Changed, cmp.Score
}

// Stats returns a snapshot of the loop counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Running = s.running.Load()
	st.Region = s.region
	if n := len(s.recent); n > 1 {
		if span := s.recent[n-1].Sub(s.recent[0]); span > 0 {
			st.FPS = float64(n-1) / span.Seconds()
		}
	}
	return st
}
