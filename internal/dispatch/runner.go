package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jetvision/agent/internal/detector"
	"github.com/jetvision/agent/internal/models"
	"github.com/jetvision/agent/internal/retry"
	"github.com/jetvision/agent/internal/source"
)

// runner holds the per-run state of the loop goroutine.
type runner struct {
	loop     *Loop
	logger   *zap.Logger
	runID    string
	src      source.Source
	interval time.Duration
	conf     float32
	stop     <-chan struct{}

	lastDetect  time.Time
	retries     int
	windowStart time.Time
	windowCount int
}

// iterate runs until the source ends, retries run out or a stop is
// requested, and returns why it ended.
func (r *runner) iterate() string {
	ctx := r.loop.base
	opts := r.loop.opts

	for {
		if r.stopped() {
			return "stopped"
		}

		// Pace: at least one interval between detections. Frames that
		// arrive in the meantime stay in the decoder and are dropped there.
		if !r.lastDetect.IsZero() {
			if !r.sleep(time.Until(r.lastDetect.Add(r.interval))) {
				return "stopped"
			}
		}

		frame, err := r.src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, source.ErrEndOfStream):
				return "end of stream"
			case errors.Is(err, source.ErrClosed), ctx.Err() != nil:
				return "source closed"
			}

			r.retries++
			r.count(func(s *models.LoopStats) { s.SourceRetries++ })
			if r.retries > opts.MaxRetries {
				r.logger.Error("Source failed too many times in a row",
					zap.Int("retries", r.retries-1),
					zap.Error(err))
				return "source failed"
			}
			delay := retry.Backoff(r.retries, opts.RetryBaseDelay, opts.RetryMaxDelay)
			r.logger.Debug("Frame unavailable, retrying",
				zap.Int("attempt", r.retries),
				zap.Duration("delay", delay),
				zap.Error(err))
			if !r.sleep(delay) {
				return "stopped"
			}
			continue
		}
		r.retries = 0

		// A stop that arrived while pulling wins over the held frame.
		if r.stopped() {
			return "stopped"
		}

		if !r.process(ctx, frame) {
			return "detector closed"
		}
	}
}

// process runs one frame through the detector and publishes the result. It
// reports false once the detector has been closed.
func (r *runner) process(ctx context.Context, frame *models.Frame) bool {
	r.lastDetect = time.Now()
	result, err := r.loop.detector.Detect(ctx, frame, r.conf)
	if err != nil {
		if errors.Is(err, detector.ErrDetectorClosed) {
			r.logger.Warn("Detector closed, ending run", zap.Uint64("seq", frame.Seq))
			return false
		}
		r.count(func(s *models.LoopStats) {
			s.FramesProcessed++
			s.DetectionFailures++
		})
		if errors.Is(err, detector.ErrDetectorBusy) {
			r.logger.Debug("Detector busy, frame skipped", zap.Uint64("seq", frame.Seq))
		} else {
			r.logger.Warn("Detection failed, frame skipped", zap.Uint64("seq", frame.Seq), zap.Error(err))
		}
		return true
	}

	now := time.Now()
	if r.windowStart.IsZero() {
		r.windowStart = r.lastDetect
	}
	r.windowCount++

	var stats models.LoopStats
	r.count(func(s *models.LoopStats) {
		s.FramesProcessed++
		s.FramesPublished++
		s.LastInferenceMS = float64(result.InferenceTime.Microseconds()) / 1000
		if r.windowCount >= r.loop.opts.StatsEvery {
			if elapsed := now.Sub(r.windowStart).Seconds(); elapsed > 0 {
				s.PipelineFPS = float64(r.windowCount) / elapsed
			}
			r.windowStart = now
			r.windowCount = 0
		}
		stats = *s
	})

	var snap *models.MetricsSnapshot
	if r.loop.metrics != nil {
		snap = r.loop.metrics.Load()
	}
	r.loop.sink.Publish(models.Update{
		RunID:   r.runID,
		Result:  result,
		Metrics: snap,
		Stats:   stats,
	})
	return true
}

// count applies fn to the shared stats under the loop lock.
func (r *runner) count(fn func(*models.LoopStats)) {
	r.loop.mu.Lock()
	fn(&r.loop.stats)
	r.loop.mu.Unlock()
}

func (r *runner) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false if a stop interrupted it.
func (r *runner) sleep(d time.Duration) bool {
	if d <= 0 {
		return !r.stopped()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.stop:
		return false
	case <-t.C:
		return true
	}
}
