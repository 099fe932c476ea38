// Package dispatch runs the frame pipeline: it pulls frames from a source at
// no more than the configured rate, runs detection on one frame at a time and
// hands each result, paired with the latest hardware metrics, to the sinks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/detector"
	"github.com/jetvision/agent/internal/models"
	"github.com/jetvision/agent/internal/sink"
	"github.com/jetvision/agent/internal/source"
)

// ErrAlreadyRunning is returned by Start unless the loop is idle.
var ErrAlreadyRunning = errors.New("dispatch: loop already running")

// State is the lifecycle state of the loop.
type State int

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MetricsReader returns the latest hardware snapshot, or nil.
type MetricsReader interface {
	Load() *models.MetricsSnapshot
}

// Options tune retries, statistics and thread placement.
type Options struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// StatsEvery is the number of frames over which PipelineFPS is measured.
	StatsEvery  int
	CPUAffinity []int
	// UploadDir holds uploaded videos. An uploaded-file source inside it is
	// deleted when its run ends.
	UploadDir string
}

// OptionsFromConfig converts the pipeline section of the config.
func OptionsFromConfig(c config.PipelineConfig) Options {
	return Options{
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay.Duration,
		RetryMaxDelay:  c.RetryMaxDelay.Duration,
		StatsEvery:     c.StatsEvery,
		CPUAffinity:    c.CPUAffinity,
	}
}

// Loop is the dispatch state machine: Idle -> Running -> Stopping -> Idle.
// All methods are safe for concurrent use.
type Loop struct {
	opener   source.Opener
	detector detector.Detector
	sink     sink.Sink
	metrics  MetricsReader
	opts     Options
	logger   *zap.Logger
	base     context.Context

	mu       sync.Mutex
	state    State
	starting bool
	stop     chan struct{}
	done     chan struct{}
	stream   config.StreamConfig
	stats    models.LoopStats
}

// New creates an idle loop. metrics may be nil.
func New(opener source.Opener, det detector.Detector, snk sink.Sink, metrics MetricsReader, opts Options, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StatsEvery < 1 {
		opts.StatsEvery = 5
	}
	done := make(chan struct{})
	close(done)
	return &Loop{
		opener:   opener,
		detector: det,
		sink:     snk,
		metrics:  metrics,
		opts:     opts,
		logger:   logger.Named("dispatch"),
		base:     context.Background(),
		done:     done,
		stats:    models.LoopStats{State: Idle.String()},
	}
}

// Start validates cfg, opens the source and begins a run. An invalid
// config or an unopenable source is reported here and the loop stays Idle.
func (l *Loop) Start(cfg config.StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.state != Idle || l.starting {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.starting = true
	l.mu.Unlock()

	src, err := l.opener.Open(l.base, cfg)
	if err != nil {
		l.mu.Lock()
		l.starting = false
		l.mu.Unlock()
		return fmt.Errorf("opening %s source: %w", cfg.Source, err)
	}

	runID := uuid.NewString()

	l.mu.Lock()
	l.starting = false
	l.state = Running
	l.stream = cfg
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.stats = models.LoopStats{RunID: runID, State: Running.String()}
	stop, done := l.stop, l.done
	l.mu.Unlock()

	l.logger.Info("Run started",
		zap.String("run_id", runID),
		zap.String("source", string(cfg.Source)),
		zap.String("input", src.Describe()),
		zap.Float64("confidence", cfg.ConfidenceThreshold),
		zap.Int("fps_limit", cfg.FPSLimit))

	go l.run(runID, src, cfg, stop, done)
	return nil
}

// Stop asks a running loop to stop. The frame currently in the detector is
// allowed to finish; no further frame is pulled. Stop on an idle loop is a
// no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Running {
		return
	}
	l.state = Stopping
	l.stats.State = Stopping.String()
	close(l.stop)
	l.logger.Info("Stop requested", zap.String("run_id", l.stats.RunID))
}

// Wait blocks until the loop is Idle or ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops any run and waits for it.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.Stop()
	return l.Wait(ctx)
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns the counters of the current or last run.
func (l *Loop) Stats() models.LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Stream returns the config of the current or last run.
func (l *Loop) Stream() config.StreamConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream
}

func (l *Loop) run(runID string, src source.Source, cfg config.StreamConfig, stop <-chan struct{}, done chan<- struct{}) {
	logger := l.logger.With(zap.String("run_id", runID))

	if len(l.opts.CPUAffinity) > 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := setAffinity(l.opts.CPUAffinity); err != nil {
			logger.Warn("Cannot pin dispatch thread", zap.Ints("cpus", l.opts.CPUAffinity), zap.Error(err))
		} else {
			logger.Info("Dispatch thread pinned", zap.Ints("cpus", l.opts.CPUAffinity))
		}
	}

	r := &runner{
		loop:     l,
		logger:   logger,
		runID:    runID,
		src:      src,
		interval: time.Second / time.Duration(cfg.FPSLimit),
		conf:     float32(cfg.ConfidenceThreshold),
		stop:     stop,
	}
	reason := r.iterate()

	l.mu.Lock()
	if l.state == Running {
		l.state = Stopping
		l.stats.State = Stopping.String()
	}
	l.mu.Unlock()

	if err := src.Close(); err != nil {
		logger.Warn("Closing source failed", zap.Error(err))
	}
	l.removeUpload(cfg, logger)

	l.mu.Lock()
	l.state = Idle
	l.stats.State = Idle.String()
	stats := l.stats
	l.mu.Unlock()
	close(done)

	logger.Info("Run finished",
		zap.String("reason", reason),
		zap.Uint64("frames", stats.FramesProcessed),
		zap.Uint64("published", stats.FramesPublished),
		zap.Uint64("detection_failures", stats.DetectionFailures),
		zap.Uint64("source_retries", stats.SourceRetries))
}

// removeUpload deletes the blob of a finished uploaded-file run. Files
// outside UploadDir belong to the user and are left alone.
func (l *Loop) removeUpload(cfg config.StreamConfig, logger *zap.Logger) {
	if cfg.Source != config.SourceUploadedFile || l.opts.UploadDir == "" {
		return
	}
	dir, err := filepath.Abs(l.opts.UploadDir)
	if err != nil {
		return
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil || filepath.Dir(path) != dir {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("Removing upload failed", zap.String("path", path), zap.Error(err))
	}
}
