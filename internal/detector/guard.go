package detector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jetvision/agent/internal/models"
)

// Guard bounds the latency of a Detector. A call that outlives the timeout
// is reported as ErrDetectTimeout, but it is never interrupted: until it
// returns, further calls fail fast with ErrDetectorBusy so that at most one
// frame is ever inside the model.
type Guard struct {
	next    Detector
	timeout time.Duration
	busy    chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type detectOutcome struct {
	result *models.DetectionResult
	err    error
}

// NewGuard wraps next with a per-call timeout.
func NewGuard(next Detector, timeout time.Duration) *Guard {
	return &Guard{
		next:    next,
		timeout: timeout,
		busy:    make(chan struct{}, 1),
	}
}

// Detect runs the wrapped detector under the guard timeout.
func (g *Guard) Detect(ctx context.Context, frame *models.Frame, threshold float32) (*models.DetectionResult, error) {
	if g.closed.Load() {
		return nil, ErrDetectorClosed
	}
	select {
	case g.busy <- struct{}{}:
	default:
		if g.closed.Load() {
			return nil, ErrDetectorClosed
		}
		return nil, ErrDetectorBusy
	}

	done := make(chan detectOutcome, 1)
	go func() {
		result, err := g.next.Detect(ctx, frame, threshold)
		<-g.busy
		done <- detectOutcome{result: result, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return nil, ErrDetectTimeout
	}
}

// Close waits for any in-flight call and closes the wrapped detector. The
// busy slot stays taken afterwards, so later calls return ErrDetectorClosed
// without reaching the released model.
func (g *Guard) Close() error {
	g.closeOnce.Do(func() {
		g.busy <- struct{}{}
		g.closed.Store(true)
		g.closeErr = g.next.Close()
	})
	return g.closeErr
}
