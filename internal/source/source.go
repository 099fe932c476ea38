// Package source defines the frame acquisition contract used by the dispatch
// loop and the helpers shared by the concrete capture backends.
package source

import (
	"context"
	"errors"

	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/models"
)

var (
	// ErrEndOfStream is returned by Next when a source has no more frames.
	// It is terminal for the run that opened the source.
	ErrEndOfStream = errors.New("source: end of stream")

	// ErrFrameUnavailable is returned by Next when a frame could not be read
	// but the source is still usable (packet loss, decoder desync). Callers
	// retry rather than terminate.
	ErrFrameUnavailable = errors.New("source: frame unavailable")

	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("source: closed")
)

// Source produces ordered frames. A Source is used by a single goroutine.
type Source interface {
	// Next blocks until the next frame is decoded. Frames carry a sequence
	// number that only advances on success.
	Next(ctx context.Context) (*models.Frame, error)

	// Close releases the decoder and any socket it holds. It is idempotent.
	Close() error

	// Describe returns a human readable location of the source, e.g. the
	// URL variant that was actually opened.
	Describe() string
}

// Opener opens a Source for a validated stream configuration.
type Opener interface {
	Open(ctx context.Context, cfg config.StreamConfig) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, cfg config.StreamConfig) (Source, error)

// Open calls f(ctx, cfg).
func (f OpenerFunc) Open(ctx context.Context, cfg config.StreamConfig) (Source, error) {
	return f(ctx, cfg)
}
