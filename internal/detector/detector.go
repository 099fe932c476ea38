// Package detector defines the object detection contract and the model-independent
// parts of YOLO inference: label tables, output decoding, NMS and the call guard.
package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jetvision/agent/internal/models"
)

var (
	// ErrDetectTimeout is returned when a detection exceeds the guard timeout.
	// The frame is skipped; the model call itself is left to finish.
	ErrDetectTimeout = errors.New("detector: timeout")

	// ErrDetectorBusy is returned while an earlier timed-out call is still running.
	ErrDetectorBusy = errors.New("detector: busy")

	// ErrDetectorClosed is returned by a Guard after Close.
	ErrDetectorClosed = errors.New("detector: closed")

	// ErrInvalidFrame is returned for frames whose buffer does not match their size.
	ErrInvalidFrame = errors.New("detector: invalid frame")
)

// Detector runs a pre-trained detection model on a frame. Detect is
// synchronous and must not be called concurrently on the same instance.
type Detector interface {
	// Detect returns the objects found in frame with a confidence of at
	// least threshold. A failure only concerns this frame.
	Detect(ctx context.Context, frame *models.Frame, threshold float32) (*models.DetectionResult, error)

	// Close releases the model.
	Close() error
}

// ValidateFrame checks that frame holds a packed BGR24 image of its stated size.
func ValidateFrame(frame *models.Frame) error {
	if frame == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, frame.Width, frame.Height)
	}
	if want := frame.Width * frame.Height * 3; len(frame.Data) != want {
		return fmt.Errorf("%w: %d bytes for %dx%d BGR (want %d)",
			ErrInvalidFrame, len(frame.Data), frame.Width, frame.Height, want)
	}
	return nil
}
