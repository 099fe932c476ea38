// Package capture implements source.Source on top of OpenCV's VideoCapture.
// File-backed videos, FFmpeg network streams and local cameras share the
// same reader; they differ only in how a failed read is classified.
package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/models"
	"github.com/jetvision/agent/internal/source"
)

// maxEmptyReads bounds how many consecutive empty frames a file may return
// before it is treated as exhausted.
const maxEmptyReads = 64

// Opener opens gocv-backed sources.
type Opener struct {
	logger *zap.Logger
}

// NewOpener creates an Opener. Pass nil for no logging.
func NewOpener(logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{logger: logger.Named("capture")}
}

// Open opens the source described by cfg. For network streams every URL
// variant is tried in order and the first that opens is kept.
func (o *Opener) Open(ctx context.Context, cfg config.StreamConfig) (source.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Source {
	case config.SourceMountedFile, config.SourceUploadedFile:
		return o.openFile(cfg.Path)
	case config.SourceNetworkStream:
		return o.openNetwork(cfg)
	case config.SourceDevice:
		return o.openDevice(cfg.Device)
	default:
		return nil, fmt.Errorf("%w: unknown source %q", config.ErrInvalid, cfg.Source)
	}
}

func (o *Opener) openFile(path string) (source.Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening video %s: %w", path, err)
	}

	vc, err := gocv.VideoCaptureFile(path)
	if err != nil || !vc.IsOpened() {
		if vc != nil {
			vc.Close()
		}
		return nil, fmt.Errorf("cannot open video %s", path)
	}

	o.logger.Info("Opened video file",
		zap.String("path", path),
		zap.Float64("fps", vc.Get(gocv.VideoCaptureFPS)),
		zap.Float64("frames", vc.Get(gocv.VideoCaptureFrameCount)))

	return newCapture(vc, path, false), nil
}

func (o *Opener) openNetwork(cfg config.StreamConfig) (source.Source, error) {
	urls := source.NetworkURLs(cfg)
	for _, url := range urls {
		vc, err := gocv.VideoCaptureFileWithAPI(url, gocv.VideoCaptureFFmpeg)
		if err != nil || !vc.IsOpened() {
			if vc != nil {
				vc.Close()
			}
			o.logger.Warn("Network stream variant failed to open", zap.String("url", url))
			continue
		}

		// Keep only the newest decoded frame; frames that arrive while the
		// loop is rate limited are dropped by the decoder instead of queued.
		vc.Set(gocv.VideoCaptureBufferSize, 1)

		o.logger.Info("Opened network stream", zap.String("url", url))
		return newCapture(vc, url, true), nil
	}
	return nil, fmt.Errorf("cannot open network stream (tried %d urls)", len(urls))
}

func (o *Opener) openDevice(index int) (source.Source, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: camera device index %d", config.ErrInvalid, index)
	}
	vc, err := gocv.VideoCaptureDevice(index)
	if err != nil || !vc.IsOpened() {
		if vc != nil {
			vc.Close()
		}
		return nil, fmt.Errorf("cannot open camera %d", index)
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	where := fmt.Sprintf("camera %d", index)
	o.logger.Info("Opened camera",
		zap.Int("device", index),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)))
	return newCapture(vc, where, true), nil
}

// Capture reads frames from an OpenCV VideoCapture.
type Capture struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	img    gocv.Mat
	bgr    gocv.Mat
	where  string
	live   bool
	seq    uint64
	closed bool
}

func newCapture(vc *gocv.VideoCapture, where string, live bool) *Capture {
	return &Capture{
		vc:    vc,
		img:   gocv.NewMat(),
		bgr:   gocv.NewMat(),
		where: where,
		live:  live,
	}
}

// Describe returns the path or URL the capture was opened with.
func (c *Capture) Describe() string { return c.where }

// Next decodes the next frame.
func (c *Capture) Next(ctx context.Context) (*models.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, source.ErrClosed
	}

	for empty := 0; ; empty++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if ok := c.vc.Read(&c.img); !ok {
			if c.live {
				return nil, source.ErrFrameUnavailable
			}
			return nil, source.ErrEndOfStream
		}

		if c.img.Empty() {
			if c.live {
				return nil, source.ErrFrameUnavailable
			}
			if empty >= maxEmptyReads {
				return nil, source.ErrEndOfStream
			}
			continue
		}

		return c.toFrame()
	}
}

// toFrame copies the decoded Mat into a Frame owned by the caller.
func (c *Capture) toFrame() (*models.Frame, error) {
	mat := c.img
	switch mat.Channels() {
	case 3:
	case 1:
		gocv.CvtColor(c.img, &c.bgr, gocv.ColorGrayToBGR)
		mat = c.bgr
	case 4:
		gocv.CvtColor(c.img, &c.bgr, gocv.ColorBGRAToBGR)
		mat = c.bgr
	default:
		if c.live {
			return nil, source.ErrFrameUnavailable
		}
		return nil, fmt.Errorf("unsupported channel count %d", mat.Channels())
	}

	c.seq++
	return &models.Frame{
		Seq:       c.seq,
		Timestamp: time.Now(),
		Width:     mat.Cols(),
		Height:    mat.Rows(),
		Data:      mat.ToBytes(),
	}, nil
}

// Close releases the decoder. Safe to call multiple times.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.img.Close()
	c.bgr.Close()
	return c.vc.Close()
}
