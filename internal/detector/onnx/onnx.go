// Package onnx runs exported YOLOv8/YOLO11 ONNX models through the OpenCV
// DNN module, on CUDA when OpenCV was built with it.
package onnx

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/detector"
	"github.com/jetvision/agent/internal/models"
)

// Detector is a detector.Detector backed by a gocv.Net. It is not safe for
// concurrent use; wrap it in a detector.Guard.
type Detector struct {
	net      gocv.Net
	cfg      config.DetectorConfig
	labels   []string
	logger   *zap.Logger
	font     Font
	backend  string
	quality  int
	annotate bool
}

// New loads the model and labels described by cfg.
func New(cfg config.DetectorConfig, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("detector")

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model %s: %w", cfg.ModelPath, err)
	}

	labels, err := detector.LoadLabels(cfg.LabelsPath)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("cannot load model %s", cfg.ModelPath)
	}

	d := &Detector{
		net:      net,
		cfg:      cfg,
		labels:   labels,
		logger:   logger,
		font:     DefaultFont(),
		backend:  "cpu",
		quality:  cfg.JPEGQuality,
		annotate: cfg.Annotate,
	}
	d.selectBackend()

	logger.Info("Model loaded",
		zap.String("path", cfg.ModelPath),
		zap.Int("classes", len(labels)),
		zap.Int("input_size", cfg.InputSize),
		zap.String("backend", d.backend))
	return d, nil
}

// selectBackend prefers CUDA and falls back to the CPU when OpenCV rejects it.
func (d *Detector) selectBackend() {
	if !d.cfg.UseCUDA {
		d.useCPU()
		return
	}

	target := gocv.NetTargetCUDA
	if d.cfg.FP16 {
		target = gocv.NetTargetCUDAFP16
	}
	if err := d.net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
		d.logger.Warn("CUDA backend unavailable, using CPU", zap.Error(err))
		d.useCPU()
		return
	}
	if err := d.net.SetPreferableTarget(target); err != nil {
		d.logger.Warn("CUDA target unavailable, using CPU", zap.Error(err))
		d.useCPU()
		return
	}
	d.backend = "cuda"
	if d.cfg.FP16 {
		d.backend = "cuda-fp16"
	}
}

func (d *Detector) useCPU() {
	_ = d.net.SetPreferableBackend(gocv.NetBackendDefault)
	_ = d.net.SetPreferableTarget(gocv.NetTargetCPU)
	d.backend = "cpu"
}

// Backend reports where inference runs.
func (d *Detector) Backend() string { return d.backend }

// Labels returns the class names in use.
func (d *Detector) Labels() []string { return d.labels }

// Detect runs the model on frame.
func (d *Detector) Detect(ctx context.Context, frame *models.Frame, threshold float32) (*models.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := detector.ValidateFrame(frame); err != nil {
		return nil, err
	}

	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return nil, fmt.Errorf("wrapping frame %d: %w", frame.Seq, err)
	}
	defer img.Close()

	start := time.Now()
	dets, err := d.infer(img, threshold)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", frame.Seq, err)
	}
	elapsed := time.Since(start)

	result := &models.DetectionResult{
		Frame:         frame,
		Detections:    dets,
		InferenceTime: elapsed,
	}

	if d.annotate {
		jpg, err := d.render(img, dets, elapsed)
		if err != nil {
			// The detections are still valid without a picture.
			d.logger.Debug("Annotation failed", zap.Uint64("seq", frame.Seq), zap.Error(err))
		} else {
			result.Annotated = jpg
		}
	}
	return result, nil
}

func (d *Detector) infer(img gocv.Mat, threshold float32) ([]models.Detection, error) {
	lb := detector.NewLetterbox(img.Cols(), img.Rows(), d.cfg.InputSize)

	// Pad to a square on the right and bottom so that boxes map back with
	// a single scale factor.
	side := lb.Side()
	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(img, &padded, 0, side-img.Rows(), 0, side-img.Cols(),
		gocv.BorderConstant, color.RGBA{R: 114, G: 114, B: 114, A: 0})

	blob := gocv.BlobFromImage(padded, 1.0/255.0, image.Pt(d.cfg.InputSize, d.cfg.InputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	if out.Empty() {
		return nil, fmt.Errorf("empty model output")
	}

	dims := out.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("reading output: %w", err)
	}

	params := detector.Params{
		ClassCount:    dims[1] - 4,
		Threshold:     threshold,
		NMSThreshold:  float32(d.cfg.NMSThreshold),
		MaxDetections: d.cfg.MaxDetections,
	}
	return detector.Decode(data, dims[2], params, lb, d.labels)
}

// Close releases the network.
func (d *Detector) Close() error {
	return d.net.Close()
}
