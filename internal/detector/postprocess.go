package detector

import (
	"fmt"
	"math"
	"sort"

	"github.com/jetvision/agent/internal/models"
)

// Params configures YOLO output decoding.
type Params struct {
	// ClassCount is the number of classes the model was trained on.
	ClassCount int
	// Threshold is the minimum class score for a candidate to be kept.
	Threshold float32
	// NMSThreshold is the maximum IoU allowed between two kept boxes of the
	// same class.
	NMSThreshold float32
	// MaxDetections caps the number of boxes returned.
	MaxDetections int
}

// COCOParams returns decoding parameters for a model trained on COCO.
func COCOParams() Params {
	return Params{
		ClassCount:    len(COCOLabels),
		Threshold:     0.25,
		NMSThreshold:  0.45,
		MaxDetections: 100,
	}
}

// Letterbox maps model input coordinates back to the source frame. The
// frame is scaled uniformly to fit the square input and padded on the
// right and bottom.
type Letterbox struct {
	Scale       float32
	FrameWidth  int
	FrameHeight int
}

// NewLetterbox computes the mapping for a frame of the given size fed to a
// model with a square input of inputSize pixels.
func NewLetterbox(frameWidth, frameHeight, inputSize int) Letterbox {
	side := frameWidth
	if frameHeight > side {
		side = frameHeight
	}
	scale := float32(1)
	if side > 0 {
		scale = float32(inputSize) / float32(side)
	}
	return Letterbox{Scale: scale, FrameWidth: frameWidth, FrameHeight: frameHeight}
}

// Side returns the side of the square padded frame, in frame pixels.
func (l Letterbox) Side() int {
	if l.FrameHeight > l.FrameWidth {
		return l.FrameHeight
	}
	return l.FrameWidth
}

func (l Letterbox) toFrame(v float32, limit int) int {
	p := int(math.Round(float64(v / l.Scale)))
	if p < 0 {
		return 0
	}
	if p > limit {
		return limit
	}
	return p
}

type candidate struct {
	x1, y1, x2, y2 float32
	class          int
	score          float32
}

// Decode turns a YOLOv8/YOLO11 output tensor of shape [1, 4+C, N] into
// detections. Rows are channel-major: the first four rows hold box centre
// x, y, width and height in input pixels, the remaining C rows the class
// scores. Labels may be nil.
func Decode(output []float32, anchors int, p Params, lb Letterbox, labels []string) ([]models.Detection, error) {
	rows := 4 + p.ClassCount
	if anchors <= 0 || p.ClassCount <= 0 {
		return nil, fmt.Errorf("decode: %d anchors, %d classes", anchors, p.ClassCount)
	}
	if len(output) < rows*anchors {
		return nil, fmt.Errorf("decode: output has %d values, want %d", len(output), rows*anchors)
	}

	var cands []candidate
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, p.Threshold
		for c := 0; c < p.ClassCount; c++ {
			s := output[(4+c)*anchors+i]
			if s >= bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 {
			continue
		}

		cx := output[i]
		cy := output[anchors+i]
		w := output[2*anchors+i]
		h := output[3*anchors+i]
		cands = append(cands, candidate{
			x1:    cx - w/2,
			y1:    cy - h/2,
			x2:    cx + w/2,
			y2:    cy + h/2,
			class: best,
			score: bestScore,
		})
	}

	kept := nms(cands, p.NMSThreshold, p.MaxDetections)

	dets := make([]models.Detection, 0, len(kept))
	for _, c := range kept {
		d := models.Detection{
			Box: models.BoxRect{
				Left:   lb.toFrame(c.x1, lb.FrameWidth),
				Top:    lb.toFrame(c.y1, lb.FrameHeight),
				Right:  lb.toFrame(c.x2, lb.FrameWidth),
				Bottom: lb.toFrame(c.y2, lb.FrameHeight),
			},
			Class:      c.class,
			Label:      LabelFor(labels, c.class),
			Confidence: c.score,
		}
		if d.Box.Right <= d.Box.Left || d.Box.Bottom <= d.Box.Top {
			continue
		}
		dets = append(dets, d)
	}
	return dets, nil
}

// nms keeps the highest scoring boxes, suppressing any box of the same
// class that overlaps a kept one by more than threshold.
func nms(cands []candidate, threshold float32, max int) []candidate {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	suppressed := make([]bool, len(cands))
	var kept []candidate
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		if max > 0 && len(kept) == max {
			break
		}
		for j := i + 1; j < len(cands); j++ {
			if suppressed[j] || cands[j].class != cands[i].class {
				continue
			}
			if iou(cands[i], cands[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// iou returns the intersection over union of two boxes.
func iou(a, b candidate) float32 {
	w := float32(math.Max(0, float64(min32(a.x2, b.x2)-max32(a.x1, b.x1))))
	h := float32(math.Max(0, float64(min32(a.y2, b.y2)-max32(a.y1, b.y1))))
	inter := w * h
	union := (a.x2-a.x1)*(a.y2-a.y1) + (b.x2-b.x1)*(b.y2-b.y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
