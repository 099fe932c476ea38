package onnx

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"github.com/jetvision/agent/internal/models"
)

// Font describes how box labels are drawn.
type Font struct {
	Face      gocv.HersheyFont
	Scale     float64
	Color     color.RGBA
	Thickness int
	LineType  gocv.LineType
	Pad       int
}

// DefaultFont returns the label font used for annotated frames.
func DefaultFont() Font {
	return Font{
		Face:      gocv.FontHersheySimplex,
		Scale:     0.5,
		Color:     color.RGBA{R: 255, G: 255, B: 255, A: 0},
		Thickness: 1,
		LineType:  gocv.LineAA,
		Pad:       4,
	}
}

var classColors = []color.RGBA{
	{R: 255, G: 56, B: 56},
	{R: 255, G: 157, B: 151},
	{R: 255, G: 112, B: 31},
	{R: 255, G: 178, B: 29},
	{R: 207, G: 210, B: 49},
	{R: 72, G: 249, B: 10},
	{R: 146, G: 204, B: 23},
	{R: 61, G: 219, B: 134},
	{R: 26, G: 147, B: 52},
	{R: 0, G: 212, B: 187},
	{R: 44, G: 153, B: 168},
	{R: 0, G: 194, B: 255},
	{R: 52, G: 69, B: 147},
	{R: 100, G: 115, B: 255},
	{R: 0, G: 24, B: 236},
	{R: 132, G: 56, B: 255},
}

// colorFor picks a stable color per class. gocv colors are BGR ordered.
func colorFor(class int) color.RGBA {
	c := classColors[class%len(classColors)]
	return color.RGBA{R: c.B, G: c.G, B: c.R}
}

// render draws the detections onto a copy of img and encodes it as JPEG.
func (d *Detector) render(img gocv.Mat, dets []models.Detection, elapsed time.Duration) ([]byte, error) {
	canvas := img.Clone()
	defer canvas.Close()

	drawBoxes(&canvas, dets, d.font)

	banner := fmt.Sprintf("Inference: %.1fms  Objects: %d  Backend: %s",
		float64(elapsed.Microseconds())/1000, len(dets), d.backend)
	gocv.PutTextWithParams(&canvas, banner, image.Pt(8, 20), d.font.Face, d.font.Scale,
		color.RGBA{R: 0, G: 255, B: 0, A: 0}, d.font.Thickness, d.font.LineType, false)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, canvas, []int{int(gocv.IMWriteJpegQuality), d.quality})
	if err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

type boxLabel struct {
	rect    image.Rectangle
	clr     color.RGBA
	text    string
	textPos image.Point
}

// drawBoxes outlines every detection and tags it with "label conf". Tags
// are drawn last so that no box line crosses them.
func drawBoxes(img *gocv.Mat, dets []models.Detection, font Font) {
	labels := make([]boxLabel, 0, len(dets))

	for _, det := range dets {
		clr := colorFor(det.Class)
		rect := image.Rect(det.Box.Left, det.Box.Top, det.Box.Right, det.Box.Bottom)
		gocv.Rectangle(img, rect, clr, 2)

		text := fmt.Sprintf("%s %.2f", det.Label, det.Confidence)
		size := gocv.GetTextSize(text, font.Face, font.Scale, font.Thickness)

		top := det.Box.Top - size.Y - 2*font.Pad
		if top < 0 {
			top = det.Box.Top
		}
		labels = append(labels, boxLabel{
			rect:    image.Rect(det.Box.Left, top, det.Box.Left+size.X+2*font.Pad, top+size.Y+2*font.Pad),
			clr:     clr,
			text:    text,
			textPos: image.Pt(det.Box.Left+font.Pad, top+size.Y+font.Pad),
		})
	}

	for _, l := range labels {
		gocv.Rectangle(img, l.rect, l.clr, -1)
		gocv.PutTextWithParams(img, l.text, l.textPos, font.Face, font.Scale,
			font.Color, font.Thickness, font.LineType, false)
	}
}
