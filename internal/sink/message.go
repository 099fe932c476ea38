package sink

import (
	"time"

	"github.com/jetvision/agent/internal/models"
)

// DetectionMessage is the machine-facing form of an update: everything but
// the pixels.
type DetectionMessage struct {
	RunID       string             `json:"run_id" msgpack:"run_id" cbor:"run_id"`
	Seq         uint64             `json:"seq" msgpack:"seq" cbor:"seq"`
	Timestamp   time.Time          `json:"timestamp" msgpack:"timestamp" cbor:"timestamp"`
	Width       int                `json:"width" msgpack:"width" cbor:"width"`
	Height      int                `json:"height" msgpack:"height" cbor:"height"`
	Detections  []models.Detection `json:"detections" msgpack:"detections" cbor:"detections"`
	InferenceMS float64            `json:"inference_ms" msgpack:"inference_ms" cbor:"inference_ms"`
	Stats       models.LoopStats   `json:"stats" msgpack:"stats" cbor:"stats"`
}

// NewDetectionMessage flattens u. It returns nil when u carries no result.
func NewDetectionMessage(u models.Update) *DetectionMessage {
	if u.Result == nil {
		return nil
	}
	msg := &DetectionMessage{
		RunID:       u.RunID,
		Detections:  u.Result.Detections,
		InferenceMS: float64(u.Result.InferenceTime.Microseconds()) / 1000,
		Stats:       u.Stats,
	}
	if msg.Detections == nil {
		msg.Detections = []models.Detection{}
	}
	if f := u.Result.Frame; f != nil {
		msg.Seq = f.Seq
		msg.Timestamp = f.Timestamp
		msg.Width = f.Width
		msg.Height = f.Height
	}
	return msg
}

// envelope is what browsers receive. Type is "update" or "metrics".
type envelope struct {
	Type    string                  `json:"type"`
	Update  *models.Update          `json:"update,omitempty"`
	Metrics *models.MetricsSnapshot `json:"metrics,omitempty"`
}
