package models

import "time"

// Frame is a decoded video frame. Data holds packed BGR24 pixels, row-major.
// A frame is owned by exactly one pipeline stage at a time.
type Frame struct {
	Seq       uint64    `json:"seq" msgpack:"seq" cbor:"seq"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp" cbor:"timestamp"`
	Width     int       `json:"width" msgpack:"width" cbor:"width"`
	Height    int       `json:"height" msgpack:"height" cbor:"height"`
	Data      []byte    `json:"-" msgpack:"-" cbor:"-"`
}

// BoxRect is a bounding box in frame pixel coordinates.
type BoxRect struct {
	Left   int `json:"left" msgpack:"left" cbor:"left"`
	Top    int `json:"top" msgpack:"top" cbor:"top"`
	Right  int `json:"right" msgpack:"right" cbor:"right"`
	Bottom int `json:"bottom" msgpack:"bottom" cbor:"bottom"`
}

// Detection is a single object found in a frame.
type Detection struct {
	Box        BoxRect `json:"box" msgpack:"box" cbor:"box"`
	Class      int     `json:"class" msgpack:"class" cbor:"class"`
	Label      string  `json:"label" msgpack:"label" cbor:"label"`
	Confidence float32 `json:"confidence" msgpack:"confidence" cbor:"confidence"`
}

// DetectionResult is produced by a detector for one frame and consumed once
// by the presentation sinks.
type DetectionResult struct {
	Frame         *Frame        `json:"frame" msgpack:"frame" cbor:"frame"`
	Detections    []Detection   `json:"detections" msgpack:"detections" cbor:"detections"`
	Annotated     []byte        `json:"image,omitempty" msgpack:"-" cbor:"-"`
	InferenceTime time.Duration `json:"inference_ns" msgpack:"inference_ns" cbor:"inference_ns"`
}

// LoopStats are the counters of the current or last dispatch run.
type LoopStats struct {
	RunID             string  `json:"run_id" msgpack:"run_id" cbor:"run_id"`
	State             string  `json:"state" msgpack:"state" cbor:"state"`
	FramesProcessed   uint64  `json:"frames_processed" msgpack:"frames_processed" cbor:"frames_processed"`
	FramesPublished   uint64  `json:"frames_published" msgpack:"frames_published" cbor:"frames_published"`
	DetectionFailures uint64  `json:"detection_failures" msgpack:"detection_failures" cbor:"detection_failures"`
	SourceRetries     uint64  `json:"source_retries" msgpack:"source_retries" cbor:"source_retries"`
	PipelineFPS       float64 `json:"pipeline_fps" msgpack:"pipeline_fps" cbor:"pipeline_fps"`
	LastInferenceMS   float64 `json:"last_inference_ms" msgpack:"last_inference_ms" cbor:"last_inference_ms"`
}

// Update is what the dispatch loop pushes to the presentation layer for every
// processed frame.
type Update struct {
	RunID   string           `json:"run_id" msgpack:"run_id" cbor:"run_id"`
	Result  *DetectionResult `json:"result" msgpack:"result" cbor:"result"`
	Metrics *MetricsSnapshot `json:"metrics" msgpack:"metrics" cbor:"metrics"`
	Stats   LoopStats        `json:"stats" msgpack:"stats" cbor:"stats"`
}
