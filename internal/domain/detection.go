package domain

import (
	"image"
	"time"
)

// FrameUnit is one sampled, decoded frame moving through the pipeline. It is
// owned by exactly one work queue or stage worker at a time; ownership moves
// on dequeue.
type FrameUnit struct {
	// Seq is the monotonically increasing submission sequence assigned by
	// the frame reader. The post-processor uses it to restore order after
	// parallel inference.
	Seq int64

	// Index is the sampled frame index within the source video.
	Index int64

	Image     image.Image
	Timestamp time.Duration
}

// BoundingBox is an axis-aligned box in pixel coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area, never negative.
func (b BoundingBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// IoU computes intersection over union with another box.
func (b BoundingBox) IoU(o BoundingBox) float64 {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X+b.Width, o.X+o.Width)
	y2 := min(b.Y+b.Height, o.Y+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// RawDetection is what the inference contract returns for one object, before
// thresholding, suppression and track association.
type RawDetection struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// Detection is one finished, tracked object observation in one frame.
// TrackID is zero until the tracker associates the detection with a track.
type Detection struct {
	FrameIndex int64         `json:"frame_index"`
	Timestamp  time.Duration `json:"timestamp"`
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	Box        BoundingBox   `json:"box"`
	TrackID    int64         `json:"track_id,omitempty"`
}
