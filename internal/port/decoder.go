package port

import (
	"time"

	"github.com/tkarna/visor/internal/domain"
)

// VideoInfo is what validation learns about a source before processing it.
type VideoInfo struct {
	Width       int
	Height      int
	Duration    time.Duration
	TotalFrames int64
}

// FrameSource yields sampled frames of one video in order. Next returns
// io.EOF at end of stream and wraps domain.ErrDecode on decode failure.
type FrameSource interface {
	Next() (domain.FrameUnit, error)
	Close() error
}

// FrameDecoder opens video sources for validation and frame extraction.
type FrameDecoder interface {
	Probe(videoRef string) (VideoInfo, error)
	Open(videoRef string) (FrameSource, error)
}
