package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

// FrameReader decodes the source sequentially and feeds the preprocessor
// queue, one FrameUnit per sampled frame. A decode failure is a stage
// failure, never a silent skip.
type FrameReader struct {
	src      port.FrameSource
	out      *WorkQueue[domain.FrameUnit]
	priority int
}

func NewFrameReader(src port.FrameSource, out *WorkQueue[domain.FrameUnit], priority int) *FrameReader {
	return &FrameReader{src: src, out: out, priority: priority}
}

// Run decodes until end of stream, then closes the output queue so the
// downstream stage drains and finishes.
func (r *FrameReader) Run(ctx context.Context) error {
	defer r.out.Close()

	var seq int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := r.src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame %d: %w", seq, err)
		}

		frame.Seq = seq
		seq++

		if _, err := r.out.Enqueue(frame, r.priority); err != nil {
			// Queue closed under us: the pipeline is shutting down.
			return nil
		}
	}
}
