package pipeline

import (
	"context"
	"errors"

	"github.com/disintegration/imaging"
	"github.com/tkarna/visor/internal/domain"
)

// Preprocessor normalizes frames to the resolution and colorspace the model
// expects before they reach the inference batcher.
type Preprocessor struct {
	in       *WorkQueue[domain.FrameUnit]
	out      *WorkQueue[domain.FrameUnit]
	width    int
	height   int
	priority int
}

func NewPreprocessor(in, out *WorkQueue[domain.FrameUnit], width, height, priority int) *Preprocessor {
	return &Preprocessor{in: in, out: out, width: width, height: height, priority: priority}
}

func (p *Preprocessor) Run(ctx context.Context) error {
	defer p.out.Close()

	for {
		frame, err := p.in.Dequeue(ctx)
		if errors.Is(err, domain.ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		if p.width > 0 && p.height > 0 {
			frame.Image = imaging.Resize(frame.Image, p.width, p.height, imaging.Linear)
		} else {
			// Model takes native resolution; still normalize the pixel
			// format so every downstream consumer sees NRGBA.
			frame.Image = imaging.Clone(frame.Image)
		}

		if _, err := p.out.Enqueue(frame, p.priority); err != nil {
			return nil
		}
	}
}
