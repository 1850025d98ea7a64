package port

import (
	"context"

	"github.com/tkarna/visor/internal/domain"
)

// Inference is the narrow contract to the model-serving collaborator. The
// returned slice is index-aligned with the submitted frames. A call that
// exceeds its deadline must surface domain.ErrInferenceTimeout; any other
// transport or server failure maps to domain.ErrInferenceUnavailable.
type Inference interface {
	Infer(ctx context.Context, frames []domain.FrameUnit) ([][]domain.RawDetection, error)
}
