package port

import (
	"context"

	"github.com/tkarna/visor/internal/domain"
)

// DeliveryHandle is one live observer connection. Deliver must distinguish a
// gone subscriber (domain.ErrDeliveryTargetUnreachable, no retry owed) from a
// transport failure (domain.ErrDeliveryTransport, retried).
type DeliveryHandle interface {
	Deliver(ctx context.Context, ev *domain.NotificationEvent) error
}

// Resolver maps a target descriptor to its currently connected handles. Zero
// handles is a normal answer, not an error.
type Resolver interface {
	Resolve(target domain.Target) []DeliveryHandle
}

// DetectionSink is the output stream consumed by the annotation collaborator.
// The core emits detections; it does not persist them.
type DetectionSink interface {
	WriteDetections(ctx context.Context, jobID string, dets []domain.Detection) error
}
