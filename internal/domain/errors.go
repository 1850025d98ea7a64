package domain

import "errors"

var (
	// ErrNotFound is returned when a job or event does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidTransition signals a request for a stage change the workflow
	// table does not allow. Programmer error, never retried.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrDecode is a frame-reader failure while decoding the source video.
	ErrDecode = errors.New("video decode failed")

	// ErrInferenceTimeout means the model server did not answer within the
	// configured deadline.
	ErrInferenceTimeout = errors.New("inference timed out")

	// ErrInferenceUnavailable means the model server could not be reached or
	// answered with a server error.
	ErrInferenceUnavailable = errors.New("inference unavailable")

	// ErrQueueClosed is the graceful shutdown signal of a work queue. It is
	// not a failure.
	ErrQueueClosed = errors.New("work queue closed")

	// ErrCanceled marks a job that was externally canceled or whose workers
	// did not stop within the cancellation timeout.
	ErrCanceled = errors.New("job canceled")

	// ErrDeliveryTransport is a transport-level delivery failure, retried by
	// the dispatcher.
	ErrDeliveryTransport = errors.New("delivery transport error")

	// ErrDeliveryTargetUnreachable means a delivery handle is gone. Treated
	// like an absent subscriber: no retry owed.
	ErrDeliveryTargetUnreachable = errors.New("delivery target unreachable")

	// ErrDuplicateEvent is returned by event stores when an event identifier
	// was already submitted. Submit treats it as a no-op.
	ErrDuplicateEvent = errors.New("duplicate event id")
)

// ErrorKind returns the stable name recorded in job rows and event payloads
// for a pipeline or delivery error.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrDecode):
		return "decode_error"
	case errors.Is(err, ErrInferenceTimeout):
		return "inference_timeout"
	case errors.Is(err, ErrInferenceUnavailable):
		return "inference_unavailable"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrDeliveryTransport):
		return "delivery_transport"
	case errors.Is(err, ErrDeliveryTargetUnreachable):
		return "target_unreachable"
	case err == nil:
		return ""
	default:
		return "internal"
	}
}
