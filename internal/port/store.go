package port

import "github.com/tkarna/visor/internal/domain"

// JobStore persists processing jobs. Implementations must keep the
// one-active-job-per-video-reference invariant enforceable: GetActiveByVideoRef
// is what the workflow uses to supersede a prior upload of the same video.
type JobStore interface {
	Save(j *domain.ProcessingJob) error
	Get(id string) (*domain.ProcessingJob, error)
	GetActiveByVideoRef(videoRef string) (*domain.ProcessingJob, error)
	Update(j *domain.ProcessingJob) error
	ListActive() ([]*domain.ProcessingJob, error)
}
