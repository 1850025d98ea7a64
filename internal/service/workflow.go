package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/infrastructure/logger"
	"github.com/tkarna/visor/internal/port"
)

// EventSubmitter is where workflow transitions are turned into durable
// notification events. Satisfied by the Dispatcher.
type EventSubmitter interface {
	Submit(ev *domain.NotificationEvent) error
}

// WorkflowConfig tunes the stage retry policy.
type WorkflowConfig struct {
	MaxStageAttempts int
	RetryBackoff     domain.Backoff
	EventTTL         time.Duration
}

// Workflow applies the state machine to the job store and emits one
// notification event per transition. Writes to one job are serialized
// through a per-job lock; different jobs proceed fully in parallel.
type Workflow struct {
	store  port.JobStore
	events EventSubmitter
	cfg    WorkflowConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewWorkflow(store port.JobStore, events EventSubmitter, cfg WorkflowConfig) *Workflow {
	if cfg.MaxStageAttempts < 1 {
		cfg.MaxStageAttempts = 3
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = time.Hour
	}
	return &Workflow{
		store:  store,
		events: events,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (w *Workflow) lockFor(jobID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[jobID] = l
	}
	return l
}

// releaseLock drops the per-job mutex once a job is terminal; no further
// writes happen, so keeping the entry would only grow the map forever.
func (w *Workflow) releaseLock(jobID string) {
	w.mu.Lock()
	delete(w.locks, jobID)
	w.mu.Unlock()
}

// Create registers a new job in the initializing stage. The caller must have
// resolved any still-active job for the same video reference first; the
// store's uniqueness constraint backs that invariant up.
func (w *Workflow) Create(videoRef string, priority int) (*domain.ProcessingJob, error) {
	job := domain.NewProcessingJob(videoRef, priority)
	if err := w.store.Save(job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	w.emit(job, domain.EventJobCreated, domain.PriorityInfo, nil)
	return job, nil
}

func (w *Workflow) Get(jobID string) (*domain.ProcessingJob, error) {
	return w.store.Get(jobID)
}

// ActiveByVideoRef returns the non-terminal job for a video reference, or
// nil when there is none.
func (w *Workflow) ActiveByVideoRef(videoRef string) (*domain.ProcessingJob, error) {
	return w.store.GetActiveByVideoRef(videoRef)
}

// Advance moves a job to the given stage when the transition table allows
// it, persists the result and emits the matching event.
func (w *Workflow) Advance(jobID string, to domain.Stage) error {
	l := w.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := w.store.Get(jobID)
	if err != nil {
		return err
	}
	if err := job.Advance(to); err != nil {
		return fmt.Errorf("job %s: %s -> %s: %w", jobID, job.Stage, to, err)
	}
	if err := w.store.Update(job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	switch to {
	case domain.StageCompleted:
		w.emit(job, domain.EventCompleted, domain.PriorityCompleted, nil)
	case domain.StageFailed:
		w.emit(job, domain.EventFailed, domain.PriorityFailed, nil)
	default:
		w.emit(job, domain.EventStageChanged, domain.PriorityInfo, nil)
	}
	if to.IsTerminal() {
		w.releaseLock(jobID)
	}
	return nil
}

// RecordFailure registers one failed attempt of the job's current stage.
// While the attempt count stays under the maximum the job re-enters the same
// stage and the returned delay says when; otherwise the job is failed
// terminally and retry is false.
func (w *Workflow) RecordFailure(jobID string, cause error) (delay time.Duration, retry bool, err error) {
	l := w.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := w.store.Get(jobID)
	if err != nil {
		return 0, false, err
	}
	if job.Stage.IsTerminal() {
		return 0, false, nil
	}

	attempts := job.RecordAttempt()
	job.LastError = cause.Error()
	job.ErrorKind = domain.ErrorKind(cause)

	if attempts < w.cfg.MaxStageAttempts {
		if err := w.store.Update(job); err != nil {
			return 0, false, fmt.Errorf("update job: %w", err)
		}
		delay = w.cfg.RetryBackoff.Duration(attempts)
		logger.Warn.Printf("job %s: stage %s attempt %d failed, retrying in %s: %v",
			jobID, job.Stage, attempts, delay, cause)
		return delay, true, nil
	}

	if err := job.Advance(domain.StageFailed); err != nil {
		return 0, false, err
	}
	if err := w.store.Update(job); err != nil {
		return 0, false, fmt.Errorf("update job: %w", err)
	}
	logger.Error.Printf("job %s: stage attempts exhausted (%d), failing: %v", jobID, attempts, cause)
	w.emit(job, domain.EventFailed, domain.PriorityFailed, nil)
	w.releaseLock(jobID)
	return 0, false, nil
}

// FailCanceled terminally fails a job on external cancellation. A job that
// already reached a terminal stage is left alone.
func (w *Workflow) FailCanceled(jobID, reason string) error {
	l := w.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := w.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Stage.IsTerminal() {
		return nil
	}
	job.LastError = reason
	job.ErrorKind = domain.ErrorKind(domain.ErrCanceled)
	if err := job.Advance(domain.StageFailed); err != nil {
		return err
	}
	if err := w.store.Update(job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	w.emit(job, domain.EventFailed, domain.PriorityFailed, nil)
	w.releaseLock(jobID)
	return nil
}

// Archive moves a completed or failed job to archived.
func (w *Workflow) Archive(jobID string) error {
	return w.Advance(jobID, domain.StageArchived)
}

// SetVideoInfo records what validation learned about the source.
func (w *Workflow) SetVideoInfo(jobID string, totalFrames int64) error {
	l := w.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := w.store.Get(jobID)
	if err != nil {
		return err
	}
	job.TotalFrames = totalFrames
	return w.store.Update(job)
}

// Progress updates frame counters and emits a progress tick event.
func (w *Workflow) Progress(jobID string, frameIndex int64, timestamp time.Duration) {
	l := w.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := w.store.Get(jobID)
	if err != nil {
		logger.Error.Printf("progress for unknown job %s: %v", jobID, err)
		return
	}
	job.ProcessedFrames = frameIndex + 1
	if err := w.store.Update(job); err != nil {
		logger.Error.Printf("job %s: update progress: %v", jobID, err)
		return
	}
	w.emit(job, domain.EventProgress, domain.PriorityProgress, map[string]any{
		"frame_index": frameIndex,
		"timestamp":   timestamp.Seconds(),
	})
}

// Warn emits an operational warning event for a job (observability, not a
// failure).
func (w *Workflow) Warn(jobID string, detail map[string]any) {
	job, err := w.store.Get(jobID)
	if err != nil {
		return
	}
	w.emit(job, domain.EventResourceWarning, domain.PriorityWarning, detail)
}

type eventPayload struct {
	JobID           string         `json:"job_id"`
	VideoRef        string         `json:"video_ref"`
	Stage           domain.Stage   `json:"stage"`
	ProcessedFrames int64          `json:"processed_frames,omitempty"`
	TotalFrames     int64          `json:"total_frames,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	Detail          map[string]any `json:"detail,omitempty"`
}

func (w *Workflow) emit(job *domain.ProcessingJob, typ domain.EventType, priority int, detail map[string]any) {
	if w.events == nil {
		return
	}
	payload := eventPayload{
		JobID:           job.ID,
		VideoRef:        job.VideoRef,
		Stage:           job.Stage,
		ProcessedFrames: job.ProcessedFrames,
		TotalFrames:     job.TotalFrames,
		Detail:          detail,
	}
	if typ == domain.EventFailed {
		payload.Error = job.LastError
		payload.ErrorKind = job.ErrorKind
	}
	target := domain.Target{Scope: domain.ScopeVideo, ID: job.VideoRef}
	ev, err := domain.NewEvent(typ, target, priority, payload, w.cfg.EventTTL)
	if err != nil {
		logger.Error.Printf("job %s: build %s event: %v", job.ID, typ, err)
		return
	}
	if err := w.events.Submit(ev); err != nil {
		logger.Error.Printf("job %s: submit %s event: %v", job.ID, typ, err)
	}
}
