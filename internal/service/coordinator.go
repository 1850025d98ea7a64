package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/infrastructure/logger"
	"github.com/tkarna/visor/internal/pipeline"
	"github.com/tkarna/visor/internal/port"
)

// PipelineConfig tunes one detection pipeline instance.
type PipelineConfig struct {
	QueueCapacity    int
	FrameWidth       int
	FrameHeight      int
	BatchSize        int
	BatchMaxWait     time.Duration
	InferTimeout     time.Duration
	InferParallelism int

	ConfidenceThreshold float64
	NMSIoU              float64
	TrackIoU            float64
	TrackMaxAge         int
	ReorderWindow       int
	ProgressInterval    time.Duration

	CancelTimeout     time.Duration
	DropRateThreshold float64 // drops per second, per queue
	DropRateWindow    time.Duration
}

type queueProbe interface {
	Depth() int
	Drops() uint64
	Evictions() uint64
}

type pipelineRun struct {
	jobID    string
	videoRef string
	cancel   context.CancelFunc
	abort    func()
	done     chan struct{}
	mu       sync.Mutex
	queues   map[string]queueProbe
}

func (r *pipelineRun) setQueues(q map[string]queueProbe) {
	r.mu.Lock()
	r.queues = q
	r.mu.Unlock()
}

func (r *pipelineRun) queueStats() map[string]QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]QueueStats, len(r.queues))
	for name, q := range r.queues {
		out[name] = QueueStats{Depth: q.Depth(), Drops: q.Drops(), Evictions: q.Evictions()}
	}
	return out
}

// QueueStats is the read-only observability snapshot of one stage queue.
type QueueStats struct {
	Depth     int    `json:"depth"`
	Drops     uint64 `json:"drops"`
	Evictions uint64 `json:"evictions"`
}

// JobSnapshot is the per-job operational view exposed by the coordinator.
type JobSnapshot struct {
	JobID           string                `json:"job_id"`
	VideoRef        string                `json:"video_ref"`
	Stage           domain.Stage          `json:"stage"`
	Attempts        map[domain.Stage]int  `json:"attempts,omitempty"`
	ProcessedFrames int64                 `json:"processed_frames"`
	TotalFrames     int64                 `json:"total_frames"`
	Queues          map[string]QueueStats `json:"queues,omitempty"`
}

// Coordinator owns one detection pipeline per active job and drives each job
// through the workflow stages, including the retry-with-backoff policy and
// hard-deadline cancellation.
type Coordinator struct {
	flow    *Workflow
	decoder port.FrameDecoder
	infer   port.Inference
	sink    port.DetectionSink
	cfg     PipelineConfig

	mu     sync.Mutex
	active map[string]*pipelineRun
	wg     sync.WaitGroup
}

func NewCoordinator(flow *Workflow, decoder port.FrameDecoder, infer port.Inference, sink port.DetectionSink, cfg PipelineConfig) *Coordinator {
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	if cfg.DropRateWindow <= 0 {
		cfg.DropRateWindow = 5 * time.Second
	}
	return &Coordinator{
		flow:    flow,
		decoder: decoder,
		infer:   infer,
		sink:    sink,
		cfg:     cfg,
		active:  make(map[string]*pipelineRun),
	}
}

// CreateJob is the ingestion contract. An active job for the same video
// reference is superseded: its pipeline is canceled and its record archived
// before the new job starts.
func (c *Coordinator) CreateJob(ctx context.Context, videoRef string, priority int) (string, error) {
	prior, err := c.flow.ActiveByVideoRef(videoRef)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	if prior != nil {
		logger.Info.Printf("job %s superseded by new ingestion of %s", prior.ID, logger.SanitizeForLog(videoRef))
		if err := c.CancelJob(prior.ID, "superseded by new ingestion"); err != nil {
			return "", fmt.Errorf("supersede job %s: %w", prior.ID, err)
		}
		if err := c.flow.Archive(prior.ID); err != nil {
			return "", fmt.Errorf("archive superseded job %s: %w", prior.ID, err)
		}
	}

	job, err := c.flow.Create(videoRef, priority)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &pipelineRun{
		jobID:    job.ID,
		videoRef: videoRef,
		cancel:   cancel,
		abort:    func() {},
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.active[job.ID] = run
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(run.done)
		defer c.remove(job.ID)
		c.drive(runCtx, run, job)
	}()

	return job.ID, nil
}

// CancelJob is the ingestion contract's cancel operation. It stops the
// job's workers, bounded by the cancellation timeout, and marks the job
// failed with a cancellation error kind.
func (c *Coordinator) CancelJob(jobID, reason string) error {
	c.mu.Lock()
	run := c.active[jobID]
	c.mu.Unlock()

	if run != nil {
		run.cancel()
		run.mu.Lock()
		abort := run.abort
		run.mu.Unlock()
		abort()

		select {
		case <-run.done:
		case <-time.After(c.cfg.CancelTimeout):
			// Force-terminate: workers are abandoned; in-flight inference
			// results will be discarded when the calls return.
			logger.Error.Printf("job %s: workers did not stop within %s", jobID, c.cfg.CancelTimeout)
			reason = fmt.Sprintf("%s (cancellation timeout %s exceeded)", reason, c.cfg.CancelTimeout)
		}
	}

	return c.flow.FailCanceled(jobID, reason)
}

func (c *Coordinator) remove(jobID string) {
	c.mu.Lock()
	delete(c.active, jobID)
	c.mu.Unlock()
}

// Shutdown cancels every active pipeline and waits for the workers, bounded
// by the cancellation timeout each.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if err := c.CancelJob(id, "shutting down"); err != nil {
			logger.Error.Printf("shutdown cancel job %s: %v", id, err)
		}
	}
	c.wg.Wait()
}

// Snapshots returns the observability view of every active job.
func (c *Coordinator) Snapshots() []JobSnapshot {
	c.mu.Lock()
	runs := make([]*pipelineRun, 0, len(c.active))
	for _, r := range c.active {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	out := make([]JobSnapshot, 0, len(runs))
	for _, r := range runs {
		snap := JobSnapshot{JobID: r.jobID, VideoRef: r.videoRef, Queues: r.queueStats()}
		if job, err := c.flow.Get(r.jobID); err == nil {
			snap.Stage = job.Stage
			snap.Attempts = job.Attempts
			snap.ProcessedFrames = job.ProcessedFrames
			snap.TotalFrames = job.TotalFrames
		}
		out = append(out, snap)
	}
	return out
}

// drive walks one job through uploading, validating and processing,
// re-entering a stage after backoff on retryable failure.
func (c *Coordinator) drive(ctx context.Context, run *pipelineRun, job *domain.ProcessingJob) {
	type stageStep struct {
		stage domain.Stage
		fn    func(context.Context, *domain.ProcessingJob) error
	}
	steps := []stageStep{
		{domain.StageUploading, c.stageUpload},
		{domain.StageUploaded, nil},
		{domain.StageValidating, c.stageValidate},
		{domain.StageProcessing, func(ctx context.Context, j *domain.ProcessingJob) error {
			return c.runPipeline(ctx, run, j)
		}},
	}

	for _, step := range steps {
		if err := c.flow.Advance(job.ID, step.stage); err != nil {
			// Job was failed or canceled from outside; stop quietly.
			if !errors.Is(err, domain.ErrInvalidTransition) {
				logger.Error.Printf("job %s: advance to %s: %v", job.ID, step.stage, err)
			}
			return
		}
		if step.fn == nil {
			continue
		}
		if !c.runStage(ctx, job, step.fn) {
			return
		}
	}

	if err := c.flow.Advance(job.ID, domain.StageCompleted); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			logger.Error.Printf("job %s: complete: %v", job.ID, err)
		}
		return
	}
	logger.Info.Printf("job %s completed", job.ID)
}

// runStage executes one stage function under the retry policy. It returns
// false when the job must stop (terminal failure or cancellation).
func (c *Coordinator) runStage(ctx context.Context, job *domain.ProcessingJob, fn func(context.Context, *domain.ProcessingJob) error) bool {
	for {
		err := fn(ctx, job)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			// Cancellation owns the terminal state transition.
			return false
		}

		delay, retry, recErr := c.flow.RecordFailure(job.ID, err)
		if recErr != nil {
			logger.Error.Printf("job %s: record failure: %v", job.ID, recErr)
			return false
		}
		if !retry {
			return false
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Coordinator) stageUpload(_ context.Context, job *domain.ProcessingJob) error {
	info, err := os.Stat(job.VideoRef)
	if err != nil {
		return fmt.Errorf("source %s: %w", logger.SanitizeForLog(job.VideoRef), err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory", logger.SanitizeForLog(job.VideoRef))
	}
	return nil
}

func (c *Coordinator) stageValidate(_ context.Context, job *domain.ProcessingJob) error {
	info, err := c.decoder.Probe(job.VideoRef)
	if err != nil {
		return err
	}
	return c.flow.SetVideoInfo(job.ID, info.TotalFrames)
}

// runPipeline wires the four stage workers and their queues for one attempt
// of the processing stage. It returns nil only when the reader reached end
// of stream and every downstream queue drained.
func (c *Coordinator) runPipeline(ctx context.Context, run *pipelineRun, job *domain.ProcessingJob) error {
	src, err := c.decoder.Open(job.VideoRef)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	frameQ := pipeline.NewWorkQueue[domain.FrameUnit](c.cfg.QueueCapacity)
	batchQ := pipeline.NewWorkQueue[domain.FrameUnit](c.cfg.QueueCapacity)
	resultQ := pipeline.NewWorkQueue[pipeline.FrameResult](c.cfg.QueueCapacity)

	run.setQueues(map[string]queueProbe{
		"frames":  frameQ,
		"batch":   batchQ,
		"results": resultQ,
	})
	run.mu.Lock()
	run.abort = func() {
		frameQ.Abort()
		batchQ.Abort()
		resultQ.Abort()
	}
	run.mu.Unlock()

	reader := pipeline.NewFrameReader(src, frameQ, job.Priority)
	pre := pipeline.NewPreprocessor(frameQ, batchQ, c.cfg.FrameWidth, c.cfg.FrameHeight, job.Priority)
	batcher := pipeline.NewInferenceBatcher(batchQ, resultQ, c.infer, pipeline.BatcherConfig{
		BatchSize:   c.cfg.BatchSize,
		MaxWait:     c.cfg.BatchMaxWait,
		CallTimeout: c.cfg.InferTimeout,
		Parallelism: c.cfg.InferParallelism,
		Priority:    job.Priority,
	})
	tracker := pipeline.NewTracker(resultQ, c.sink, job.ID, func(frameIndex int64, ts time.Duration) {
		c.flow.Progress(job.ID, frameIndex, ts)
	}, pipeline.TrackerConfig{
		ConfidenceThreshold: c.cfg.ConfidenceThreshold,
		NMSIoU:              c.cfg.NMSIoU,
		TrackIoU:            c.cfg.TrackIoU,
		TrackMaxAge:         int64(c.cfg.TrackMaxAge),
		ReorderWindow:       c.cfg.ReorderWindow,
		ProgressInterval:    c.cfg.ProgressInterval,
	})

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go c.monitorDrops(monitorCtx, job.ID, run)

	type stage struct {
		name string
		run  func(context.Context) error
	}
	stages := []stage{
		{"frame reader", reader.Run},
		{"preprocessor", pre.Run},
		{"inference batcher", batcher.Run},
		{"tracker", tracker.Run},
	}

	errCh := make(chan error, len(stages))
	var wg sync.WaitGroup
	for _, s := range stages {
		wg.Add(1)
		go func(s stage) {
			defer wg.Done()
			if err := s.run(ctx); err != nil && !errors.Is(err, domain.ErrQueueClosed) {
				errCh <- fmt.Errorf("%s: %w", s.name, err)
			}
		}(s)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			continue
		}
		return err
	}
	return ctx.Err()
}

// monitorDrops samples queue drop counters and emits a resource_warning
// event when the drop rate stays above the threshold for two consecutive
// windows.
func (c *Coordinator) monitorDrops(ctx context.Context, jobID string, run *pipelineRun) {
	if c.cfg.DropRateThreshold <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.DropRateWindow)
	defer ticker.Stop()

	last := make(map[string]uint64)
	breaches := 0
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := run.queueStats()
		breach := false
		for name, qs := range stats {
			delta := qs.Drops - last[name]
			last[name] = qs.Drops
			rate := float64(delta) / c.cfg.DropRateWindow.Seconds()
			if rate > c.cfg.DropRateThreshold {
				breach = true
				logger.Warn.Printf("job %s: queue %s dropping %.1f items/s", jobID, name, rate)
			}
		}
		if !breach {
			breaches = 0
			warned = false
			continue
		}
		breaches++
		if breaches >= 2 && !warned {
			c.flow.Warn(jobID, map[string]any{"reason": "sustained frame drops", "queues": stats})
			warned = true
		}
	}
}
