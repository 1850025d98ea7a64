package service

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarna/visor/internal/adapter/storage/memory"
	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

type fakeSource struct {
	frames int
	next   int
}

func (s *fakeSource) Next() (domain.FrameUnit, error) {
	if s.next >= s.frames {
		return domain.FrameUnit{}, io.EOF
	}
	i := s.next
	s.next++
	return domain.FrameUnit{
		Index:     int64(i),
		Image:     image.NewNRGBA(image.Rect(0, 0, 8, 8)),
		Timestamp: time.Duration(i) * 200 * time.Millisecond,
	}, nil
}

func (s *fakeSource) Close() error { return nil }

type fakeDecoder struct {
	frames   int
	probeErr error
}

func (d *fakeDecoder) Probe(string) (port.VideoInfo, error) {
	if d.probeErr != nil {
		return port.VideoInfo{}, d.probeErr
	}
	return port.VideoInfo{Width: 8, Height: 8, TotalFrames: int64(d.frames)}, nil
}

func (d *fakeDecoder) Open(string) (port.FrameSource, error) {
	return &fakeSource{frames: d.frames}, nil
}

var _ port.FrameDecoder = (*fakeDecoder)(nil)

type stubInference struct {
	mu    sync.Mutex
	calls int
	err   error
	block time.Duration
}

func (s *stubInference) Infer(ctx context.Context, frames []domain.FrameUnit) ([][]domain.RawDetection, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block > 0 {
		select {
		case <-time.After(s.block):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]domain.RawDetection, len(frames))
	for i := range frames {
		out[i] = []domain.RawDetection{{
			Label:      "person",
			Confidence: 0.9,
			Box:        domain.BoundingBox{X: 1, Y: 1, Width: 4, Height: 4},
		}}
	}
	return out, nil
}

var _ port.Inference = (*stubInference)(nil)

type countingSink struct {
	mu   sync.Mutex
	dets int
}

func (s *countingSink) WriteDetections(_ context.Context, _ string, dets []domain.Detection) error {
	s.mu.Lock()
	s.dets += len(dets)
	s.mu.Unlock()
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dets
}

func testVideoFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cam1.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not a real video"), 0644))
	return path
}

func newTestCoordinator(t *testing.T, decoder port.FrameDecoder, infer port.Inference, sink port.DetectionSink) (*Coordinator, *Workflow) {
	t.Helper()
	flow := NewWorkflow(memory.NewStore(), &captureSubmitter{}, WorkflowConfig{
		MaxStageAttempts: 3,
		RetryBackoff:     domain.NewBackoff(time.Millisecond, 10*time.Millisecond),
		EventTTL:         time.Hour,
	})
	coord := NewCoordinator(flow, decoder, infer, sink, PipelineConfig{
		QueueCapacity:       32,
		BatchSize:           4,
		BatchMaxWait:        20 * time.Millisecond,
		InferTimeout:        time.Second,
		InferParallelism:    2,
		ConfidenceThreshold: 0.5,
		NMSIoU:              0.5,
		TrackIoU:            0.3,
		TrackMaxAge:         5,
		ReorderWindow:       16,
		ProgressInterval:    time.Millisecond,
		CancelTimeout:       2 * time.Second,
	})
	t.Cleanup(coord.Shutdown)
	return coord, flow
}

func waitForStage(t *testing.T, flow *Workflow, jobID string, want domain.Stage) *domain.ProcessingJob {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := flow.Get(jobID)
		require.NoError(t, err)
		if job.Stage == want {
			return job
		}
		require.True(t, !job.Stage.IsTerminal() || job.Stage == want,
			"job reached terminal stage %s (error %q) while waiting for %s", job.Stage, job.LastError, want)
		select {
		case <-deadline:
			t.Fatalf("job never reached %s, stuck at %s", want, job.Stage)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCoordinator_RunsJobToCompletion(t *testing.T) {
	sink := &countingSink{}
	coord, flow := newTestCoordinator(t, &fakeDecoder{frames: 10}, &stubInference{}, sink)

	jobID, err := coord.CreateJob(context.Background(), testVideoFile(t), 2)
	require.NoError(t, err)

	job := waitForStage(t, flow, jobID, domain.StageCompleted)
	assert.Equal(t, int64(10), job.TotalFrames)
	assert.Equal(t, int64(10), job.ProcessedFrames)
	assert.Equal(t, 10, sink.count(), "one detection per frame reached the sink")
}

func TestCoordinator_MissingSourceFailsAfterRetries(t *testing.T) {
	coord, flow := newTestCoordinator(t, &fakeDecoder{frames: 10}, &stubInference{}, &countingSink{})

	jobID, err := coord.CreateJob(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), 2)
	require.NoError(t, err)

	job := waitForStage(t, flow, jobID, domain.StageFailed)
	assert.Equal(t, 3, job.StageAttempts(domain.StageUploading), "upload stage exhausted its attempts")
}

func TestCoordinator_InferenceTimeoutsExhaustRetries(t *testing.T) {
	infer := &stubInference{err: domain.ErrInferenceTimeout}
	coord, flow := newTestCoordinator(t, &fakeDecoder{frames: 4}, infer, &countingSink{})

	jobID, err := coord.CreateJob(context.Background(), testVideoFile(t), 2)
	require.NoError(t, err)

	job := waitForStage(t, flow, jobID, domain.StageFailed)
	assert.Equal(t, 3, job.StageAttempts(domain.StageProcessing))
	assert.Equal(t, "inference_timeout", job.ErrorKind)
}

func TestCoordinator_CancelStopsProcessing(t *testing.T) {
	infer := &stubInference{block: 10 * time.Second}
	coord, flow := newTestCoordinator(t, &fakeDecoder{frames: 100}, infer, &countingSink{})

	jobID, err := coord.CreateJob(context.Background(), testVideoFile(t), 2)
	require.NoError(t, err)
	waitForStage(t, flow, jobID, domain.StageProcessing)

	require.NoError(t, coord.CancelJob(jobID, "canceled by operator"))

	job, err := flow.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, job.Stage)
	assert.Equal(t, "canceled", job.ErrorKind)
	assert.Contains(t, job.LastError, "canceled by operator")
}

func TestCoordinator_NewIngestionSupersedesActiveJob(t *testing.T) {
	infer := &stubInference{block: 10 * time.Second}
	coord, flow := newTestCoordinator(t, &fakeDecoder{frames: 100}, infer, &countingSink{})
	videoRef := testVideoFile(t)

	first, err := coord.CreateJob(context.Background(), videoRef, 2)
	require.NoError(t, err)
	waitForStage(t, flow, first, domain.StageProcessing)

	second, err := coord.CreateJob(context.Background(), videoRef, 2)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	old, err := flow.Get(first)
	require.NoError(t, err)
	assert.Equal(t, domain.StageArchived, old.Stage, "superseded job is canceled and archived")

	active, err := flow.ActiveByVideoRef(videoRef)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second, active.ID)
}

func TestCoordinator_SnapshotsExposeActiveJobs(t *testing.T) {
	infer := &stubInference{block: 10 * time.Second}
	coord, flow := newTestCoordinator(t, &fakeDecoder{frames: 100}, infer, &countingSink{})

	jobID, err := coord.CreateJob(context.Background(), testVideoFile(t), 2)
	require.NoError(t, err)
	waitForStage(t, flow, jobID, domain.StageProcessing)

	snaps := coord.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, jobID, snaps[0].JobID)
	assert.Equal(t, domain.StageProcessing, snaps[0].Stage)
}
