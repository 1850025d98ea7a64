package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

type fakeInference struct {
	mu      sync.Mutex
	batches [][]int64
	err     error
	delay   time.Duration
}

func (f *fakeInference) Infer(ctx context.Context, frames []domain.FrameUnit) ([][]domain.RawDetection, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	batch := make([]int64, len(frames))
	out := make([][]domain.RawDetection, len(frames))
	for i, fr := range frames {
		batch[i] = fr.Seq
		out[i] = []domain.RawDetection{{Label: "person", Confidence: 0.9}}
	}
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	return out, nil
}

func (f *fakeInference) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

var _ port.Inference = (*fakeInference)(nil)

func feedFrames(t *testing.T, q *WorkQueue[domain.FrameUnit], n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		mustEnqueue(t, q, domain.FrameUnit{Seq: int64(i), Index: int64(i)}, 3)
	}
	q.Close()
}

func TestInferenceBatcher_SplitsIntoFullAndTrailingBatch(t *testing.T) {
	in := NewWorkQueue[domain.FrameUnit](16)
	out := NewWorkQueue[FrameResult](16)
	infer := &fakeInference{}

	feedFrames(t, in, 10)

	b := NewInferenceBatcher(in, out, infer, BatcherConfig{
		BatchSize: 4,
		MaxWait:   time.Second,
		Priority:  3,
	})
	require.NoError(t, b.Run(context.Background()))

	assert.Equal(t, []int{4, 4, 2}, infer.batchSizes())

	results := drain(t, out, 10)
	for i, fr := range results {
		assert.Equal(t, int64(i), fr.Frame.Seq, "results keep arrival order")
		assert.Len(t, fr.Raw, 1)
	}

	_, err := out.Dequeue(contextWithShortTimeout(t))
	assert.ErrorIs(t, err, domain.ErrQueueClosed, "output closes after the last batch")
}

func TestInferenceBatcher_FlushesPartialBatchAfterMaxWait(t *testing.T) {
	in := NewWorkQueue[domain.FrameUnit](16)
	out := NewWorkQueue[FrameResult](16)
	infer := &fakeInference{}

	mustEnqueue(t, in, domain.FrameUnit{Seq: 0}, 3)
	mustEnqueue(t, in, domain.FrameUnit{Seq: 1}, 3)

	b := NewInferenceBatcher(in, out, infer, BatcherConfig{
		BatchSize: 8,
		MaxWait:   30 * time.Millisecond,
		Priority:  3,
	})

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	// The two buffered frames must come out before the stream ends.
	results := drain(t, out, 2)
	assert.Equal(t, int64(0), results[0].Frame.Seq)
	assert.Equal(t, int64(1), results[1].Frame.Seq)

	in.Close()
	require.NoError(t, <-done)
	assert.Equal(t, []int{2}, infer.batchSizes(), "partial batch flushed by max wait")
}

func TestInferenceBatcher_FailedCallFailsTheBatch(t *testing.T) {
	in := NewWorkQueue[domain.FrameUnit](16)
	out := NewWorkQueue[FrameResult](16)
	infer := &fakeInference{err: domain.ErrInferenceUnavailable}

	feedFrames(t, in, 3)

	b := NewInferenceBatcher(in, out, infer, BatcherConfig{
		BatchSize: 4,
		MaxWait:   time.Second,
		Priority:  3,
	})
	err := b.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrInferenceUnavailable)
	assert.Equal(t, 0, out.Depth(), "no partial results from a failed batch")
}

func TestInferenceBatcher_CallTimeout(t *testing.T) {
	in := NewWorkQueue[domain.FrameUnit](16)
	out := NewWorkQueue[FrameResult](16)
	infer := &fakeInference{delay: time.Second}

	feedFrames(t, in, 1)

	b := NewInferenceBatcher(in, out, infer, BatcherConfig{
		BatchSize:   1,
		MaxWait:     time.Second,
		CallTimeout: 20 * time.Millisecond,
		Priority:    3,
	})
	err := b.Run(context.Background())
	assert.Error(t, err)
}

func contextWithShortTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}
