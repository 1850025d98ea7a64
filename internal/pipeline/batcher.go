package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

// FrameResult carries one frame's raw model output to the post-processor.
type FrameResult struct {
	Frame domain.FrameUnit
	Raw   []domain.RawDetection
}

// InferenceBatcher accumulates frames into batches and invokes the inference
// contract once per batch. A partial batch is flushed after MaxWait so a slow
// source never stalls the pipeline. Inference calls may run in parallel; the
// post-processor's reorder buffer restores sequence order downstream.
//
// A failed call fails the whole batch: no partial-batch retry, which keeps
// ordering reasoning simple.
type InferenceBatcher struct {
	in          *WorkQueue[domain.FrameUnit]
	out         *WorkQueue[FrameResult]
	infer       port.Inference
	batchSize   int
	maxWait     time.Duration
	callTimeout time.Duration
	parallelism int
	priority    int

	mu       sync.Mutex
	firstErr error
}

type BatcherConfig struct {
	BatchSize   int
	MaxWait     time.Duration
	CallTimeout time.Duration
	Parallelism int
	Priority    int
}

func NewInferenceBatcher(in *WorkQueue[domain.FrameUnit], out *WorkQueue[FrameResult], infer port.Inference, cfg BatcherConfig) *InferenceBatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &InferenceBatcher{
		in:          in,
		out:         out,
		infer:       infer,
		batchSize:   cfg.BatchSize,
		maxWait:     cfg.MaxWait,
		callTimeout: cfg.CallTimeout,
		parallelism: cfg.Parallelism,
		priority:    cfg.Priority,
	}
}

func (b *InferenceBatcher) Run(ctx context.Context) error {
	defer b.out.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, b.parallelism)
	var wg sync.WaitGroup

	for {
		if err := b.err(); err != nil {
			break
		}

		batch, done, err := b.collect(ctx)
		if err != nil {
			b.setErr(err)
			break
		}
		if len(batch) > 0 {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				b.setErr(ctx.Err())
				done = true
			}
			if b.err() == nil {
				wg.Add(1)
				go func(frames []domain.FrameUnit) {
					defer wg.Done()
					defer func() { <-sem }()
					if err := b.runBatch(ctx, frames); err != nil {
						b.setErr(err)
						cancel()
					}
				}(batch)
			}
		}
		if done {
			break
		}
	}

	wg.Wait()
	return b.err()
}

// collect blocks for the first frame, then fills the batch until either the
// size limit or the max-wait deadline is hit. done reports end of input.
func (b *InferenceBatcher) collect(ctx context.Context) (batch []domain.FrameUnit, done bool, err error) {
	first, err := b.in.Dequeue(ctx)
	if errors.Is(err, domain.ErrQueueClosed) {
		return nil, true, nil
	}
	if err != nil {
		return nil, true, err
	}
	batch = append(batch, first)

	deadline := time.Now().Add(b.maxWait)
	for len(batch) < b.batchSize {
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		frame, err := b.in.Dequeue(waitCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrQueueClosed):
				return batch, true, nil
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				// Max wait elapsed: flush what we have.
				return batch, false, nil
			default:
				return batch, true, err
			}
		}
		batch = append(batch, frame)
	}
	return batch, false, nil
}

func (b *InferenceBatcher) runBatch(ctx context.Context, frames []domain.FrameUnit) error {
	callCtx := ctx
	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	raw, err := b.infer.Infer(callCtx, frames)
	if err != nil {
		return fmt.Errorf("infer batch of %d (first seq %d): %w", len(frames), frames[0].Seq, err)
	}
	if len(raw) != len(frames) {
		return fmt.Errorf("infer batch of %d: %w: got %d result rows", len(frames), domain.ErrInferenceUnavailable, len(raw))
	}

	for i, frame := range frames {
		if _, err := b.out.Enqueue(FrameResult{Frame: frame, Raw: raw[i]}, b.priority); err != nil {
			return nil // output closed, pipeline is shutting down
		}
	}
	return nil
}

func (b *InferenceBatcher) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstErr
}

func (b *InferenceBatcher) setErr(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.firstErr == nil {
		b.firstErr = err
	}
}
