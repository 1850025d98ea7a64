package pipeline

import "sort"

// reorderBuffer restores sequence order of frame results after parallel
// inference. It holds at most window entries: when the window overflows the
// buffer gives up on the missing sequence numbers (frames shed by
// backpressure never arrive) and releases the oldest buffered results. The
// released order is always non-decreasing in sequence.
type reorderBuffer struct {
	window  int
	nextSeq int64
	pending map[int64]FrameResult
}

func newReorderBuffer(window int) *reorderBuffer {
	if window < 1 {
		window = 1
	}
	return &reorderBuffer{window: window, pending: make(map[int64]FrameResult)}
}

// Add accepts one result and returns every result that is now releasable in
// order. Results older than an already released sequence are discarded.
func (rb *reorderBuffer) Add(fr FrameResult) []FrameResult {
	if fr.Frame.Seq < rb.nextSeq {
		return nil
	}
	rb.pending[fr.Frame.Seq] = fr

	var ready []FrameResult
	for {
		if fr, ok := rb.pending[rb.nextSeq]; ok {
			ready = append(ready, fr)
			delete(rb.pending, rb.nextSeq)
			rb.nextSeq++
			continue
		}
		if len(rb.pending) >= rb.window {
			// Gap: skip ahead to the oldest buffered sequence.
			rb.nextSeq = rb.oldest()
			continue
		}
		return ready
	}
}

// Flush releases everything left, in order. Called at end of stream.
func (rb *reorderBuffer) Flush() []FrameResult {
	if len(rb.pending) == 0 {
		return nil
	}
	seqs := make([]int64, 0, len(rb.pending))
	for s := range rb.pending {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	out := make([]FrameResult, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, rb.pending[s])
		delete(rb.pending, s)
	}
	rb.nextSeq = seqs[len(seqs)-1] + 1
	return out
}

func (rb *reorderBuffer) oldest() int64 {
	first := true
	var oldest int64
	for s := range rb.pending {
		if first || s < oldest {
			oldest = s
			first = false
		}
	}
	return oldest
}
