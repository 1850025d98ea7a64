package pipeline

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarna/visor/internal/domain"
)

type scriptedSource struct {
	frames int
	failAt int // -1 never fails
	next   int
}

func (s *scriptedSource) Next() (domain.FrameUnit, error) {
	if s.next == s.failAt {
		return domain.FrameUnit{}, fmt.Errorf("frame %d: %w", s.next, domain.ErrDecode)
	}
	if s.next >= s.frames {
		return domain.FrameUnit{}, io.EOF
	}
	i := s.next
	s.next++
	return domain.FrameUnit{Index: int64(i)}, nil
}

func (s *scriptedSource) Close() error { return nil }

func TestFrameReader_AssignsSequenceAndCloses(t *testing.T) {
	out := NewWorkQueue[domain.FrameUnit](8)
	r := NewFrameReader(&scriptedSource{frames: 3, failAt: -1}, out, 3)

	require.NoError(t, r.Run(context.Background()))

	frames := drain(t, out, 3)
	for i, f := range frames {
		assert.Equal(t, int64(i), f.Seq, "sequence follows read order")
	}
	_, err := out.Dequeue(contextWithShortTimeout(t))
	assert.ErrorIs(t, err, domain.ErrQueueClosed, "output closed at end of stream")
}

func TestFrameReader_DecodeFailureIsAStageFailure(t *testing.T) {
	out := NewWorkQueue[domain.FrameUnit](8)
	r := NewFrameReader(&scriptedSource{frames: 5, failAt: 2}, out, 3)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrDecode)
}

func TestFrameReader_StopsWhenOutputAborted(t *testing.T) {
	out := NewWorkQueue[domain.FrameUnit](8)
	out.Abort()
	r := NewFrameReader(&scriptedSource{frames: 100, failAt: -1}, out, 3)

	require.NoError(t, r.Run(context.Background()), "a closed queue means shutdown, not failure")
}
