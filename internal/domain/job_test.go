package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessingJob(t *testing.T) {
	job := NewProcessingJob("/videos/cam1.mp4", 2)

	assert.NotEmpty(t, job.ID, "ID should be generated")
	assert.Equal(t, "/videos/cam1.mp4", job.VideoRef)
	assert.Equal(t, StageInitializing, job.Stage)
	assert.Equal(t, 2, job.Priority)
	assert.NotNil(t, job.Attempts)
	assert.False(t, job.TerminalAt.Valid, "new job must not be terminal")
}

func TestNewProcessingJob_ClampsPriority(t *testing.T) {
	assert.Equal(t, PriorityHighest, NewProcessingJob("a", 0).Priority)
	assert.Equal(t, PriorityHighest, NewProcessingJob("a", -3).Priority)
	assert.Equal(t, PriorityLowest, NewProcessingJob("a", 9).Priority)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Stage
		to   Stage
		want bool
	}{
		{"initializing to uploading", StageInitializing, StageUploading, true},
		{"uploading to uploaded", StageUploading, StageUploaded, true},
		{"uploaded to validating", StageUploaded, StageValidating, true},
		{"validating to processing", StageValidating, StageProcessing, true},
		{"processing to completed", StageProcessing, StageCompleted, true},
		{"completed to archived", StageCompleted, StageArchived, true},
		{"failed to archived", StageFailed, StageArchived, true},
		{"any non-terminal to failed", StageValidating, StageFailed, true},
		{"uploading to failed", StageUploading, StageFailed, true},
		{"skip a stage", StageUploading, StageValidating, false},
		{"backwards", StageProcessing, StageUploading, false},
		{"completed to failed", StageCompleted, StageFailed, false},
		{"archived is final", StageArchived, StageFailed, false},
		{"archived to archived", StageArchived, StageArchived, false},
		{"initializing straight to completed", StageInitializing, StageCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStage_IsTerminal(t *testing.T) {
	assert.True(t, StageCompleted.IsTerminal())
	assert.True(t, StageFailed.IsTerminal())
	assert.True(t, StageArchived.IsTerminal())
	assert.False(t, StageInitializing.IsTerminal())
	assert.False(t, StageProcessing.IsTerminal())
}

func TestProcessingJob_Advance(t *testing.T) {
	job := NewProcessingJob("/videos/cam1.mp4", 3)

	require.NoError(t, job.Advance(StageUploading))
	require.NoError(t, job.Advance(StageUploaded))
	require.NoError(t, job.Advance(StageValidating))
	require.NoError(t, job.Advance(StageProcessing))
	require.NoError(t, job.Advance(StageCompleted))

	assert.True(t, job.TerminalAt.Valid, "completed job records terminal time")

	err := job.Advance(StageProcessing)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StageCompleted, job.Stage, "rejected transition must not change state")

	require.NoError(t, job.Advance(StageArchived))
	assert.ErrorIs(t, job.Advance(StageFailed), ErrInvalidTransition)
}

func TestProcessingJob_RecordAttempt(t *testing.T) {
	job := NewProcessingJob("/videos/cam1.mp4", 3)
	require.NoError(t, job.Advance(StageUploading))

	assert.Equal(t, 1, job.RecordAttempt())
	assert.Equal(t, 2, job.RecordAttempt())
	assert.Equal(t, 2, job.StageAttempts(StageUploading))

	// Counters are per stage.
	require.NoError(t, job.Advance(StageUploaded))
	assert.Equal(t, 1, job.RecordAttempt())
	assert.Equal(t, 2, job.StageAttempts(StageUploading), "earlier stage count unchanged")
}
