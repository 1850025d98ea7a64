package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Stage is one step of the processing workflow.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageUploading    Stage = "uploading"
	StageUploaded     Stage = "uploaded"
	StageValidating   Stage = "validating"
	StageProcessing   Stage = "processing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
	StageArchived     Stage = "archived"
)

// stageSuccessors is the single source of truth for allowed transitions.
// Retrying a stage is not a transition: the job stays put and its attempt
// counter moves instead.
var stageSuccessors = map[Stage][]Stage{
	StageInitializing: {StageUploading, StageFailed},
	StageUploading:    {StageUploaded, StageFailed},
	StageUploaded:     {StageValidating, StageFailed},
	StageValidating:   {StageProcessing, StageFailed},
	StageProcessing:   {StageCompleted, StageFailed},
	StageCompleted:    {StageArchived},
	StageFailed:       {StageArchived},
	StageArchived:     {},
}

// CanTransition reports whether to is a valid successor of from.
func CanTransition(from, to Stage) bool {
	for _, s := range stageSuccessors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a job in this stage is immutable.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageArchived
}

// Priority bounds for jobs and notification events. 1 is the most urgent.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// ClampPriority forces p into the valid 1..5 range.
func ClampPriority(p int) int {
	if p < PriorityHighest {
		return PriorityHighest
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}

// ProcessingJob is the durable record of one video's progress through the
// workflow. At most one non-terminal job exists per video reference; a new
// ingestion of the same reference supersedes the old job.
type ProcessingJob struct {
	ID              string
	VideoRef        string
	Stage           Stage
	Priority        int
	Attempts        map[Stage]int
	TotalFrames     int64
	ProcessedFrames int64
	LastError       string
	ErrorKind       string
	CreatedAt       time.Time
	StageEnteredAt  time.Time
	TerminalAt      sql.NullTime
}

// NewProcessingJob builds a job in the initializing stage.
func NewProcessingJob(videoRef string, priority int) *ProcessingJob {
	now := time.Now().UTC()
	return &ProcessingJob{
		ID:             uuid.NewString(),
		VideoRef:       videoRef,
		Stage:          StageInitializing,
		Priority:       ClampPriority(priority),
		Attempts:       make(map[Stage]int),
		CreatedAt:      now,
		StageEnteredAt: now,
	}
}

// Advance moves the job to the next stage if the transition table allows it.
// State is left untouched on a rejected transition.
func (j *ProcessingJob) Advance(to Stage) error {
	if !CanTransition(j.Stage, to) {
		return ErrInvalidTransition
	}
	j.Stage = to
	j.StageEnteredAt = time.Now().UTC()
	if to.IsTerminal() {
		j.TerminalAt = sql.NullTime{Time: j.StageEnteredAt, Valid: true}
	}
	return nil
}

// RecordAttempt bumps the attempt counter of the current stage and returns
// the new count.
func (j *ProcessingJob) RecordAttempt() int {
	if j.Attempts == nil {
		j.Attempts = make(map[Stage]int)
	}
	j.Attempts[j.Stage]++
	return j.Attempts[j.Stage]
}

// StageAttempts returns the attempt count for one stage.
func (j *ProcessingJob) StageAttempts(s Stage) int {
	return j.Attempts[s]
}
