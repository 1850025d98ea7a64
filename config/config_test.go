package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarna/visor/internal/service"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "SAMPLE_FPS", "BATCH_MAX_WAIT", "TRACK_MAX_AGE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8085, cfg.Port)
	assert.Equal(t, 5.0, cfg.SampleFPS)
	assert.Equal(t, 200*time.Millisecond, cfg.BatchMaxWait)
	assert.Equal(t, 5, cfg.TrackMaxAge)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TRACK_MAX_AGE", "9")
	t.Setenv("RETRY_BASE", "2s")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.TrackMaxAge)
	assert.Equal(t, 2*time.Second, cfg.RetryBase)
	assert.Equal(t, 0.25, cfg.ConfidenceThreshold)
}

func TestLoadRejectsUnparsableValues(t *testing.T) {
	t.Setenv("TRACK_MAX_AGE", "often")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRACK_MAX_AGE")
}

// The literal below mirrors the wiring in cmd/visor, so a type drift between
// Config and PipelineConfig fails here instead of only at the binary.
func TestLoadFeedsPipelineConfig(t *testing.T) {
	t.Setenv("TRACK_MAX_AGE", "7")

	cfg, err := Load()
	require.NoError(t, err)

	pc := service.PipelineConfig{
		QueueCapacity:       cfg.QueueCapacity,
		FrameWidth:          cfg.FrameWidth,
		FrameHeight:         cfg.FrameHeight,
		BatchSize:           cfg.BatchSize,
		BatchMaxWait:        cfg.BatchMaxWait,
		InferTimeout:        cfg.InferTimeout,
		InferParallelism:    cfg.InferParallelism,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		NMSIoU:              cfg.NMSIoU,
		TrackIoU:            cfg.TrackIoU,
		TrackMaxAge:         cfg.TrackMaxAge,
		ReorderWindow:       cfg.ReorderWindow,
		ProgressInterval:    cfg.ProgressInterval,
		CancelTimeout:       cfg.CancelTimeout,
		DropRateThreshold:   cfg.DropRateThreshold,
		DropRateWindow:      cfg.DropRateWindow,
	}
	assert.Equal(t, 7, pc.TrackMaxAge)
}
