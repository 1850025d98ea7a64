package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    int
	DataDir string

	// Ingestion / pipeline
	SampleFPS        float64
	FrameWidth       int
	FrameHeight      int
	QueueCapacity    int
	BatchSize        int
	BatchMaxWait     time.Duration
	InferURL         string
	InferModel       string
	InferTimeout     time.Duration
	InferParallelism int

	// Post-processing
	ConfidenceThreshold float64
	NMSIoU              float64
	TrackIoU            float64
	TrackMaxAge         int
	ReorderWindow       int
	ProgressInterval    time.Duration

	// Workflow retry policy
	MaxStageAttempts int
	RetryBase        time.Duration
	RetryCap         time.Duration
	CancelTimeout    time.Duration

	// Drop-rate warning
	DropRateThreshold float64
	DropRateWindow    time.Duration

	// Dispatcher
	DispatchBatchSize   int
	DispatchInterval    time.Duration
	DispatchMaxAttempts int
	EventTTL            time.Duration
	EventGCAge          time.Duration

	// Detection output stream; empty disables emission.
	AnnotationURL string
}

func Load() (*Config, error) {
	// Missing .env is fine: plain env vars still apply.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:       getEnv("DATA_DIR", "/data"),
		InferURL:      getEnv("INFER_URL", "http://localhost:9090/v1/infer"),
		InferModel:    getEnv("INFER_MODEL", "default"),
		AnnotationURL: os.Getenv("ANNOTATION_URL"),
	}

	var err error
	if cfg.Port, err = getInt("PORT", 8085); err != nil {
		return nil, err
	}
	if cfg.SampleFPS, err = getFloat("SAMPLE_FPS", 5); err != nil {
		return nil, err
	}
	if cfg.FrameWidth, err = getInt("FRAME_WIDTH", 640); err != nil {
		return nil, err
	}
	if cfg.FrameHeight, err = getInt("FRAME_HEIGHT", 384); err != nil {
		return nil, err
	}
	if cfg.QueueCapacity, err = getInt("QUEUE_CAPACITY", 64); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getInt("BATCH_SIZE", 8); err != nil {
		return nil, err
	}
	if cfg.BatchMaxWait, err = getDuration("BATCH_MAX_WAIT", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.InferTimeout, err = getDuration("INFER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.InferParallelism, err = getInt("INFER_PARALLELISM", 2); err != nil {
		return nil, err
	}
	if cfg.ConfidenceThreshold, err = getFloat("CONFIDENCE_THRESHOLD", 0.4); err != nil {
		return nil, err
	}
	if cfg.NMSIoU, err = getFloat("NMS_IOU", 0.45); err != nil {
		return nil, err
	}
	if cfg.TrackIoU, err = getFloat("TRACK_IOU", 0.5); err != nil {
		return nil, err
	}
	if cfg.TrackMaxAge, err = getInt("TRACK_MAX_AGE", 5); err != nil {
		return nil, err
	}
	if cfg.ReorderWindow, err = getInt("REORDER_WINDOW", 32); err != nil {
		return nil, err
	}
	if cfg.ProgressInterval, err = getDuration("PROGRESS_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.MaxStageAttempts, err = getInt("MAX_STAGE_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RetryBase, err = getDuration("RETRY_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryCap, err = getDuration("RETRY_CAP", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CancelTimeout, err = getDuration("CANCEL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DropRateThreshold, err = getFloat("DROP_RATE_THRESHOLD", 2); err != nil {
		return nil, err
	}
	if cfg.DropRateWindow, err = getDuration("DROP_RATE_WINDOW", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.DispatchBatchSize, err = getInt("DISPATCH_BATCH_SIZE", 64); err != nil {
		return nil, err
	}
	if cfg.DispatchInterval, err = getDuration("DISPATCH_INTERVAL", 250*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.DispatchMaxAttempts, err = getInt("DISPATCH_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.EventTTL, err = getDuration("EVENT_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.EventGCAge, err = getDuration("EVENT_GC_AGE", 6*time.Hour); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
