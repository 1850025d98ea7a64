package httpsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

// Sink streams finished detections to the annotation collaborator, one POST
// per frame batch. The core does not persist detections itself.
type Sink struct {
	url     string
	timeout time.Duration
	http    *http.Client
}

func NewSink(url string, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{url: url, timeout: timeout, http: &http.Client{}}
}

type detectionBatch struct {
	JobID      string             `json:"job_id"`
	Detections []domain.Detection `json:"detections"`
}

func (s *Sink) WriteDetections(ctx context.Context, jobID string, dets []domain.Detection) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(detectionBatch{JobID: jobID, Detections: dets})
	if err != nil {
		return fmt.Errorf("encode detections: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post detections: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post detections: status %d", resp.StatusCode)
	}
	return nil
}

var _ port.DetectionSink = (*Sink)(nil)
