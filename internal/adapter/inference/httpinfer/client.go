package httpinfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

// Client talks to the model-serving collaborator over HTTP. Frames are sent
// JPEG-encoded in one request per batch; the response is index-aligned with
// the request.
type Client struct {
	url     string
	model   string
	timeout time.Duration
	http    *http.Client
	quality int
}

func NewClient(url, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:     url,
		model:   model,
		timeout: timeout,
		http:    &http.Client{},
		quality: 85,
	}
}

type inferRequest struct {
	Model  string       `json:"model"`
	Frames []inferFrame `json:"frames"`
}

type inferFrame struct {
	Seq  int64  `json:"seq"`
	JPEG []byte `json:"jpeg"`
}

type inferResponse struct {
	Frames []struct {
		Seq        int64                 `json:"seq"`
		Detections []domain.RawDetection `json:"detections"`
	} `json:"frames"`
}

func (c *Client) Infer(ctx context.Context, frames []domain.FrameUnit) ([][]domain.RawDetection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := inferRequest{Model: c.model, Frames: make([]inferFrame, 0, len(frames))}
	for _, f := range frames {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: c.quality}); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", f.Seq, err)
		}
		req.Frames = append(req.Frames, inferFrame{Seq: f.Seq, JPEG: buf.Bytes()})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("infer call: %w", domain.ErrInferenceTimeout)
		}
		return nil, fmt.Errorf("infer call: %w: %v", domain.ErrInferenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("infer call: %w: status %d", domain.ErrInferenceUnavailable, resp.StatusCode)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("infer call: %w: bad response: %v", domain.ErrInferenceUnavailable, err)
	}

	bySeq := make(map[int64][]domain.RawDetection, len(out.Frames))
	for _, f := range out.Frames {
		bySeq[f.Seq] = f.Detections
	}
	results := make([][]domain.RawDetection, len(frames))
	for i, f := range frames {
		results[i] = bySeq[f.Seq]
	}
	return results, nil
}

var _ port.Inference = (*Client)(nil)
