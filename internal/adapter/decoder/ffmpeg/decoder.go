package ffmpeg

import (
	"bufio"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

// Decoder extracts sampled frames from a video with ffmpeg and inspects
// sources with ffprobe.
type Decoder struct {
	sampleFPS float64
}

func NewDecoder(sampleFPS float64) *Decoder {
	if sampleFPS <= 0 {
		sampleFPS = 5
	}
	return &Decoder{sampleFPS: sampleFPS}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func (d *Decoder) Probe(videoRef string) (port.VideoInfo, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		videoRef)
	out, err := cmd.Output()
	if err != nil {
		return port.VideoInfo{}, fmt.Errorf("probe %s: %w: %v", videoRef, domain.ErrDecode, err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return port.VideoInfo{}, fmt.Errorf("parse probe output: %w: %v", domain.ErrDecode, err)
	}

	info := port.VideoInfo{}
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}
	if info.Width == 0 || info.Height == 0 {
		return port.VideoInfo{}, fmt.Errorf("probe %s: %w: no video stream", videoRef, domain.ErrDecode)
	}
	if secs, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
		info.TotalFrames = int64(secs * d.sampleFPS)
	}
	return info, nil
}

// Open starts an ffmpeg process that resamples the source to the configured
// frame rate and writes raw RGBA frames to its stdout.
func (d *Decoder) Open(videoRef string) (port.FrameSource, error) {
	info, err := d.Probe(videoRef)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("ffmpeg",
		"-i", videoRef,
		"-vf", fmt.Sprintf("fps=%g", d.sampleFPS),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-v", "error",
		"-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w: %v", videoRef, domain.ErrDecode, err)
	}
	var errBuf strings.Builder
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("decode %s: %w: %v", videoRef, domain.ErrDecode, err)
	}

	return &frameSource{
		cmd:       cmd,
		stdout:    bufio.NewReaderSize(stdout, 1<<20),
		stderr:    &errBuf,
		width:     info.Width,
		height:    info.Height,
		frameSecs: 1 / d.sampleFPS,
	}, nil
}

type frameSource struct {
	cmd       *exec.Cmd
	stdout    *bufio.Reader
	stderr    *strings.Builder
	width     int
	height    int
	frameSecs float64
	index     int64
	closed    bool
}

func (s *frameSource) Next() (domain.FrameUnit, error) {
	buf := make([]byte, s.width*s.height*4)
	_, err := io.ReadFull(s.stdout, buf)
	if err == io.EOF {
		if werr := s.wait(); werr != nil {
			return domain.FrameUnit{}, werr
		}
		return domain.FrameUnit{}, io.EOF
	}
	if err != nil {
		return domain.FrameUnit{}, fmt.Errorf("frame %d: %w: %v (%s)",
			s.index, domain.ErrDecode, err, strings.TrimSpace(s.stderr.String()))
	}

	img := &image.NRGBA{
		Pix:    buf,
		Stride: s.width * 4,
		Rect:   image.Rect(0, 0, s.width, s.height),
	}
	frame := domain.FrameUnit{
		Index:     s.index,
		Image:     img,
		Timestamp: time.Duration(float64(s.index) * s.frameSecs * float64(time.Second)),
	}
	s.index++
	return frame, nil
}

func (s *frameSource) wait() error {
	s.closed = true
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exit: %w: %v (%s)",
			domain.ErrDecode, err, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}

func (s *frameSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.cmd.Process.Kill()
	_, _ = io.Copy(io.Discard, s.stdout)
	_ = s.cmd.Wait()
	return nil
}

var _ port.FrameDecoder = (*Decoder)(nil)
