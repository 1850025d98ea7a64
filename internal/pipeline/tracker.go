package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

// ProgressFunc is called by the tracker on its periodic progress tick.
type ProgressFunc func(frameIndex int64, timestamp time.Duration)

// Tracker is the post-processing stage: it restores frame order, applies
// confidence thresholding and non-max suppression, associates detections
// across frames into tracks by greedy IoU matching, and emits finished
// Detection records in non-decreasing frame-index order.
type Tracker struct {
	in       *WorkQueue[FrameResult]
	sink     port.DetectionSink
	jobID    string
	progress ProgressFunc

	confThreshold float64
	nmsIoU        float64
	trackIoU      float64
	trackMaxAge   int64
	reorderWindow int
	tickInterval  time.Duration

	nextTrackID int64
	tracks      map[int64]*track
	lastTick    time.Duration
	ticked      bool
}

type track struct {
	id       int64
	label    string
	box      domain.BoundingBox
	lastSeen int64
}

type TrackerConfig struct {
	ConfidenceThreshold float64
	NMSIoU              float64
	TrackIoU            float64
	TrackMaxAge         int64
	ReorderWindow       int
	ProgressInterval    time.Duration
}

func NewTracker(in *WorkQueue[FrameResult], sink port.DetectionSink, jobID string, progress ProgressFunc, cfg TrackerConfig) *Tracker {
	if cfg.TrackMaxAge < 1 {
		cfg.TrackMaxAge = 5
	}
	if cfg.TrackIoU <= 0 {
		cfg.TrackIoU = 0.5
	}
	return &Tracker{
		in:            in,
		sink:          sink,
		jobID:         jobID,
		progress:      progress,
		confThreshold: cfg.ConfidenceThreshold,
		nmsIoU:        cfg.NMSIoU,
		trackIoU:      cfg.TrackIoU,
		trackMaxAge:   cfg.TrackMaxAge,
		reorderWindow: cfg.ReorderWindow,
		tickInterval:  cfg.ProgressInterval,
		tracks:        make(map[int64]*track),
	}
}

func (t *Tracker) Run(ctx context.Context) error {
	rb := newReorderBuffer(t.reorderWindow)

	for {
		fr, err := t.in.Dequeue(ctx)
		if errors.Is(err, domain.ErrQueueClosed) {
			for _, rest := range rb.Flush() {
				if err := t.processFrame(ctx, rest); err != nil {
					return err
				}
			}
			return nil
		}
		if err != nil {
			return err
		}

		for _, ready := range rb.Add(fr) {
			if err := t.processFrame(ctx, ready); err != nil {
				return err
			}
		}
	}
}

func (t *Tracker) processFrame(ctx context.Context, fr FrameResult) error {
	kept := t.suppress(fr.Raw)
	dets := t.associate(fr.Frame, kept)

	if len(dets) > 0 && t.sink != nil {
		if err := t.sink.WriteDetections(ctx, t.jobID, dets); err != nil {
			return err
		}
	}

	if t.progress != nil && t.tickInterval > 0 {
		ts := fr.Frame.Timestamp
		if !t.ticked || ts-t.lastTick >= t.tickInterval {
			t.progress(fr.Frame.Index, ts)
			t.lastTick = ts
			t.ticked = true
		}
	}
	return nil
}

// suppress drops low-confidence detections, then applies greedy per-label
// non-max suppression.
func (t *Tracker) suppress(raw []domain.RawDetection) []domain.RawDetection {
	cands := make([]domain.RawDetection, 0, len(raw))
	for _, d := range raw {
		if d.Confidence >= t.confThreshold {
			cands = append(cands, d)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Confidence > cands[j].Confidence })

	var kept []domain.RawDetection
	for _, c := range cands {
		suppressed := false
		for _, k := range kept {
			if k.Label == c.Label && k.Box.IoU(c.Box) > t.nmsIoU {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

// associate greedily matches surviving detections to live tracks of the same
// label by best IoU overlap, assigning fresh track ids to the unmatched.
func (t *Tracker) associate(frame domain.FrameUnit, kept []domain.RawDetection) []domain.Detection {
	t.evictStale(frame.Index)

	assigned := make(map[int64]bool, len(t.tracks))
	taken := make([]bool, len(kept))
	dets := make([]domain.Detection, len(kept))
	for i, d := range kept {
		dets[i] = domain.Detection{
			FrameIndex: frame.Index,
			Timestamp:  frame.Timestamp,
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        d.Box,
		}
	}

	// Repeatedly take the globally best (track, detection) pair above the
	// IoU threshold.
	for {
		bestIoU := t.trackIoU
		bestDet := -1
		var bestTrack *track
		for _, tr := range t.tracks {
			if assigned[tr.id] {
				continue
			}
			for i, d := range kept {
				if taken[i] || d.Label != tr.label {
					continue
				}
				if iou := tr.box.IoU(d.Box); iou >= bestIoU {
					bestIoU = iou
					bestDet = i
					bestTrack = tr
				}
			}
		}
		if bestDet < 0 {
			break
		}
		assigned[bestTrack.id] = true
		taken[bestDet] = true
		bestTrack.box = kept[bestDet].Box
		bestTrack.lastSeen = frame.Index
		dets[bestDet].TrackID = bestTrack.id
	}

	for i := range kept {
		if taken[i] {
			continue
		}
		t.nextTrackID++
		t.tracks[t.nextTrackID] = &track{
			id:       t.nextTrackID,
			label:    kept[i].Label,
			box:      kept[i].Box,
			lastSeen: frame.Index,
		}
		dets[i].TrackID = t.nextTrackID
	}
	return dets
}

func (t *Tracker) evictStale(frameIndex int64) {
	for id, tr := range t.tracks {
		if frameIndex-tr.lastSeen > t.trackMaxAge {
			delete(t.tracks, id)
		}
	}
}
