package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tkarna/visor/internal/adapter/http/validation"
	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/infrastructure/logger"
	"github.com/tkarna/visor/internal/port"
	"github.com/tkarna/visor/internal/service"
)

// IngestHandlers exposes the ingestion and observability contracts.
type IngestHandlers struct {
	coord      *service.Coordinator
	flow       *service.Workflow
	dispatcher *service.Dispatcher
}

func NewIngestHandlers(coord *service.Coordinator, flow *service.Workflow, dispatcher *service.Dispatcher) *IngestHandlers {
	return &IngestHandlers{coord: coord, flow: flow, dispatcher: dispatcher}
}

type createJobRequest struct {
	VideoRef string `json:"video_ref"`
	Priority int    `json:"priority"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

func (h *IngestHandlers) CreateJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Priority == 0 {
			req.Priority = domain.PriorityLowest
		}
		if err := validation.VideoRef(req.VideoRef); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := validation.Priority(req.Priority); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		jobID, err := h.coord.CreateJob(r.Context(), req.VideoRef, req.Priority)
		if err != nil {
			logger.Error.Printf("create job for %s: %v", logger.SanitizeForLog(req.VideoRef), err)
			writeError(w, http.StatusInternalServerError, "failed to create job")
			return
		}
		writeJSON(w, http.StatusCreated, createJobResponse{JobID: jobID})
	}
}

func (h *IngestHandlers) CancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("id")
		if _, err := h.flow.Get(jobID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load job")
			return
		}
		if err := h.coord.CancelJob(jobID, "canceled by request"); err != nil {
			logger.Error.Printf("cancel job %s: %v", jobID, err)
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type jobResponse struct {
	JobID           string               `json:"job_id"`
	VideoRef        string               `json:"video_ref"`
	Stage           domain.Stage         `json:"stage"`
	Priority        int                  `json:"priority"`
	Attempts        map[domain.Stage]int `json:"attempts,omitempty"`
	ProcessedFrames int64                `json:"processed_frames"`
	TotalFrames     int64                `json:"total_frames"`
	LastError       string               `json:"last_error,omitempty"`
	ErrorKind       string               `json:"error_kind,omitempty"`
}

func (h *IngestHandlers) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := h.flow.Get(r.PathValue("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load job")
			return
		}
		writeJSON(w, http.StatusOK, jobResponse{
			JobID:           job.ID,
			VideoRef:        job.VideoRef,
			Stage:           job.Stage,
			Priority:        job.Priority,
			Attempts:        job.Attempts,
			ProcessedFrames: job.ProcessedFrames,
			TotalFrames:     job.TotalFrames,
			LastError:       job.LastError,
			ErrorKind:       job.ErrorKind,
		})
	}
}

type statsResponse struct {
	Jobs    []service.JobSnapshot `json:"jobs"`
	Backlog port.EventBacklog     `json:"dispatcher_backlog"`
}

// Stats is the read-only operational snapshot: per-job stage and queue
// state plus the dispatcher backlog.
func (h *IngestHandlers) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backlog, err := h.dispatcher.Backlog()
		if err != nil {
			logger.Error.Printf("stats: backlog: %v", err)
		}
		writeJSON(w, http.StatusOK, statsResponse{
			Jobs:    h.coord.Snapshots(),
			Backlog: backlog,
		})
	}
}

func (h *IngestHandlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
